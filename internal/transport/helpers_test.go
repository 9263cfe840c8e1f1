package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/fanout"
	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/internal/view"
	"github.com/pitabwire/signoff/model"
)

var testUsers = map[string]map[string]any{
	"client": {
		"sub": "client-1", "tenant_id": "tenant-1", "email": "j@x.com",
		"name": "J. Smith", "roles": []any{"client"},
	},
	"staff": {
		"sub": "staff-1", "tenant_id": "tenant-1", "email": "pm@acme.test",
		"name": "Pat Manager", "roles": []any{"staff"},
	},
	"admin": {
		"sub": "admin-1", "tenant_id": "tenant-1", "email": "admin@acme.test",
		"name": "Ada Admin", "roles": []any{"admin"},
	},
	"outsider": {
		"sub": "staff-9", "tenant_id": "tenant-2", "email": "pm@other.test",
		"roles": []any{"admin"},
	},
	"tenantless": {
		"sub": "ghost", "roles": []any{"admin"},
	},
}

var testPolicy = map[string][]string{
	"client": {"subject:view", "proposal:decide", "document_approval:decide", "change_order:decide"},
	"staff":  {"subject:view", "subject:create", "proposal:send", "notification:read"},
	"admin":  {"subject:*", "proposal:*", "document_approval:*", "change_order:*", "notification:*"},
}

// headerAuth authenticates by X-Test-User, standing in for JWT verification.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := testUsers[r.Header.Get("X-Test-User")]
		if !ok {
			WriteError(w, r, model.NewUnauthorizedError("unknown test user"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	sink   *fanout.MemorySink
}

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{
		Config:    cfg,
		Readiness: observability.ReadinessChecks{RecordStore: store.NewMemoryStore()},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	sink := fanout.NewMemorySink()
	dir := fanout.NewStaticDirectory([]config.StaffMember{
		{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test", Roles: []string{"staff"}},
	}, []string{"staff"})
	fan := fanout.New(sink, fanout.DefaultResolver(dir), fanout.WithPublicURL("https://app.test"))

	exec := lifecycle.NewExecutor(st, lifecycle.WithIdempotencyStore(lifecycle.NewMemoryIdempotencyStore(), time.Hour))
	svc := view.NewService(st, exec, view.WithDispatcher(fan))

	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}
	contract, err := openapi.NewValidator(doc)
	if err != nil {
		t.Fatalf("openapi.NewValidator: %v", err)
	}

	deps := testDeps()
	deps.Authenticate = headerAuth
	deps.CapabilityResolver = capability.NewResolver(capability.NewStaticPolicy(testPolicy), time.Minute)
	deps.Service = svc
	deps.Notifications = sink
	deps.Contract = contract
	deps.Readiness = observability.ReadinessChecks{RecordStore: st, NotificationSink: sink}

	return &testEnv{router: NewRouter(deps), store: st, sink: sink}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		return e.doRaw(t, user, method, path, nil, headers...)
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return e.doRaw(t, user, method, path, &buf, headers...)
}

func (e *testEnv) doRaw(t *testing.T, user, method, path string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seed(t *testing.T, subj model.Subject) {
	t.Helper()
	if subj.TenantID == "" {
		subj.TenantID = "tenant-1"
	}
	if subj.Version == 0 {
		subj.Version = 1
	}
	now := time.Now().UTC()
	subj.CreatedAt, subj.UpdatedAt = now, now
	if err := e.store.Create(context.Background(), subj); err != nil {
		t.Fatalf("seed %s: %v", subj.ID, err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
	View  *model.SubjectView  `json:"view"`
}

func awaitingProposal(id string) model.Subject {
	exp := time.Now().Add(72 * time.Hour)
	return model.Subject{
		ID:          id,
		Variant:     model.VariantProposal,
		Status:      model.ProposalAwaitingSignature,
		RequestedBy: model.Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"},
		Proposal: &model.ProposalPayload{
			Title:          "Kitchen remodel",
			Recipient:      model.Party{Name: "J. Smith", Email: "j@x.com"},
			AmountCents:    1250000,
			ExpirationDate: &exp,
		},
	}
}

func pendingChangeOrder(id string) model.Subject {
	return model.Subject{
		ID:          id,
		Variant:     model.VariantChangeOrder,
		Status:      model.ChangeOrderPending,
		RequestedBy: model.Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"},
		ChangeOrder: &model.ChangeOrderPayload{Number: "CO-007", Title: "Extra outlet", CostImpactCents: 45000, ScheduleImpactDays: 2},
	}
}
