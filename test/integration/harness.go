// Package integration provides a reusable test harness for end-to-end
// integration testing of the signoff server. It starts a full HTTP server
// with in-memory stores, a recording notification sink and mailer, and a
// test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/signoff/internal/capability"
	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/fanout"
	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/internal/transport"
	"github.com/pitabwire/signoff/internal/view"
	"github.com/pitabwire/signoff/model"
)

// Staff members known to every harness.
var defaultStaff = []config.StaffMember{
	{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test", Roles: []string{"staff"}},
	{ID: "staff-2", Name: "Olu Ops", Email: "ops@acme.test", Roles: []string{"staff"}},
}

// TestHarness encapsulates a fully wired signoff instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store            *store.MemoryStore
	Sink             *FlakySink
	Mailer           *RecordingMailer
	Fanout           *fanout.Fanout
	Executor         *lifecycle.Executor
	Service          *view.Service
	IdempotencyStore *lifecycle.MemoryIdempotencyStore
	CapResolver      model.CapabilityResolver
	Metrics          *observability.Metrics
	Registry         *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	staff          []config.StaffMember
	breaker        *config.CircuitBreakerConfig
	lifecycle      config.LifecycleConfig
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithStaff replaces the staff directory.
func WithStaff(members ...config.StaffMember) HarnessOption {
	return func(c *harnessConfig) {
		c.staff = members
	}
}

// WithCircuitBreaker guards the notification sink and mailer with breakers.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cfg
	}
}

// WithLifecycle overrides the decision rules.
func WithLifecycle(cfg config.LifecycleConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.lifecycle = cfg
	}
}

// NewTestHarness creates and starts a full signoff test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		staff:          defaultStaff,
		lifecycle:      config.Defaults().Lifecycle,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t}

	// Step 1: Metrics on a private registry so harnesses do not collide.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	// Step 2: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0) // no caching in tests

	// Step 3: In-memory stores.
	h.Store = store.NewMemoryStore()
	h.IdempotencyStore = lifecycle.NewMemoryIdempotencyStore()
	h.Sink = NewFlakySink()
	h.Mailer = &RecordingMailer{}

	// Step 4: Fan-out.
	fanOpts := []fanout.Option{
		fanout.WithMailer(h.Mailer),
		fanout.WithOutbox(h.Store),
		fanout.WithMetrics(h.Metrics),
		fanout.WithPublicURL("https://app.signoff.test"),
		fanout.WithSignerConfirmation(true),
		fanout.WithMaxAttempts(5),
	}
	if hc.breaker != nil {
		fanOpts = append(fanOpts, fanout.WithBreakers(
			fanout.NewBreaker("notification_sink", *hc.breaker, h.Metrics),
			fanout.NewBreaker("mailer", *hc.breaker, h.Metrics),
		))
	}
	dir := fanout.NewStaticDirectory(hc.staff, []string{"staff", "admin"})
	h.Fanout = fanout.New(h.Sink, fanout.DefaultResolver(dir), fanOpts...)

	// Step 5: Decisions.
	h.Executor = lifecycle.NewExecutor(h.Store,
		lifecycle.WithValidator(lifecycle.NewValidator(lifecycle.Options{
			RequireChangeOrderRejectReason: hc.lifecycle.RequireChangeOrderRejectReason,
		})),
		lifecycle.WithIdempotencyStore(h.IdempotencyStore, time.Hour),
		lifecycle.WithMetrics(h.Metrics),
		lifecycle.WithMaxConflictRetries(hc.lifecycle.MaxConflictRetries),
		lifecycle.WithWriteTimeout(hc.lifecycle.WriteTimeout),
	)
	h.Service = view.NewService(h.Store, h.Executor,
		view.WithDispatcher(h.Fanout),
		view.WithMetrics(h.Metrics),
	)

	// Step 6: Contract.
	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	contract, err := openapi.NewValidator(doc)
	if err != nil {
		t.Fatalf("contract validator: %v", err)
	}

	// Step 7: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 8: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 9: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)
	readiness := observability.ReadinessChecks{
		RecordStore:      h.Store,
		NotificationSink: h.Sink,
		IdempotencyStore: h.IdempotencyStore,
		PolicyEngine:     evaluator,
		IdentityProvider: jwks,
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Service:            h.Service,
		Notifications:      h.Sink,
		Readiness:          readiness,
		Metrics:            h.Metrics,
		Contract:           contract,
	})

	// Step 10: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Seed writes subj straight to the record store, filling in bookkeeping
// fields the API would set.
func (h *TestHarness) Seed(subj model.Subject) model.Subject {
	h.t.Helper()
	if subj.TenantID == "" {
		subj.TenantID = "acme-corp"
	}
	if subj.Version == 0 {
		subj.Version = 1
	}
	now := time.Now().UTC()
	subj.CreatedAt, subj.UpdatedAt = now, now
	if err := h.Store.Create(context.Background(), subj); err != nil {
		h.t.Fatalf("seed %s: %v", subj.ID, err)
	}
	return subj
}

// Stored reads the persisted record, bypassing the API.
func (h *TestHarness) Stored(id string) model.Subject {
	h.t.Helper()
	subj, err := h.Store.Get(context.Background(), "acme-corp", id)
	if err != nil {
		h.t.Fatalf("read %s: %v", id, err)
	}
	return subj
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// Decide submits a decision on a subject.
func (h *TestHarness) Decide(id string, sub map[string]any, token string) *http.Response {
	h.t.Helper()
	return h.POST("/api/subjects/"+id+"/decisions", sub, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Response shapes ---

// Outcome mirrors the body of a successful decision.
type Outcome struct {
	View     model.SubjectView     `json:"view"`
	Dispatch *model.DispatchReport `json:"dispatch"`
	Replayed bool                  `json:"replayed"`
}

// ErrorResponse mirrors the body of a failed request.
type ErrorResponse struct {
	Error model.ErrorEnvelope `json:"error"`
	View  *model.SubjectView  `json:"view"`
}

// --- Default test claims ---

// ClientClaims returns TestClaims for the proposal recipient.
func ClientClaims() TestClaims {
	return TestClaims{
		ActorID:  "client-1",
		TenantID: "acme-corp",
		Email:    "j@x.com",
		Name:     "J. Smith",
		Roles:    []string{"client"},
	}
}

// OtherClientClaims returns TestClaims for a second client of the tenant.
func OtherClientClaims() TestClaims {
	return TestClaims{
		ActorID:  "client-2",
		TenantID: "acme-corp",
		Email:    "k@y.com",
		Name:     "K. Jones",
		Roles:    []string{"client"},
	}
}

// StaffClaims returns TestClaims for an internal project manager.
func StaffClaims() TestClaims {
	return TestClaims{
		ActorID:  "staff-1",
		TenantID: "acme-corp",
		Email:    "pm@acme.test",
		Name:     "Pat Manager",
		Roles:    []string{"staff"},
	}
}

// AdminClaims returns TestClaims for a tenant administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		ActorID:  "admin-1",
		TenantID: "acme-corp",
		Email:    "admin@acme.test",
		Roles:    []string{"admin"},
	}
}

// OutsiderClaims returns TestClaims for an administrator of another tenant.
func OutsiderClaims() TestClaims {
	return TestClaims{
		ActorID:  "admin-9",
		TenantID: "globex",
		Email:    "admin@globex.test",
		Roles:    []string{"admin"},
	}
}

// --- Fixtures ---

// ProposalFixture returns a proposal addressed to the default client.
func ProposalFixture(id string, status model.Status) model.Subject {
	exp := time.Now().Add(7 * 24 * time.Hour)
	return model.Subject{
		ID:          id,
		Variant:     model.VariantProposal,
		Status:      status,
		RequestedBy: model.Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"},
		Proposal: &model.ProposalPayload{
			Title:          "Kitchen remodel",
			Recipient:      model.Party{Name: "J. Smith", Email: "j@x.com"},
			AmountCents:    1250000,
			ExpirationDate: &exp,
		},
	}
}

// ApprovalFixture returns a document approval raised internally.
func ApprovalFixture(id string) model.Subject {
	return model.Subject{
		ID:            id,
		Variant:       model.VariantDocumentApproval,
		Status:        model.ApprovalPending,
		RequestedBy:   model.Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"},
		RequestedFrom: model.Party{Name: "J. Smith", Email: "j@x.com"},
		Approval:      &model.ApprovalPayload{DocumentTitle: "Floor plan v3", Origin: model.OriginInternal},
	}
}

// ChangeOrderFixture returns a change order awaiting the client.
func ChangeOrderFixture(id string) model.Subject {
	return model.Subject{
		ID:            id,
		Variant:       model.VariantChangeOrder,
		Status:        model.ChangeOrderPending,
		RequestedBy:   model.Party{ID: "staff-1", Name: "Pat Manager", Email: "pm@acme.test"},
		RequestedFrom: model.Party{Name: "J. Smith", Email: "j@x.com"},
		ChangeOrder: &model.ChangeOrderPayload{
			Number: "CO-012", Title: "Upgrade countertops",
			CostImpactCents: 320000, ScheduleImpactDays: 3,
		},
	}
}

// Strokes returns a two-stroke signature in wire form.
func Strokes() [][]map[string]float64 {
	return [][]map[string]float64{
		{{"x": 10, "y": 40}, {"x": 60, "y": 20}, {"x": 120, "y": 60}},
		{{"x": 140, "y": 30}, {"x": 200, "y": 50}},
	}
}

// --- Collaborators ---

// errSinkDown is returned by FlakySink while it is down.
var errSinkDown = errors.New("notification service unreachable")

// FlakySink is an in-memory notification sink that can be taken down.
type FlakySink struct {
	*fanout.MemorySink
	down  atomic.Bool
	calls atomic.Int64
}

// NewFlakySink creates a reachable sink.
func NewFlakySink() *FlakySink {
	return &FlakySink{MemorySink: fanout.NewMemorySink()}
}

// SetDown makes the sink unreachable or reachable again.
func (s *FlakySink) SetDown(down bool) { s.down.Store(down) }

// Calls counts Create attempts, including failed ones.
func (s *FlakySink) Calls() int { return int(s.calls.Load()) }

// Create stores n unless the sink is down.
func (s *FlakySink) Create(ctx context.Context, n model.Notification) error {
	s.calls.Add(1)
	if s.down.Load() {
		return errSinkDown
	}
	return s.MemorySink.Create(ctx, n)
}

// HealthCheck reports the sink as unreachable while it is down.
func (s *FlakySink) HealthCheck(ctx context.Context) error {
	if s.down.Load() {
		return errSinkDown
	}
	return s.MemorySink.HealthCheck(ctx)
}

// RecordingMailer keeps every email it is asked to send.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []model.Email
}

// Send records e.
func (m *RecordingMailer) Send(_ context.Context, e model.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return nil
}

// Sent returns the emails sent to address, or all of them when address is
// empty.
func (m *RecordingMailer) Sent(address string) []model.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Email
	for _, e := range m.sent {
		if address == "" || strings.EqualFold(e.To, address) {
			out = append(out, e)
		}
	}
	return out
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
