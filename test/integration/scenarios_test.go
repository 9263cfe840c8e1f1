package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

func signWith(name, email string) map[string]any {
	return map[string]any{
		"action": "sign",
		"signature": map[string]any{
			"strokes":      Strokes(),
			"signer_name":  name,
			"signer_email": email,
		},
	}
}

func countFor(t *testing.T, h *TestHarness, recipient string) int {
	t.Helper()
	items, err := h.Sink.List(context.Background(), "acme-corp", recipient, 100)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return len(items)
}

// A sent proposal signed by the client records the signer and notifies every
// staff member exactly once.
func TestScenario_SignSentProposal(t *testing.T) {
	h := NewTestHarness(t)
	h.Seed(ProposalFixture("p-a", model.ProposalSent))
	token := h.GenerateToken(ClientClaims())

	var out Outcome
	h.AssertJSON(t, h.Decide("p-a", signWith("J. Smith", "j@x.com"), token), http.StatusOK, &out)

	got := out.View.Subject
	if got.Status != model.ProposalSigned {
		t.Errorf("status = %q, want signed", got.Status)
	}
	if got.Signature == nil || got.Signature.SignerName != "J. Smith" {
		t.Fatalf("signature_artifact = %+v, want signer J. Smith", got.Signature)
	}
	if got.DecisionTimestamp == nil {
		t.Error("decision_timestamp not set")
	}
	if out.View.Phase != model.PhaseSettled || !out.View.Terminal {
		t.Errorf("view phase = %q terminal = %v", out.View.Phase, out.View.Terminal)
	}

	stored := h.Stored("p-a")
	if stored.Status != model.ProposalSigned || stored.Signature.SignerName != "J. Smith" {
		t.Errorf("stored = %s / %+v", stored.Status, stored.Signature)
	}
	if stored.DecidedBy != "client-1" {
		t.Errorf("decided_by = %q, want client-1", stored.DecidedBy)
	}

	for _, staff := range []string{"pm@acme.test", "ops@acme.test"} {
		if n := countFor(t, h, staff); n != 1 {
			t.Errorf("notifications for %s = %d, want 1", staff, n)
		}
	}
	if n := h.Sink.Len(); n != 2 {
		t.Errorf("total notifications = %d, want 2", n)
	}
	if out.Dispatch == nil || len(out.Dispatch.Failed()) != 0 {
		t.Errorf("dispatch = %s", FormatJSON(out.Dispatch))
	}
	if sent := h.Mailer.Sent("j@x.com"); len(sent) != 1 {
		t.Errorf("signer confirmations = %d, want 1", len(sent))
	}
}

// Declining without a reason is refused before anything is written.
func TestScenario_DeclineWithoutReason(t *testing.T) {
	h := NewTestHarness(t)
	h.Seed(ProposalFixture("p-b", model.ProposalSent))
	token := h.GenerateToken(ClientClaims())

	var body ErrorResponse
	h.AssertJSON(t, h.Decide("p-b", map[string]any{"action": "decline", "comments": ""}, token),
		http.StatusUnprocessableEntity, &body)

	if body.Error.Code != model.ErrMissingReason {
		t.Errorf("code = %q, want %s", body.Error.Code, model.ErrMissingReason)
	}
	if body.View == nil || body.View.Subject.Status != model.ProposalSent {
		t.Errorf("view = %s", FormatJSON(body.View))
	}

	stored := h.Stored("p-b")
	if stored.Status != model.ProposalSent || stored.Decided() {
		t.Errorf("stored = %s decided=%v, want untouched", stored.Status, stored.Decided())
	}
	if stored.Version != 1 {
		t.Errorf("version = %d, want 1", stored.Version)
	}
	if n := h.Sink.Len(); n != 0 {
		t.Errorf("notifications = %d, want 0", n)
	}
	if sent := h.Mailer.Sent(""); len(sent) != 0 {
		t.Errorf("emails = %d, want 0", len(sent))
	}

	// The same decision with a reason goes through.
	var out Outcome
	h.AssertJSON(t, h.Decide("p-b", map[string]any{"action": "decline", "comments": "Over budget"}, token),
		http.StatusOK, &out)
	if out.View.Subject.Status != model.ProposalDeclined || out.View.Subject.DecisionComments != "Over budget" {
		t.Errorf("subject = %s / %q", out.View.Subject.Status, out.View.Subject.DecisionComments)
	}
}

// Approving a change order sets the approval date and notifies the
// requesting staff member by notification and email.
func TestScenario_ApproveChangeOrder(t *testing.T) {
	h := NewTestHarness(t)
	h.Seed(ChangeOrderFixture("co-c"))
	token := h.GenerateToken(ClientClaims())

	resp := h.Decide("co-c", map[string]any{"action": "approve", "comments": "ok"}, token)
	var raw struct {
		View struct {
			Subject map[string]any `json:"subject"`
		} `json:"view"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &raw)

	if raw.View.Subject["status"] != string(model.ChangeOrderApproved) {
		t.Errorf("status = %v, want Approved", raw.View.Subject["status"])
	}
	if _, ok := raw.View.Subject["client_approval_date"]; !ok {
		t.Errorf("client_approval_date missing: %v", raw.View.Subject)
	}

	stored := h.Stored("co-c")
	if stored.Status != model.ChangeOrderApproved || stored.DecisionTimestamp == nil {
		t.Errorf("stored = %s / %v", stored.Status, stored.DecisionTimestamp)
	}
	if stored.DecisionComments != "ok" {
		t.Errorf("comments = %q", stored.DecisionComments)
	}
	if stored.ChangeOrder.CostImpactCents != 320000 || stored.ChangeOrder.ScheduleImpactDays != 3 {
		t.Errorf("impact changed: %+v", stored.ChangeOrder)
	}

	if n := h.Sink.Len(); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	if n := countFor(t, h, "pm@acme.test"); n != 1 {
		t.Errorf("notifications for requester = %d, want 1", n)
	}
	sent := h.Mailer.Sent("")
	if len(sent) != 1 || sent[0].To != "pm@acme.test" {
		t.Errorf("emails = %s, want one to pm@acme.test", FormatJSON(sent))
	}
}

// A second acceptance of a signed proposal is refused and the original
// signer is kept.
func TestScenario_SecondAcceptanceRefused(t *testing.T) {
	h := NewTestHarness(t)
	h.Seed(ProposalFixture("p-d", model.ProposalSent))

	first := h.GenerateToken(ClientClaims())
	h.AssertStatus(t, h.Decide("p-d", signWith("J. Smith", "j@x.com"), first), http.StatusOK)
	notified := h.Sink.Len()

	second := h.GenerateToken(OtherClientClaims())
	var body ErrorResponse
	h.AssertJSON(t, h.Decide("p-d", signWith("K. Jones", "k@y.com"), second), http.StatusConflict, &body)

	if body.Error.Code != model.ErrAlreadyDecided {
		t.Errorf("code = %q, want %s", body.Error.Code, model.ErrAlreadyDecided)
	}
	if body.View == nil || body.View.Subject.Signature == nil || body.View.Subject.Signature.SignerName != "J. Smith" {
		t.Errorf("view = %s", FormatJSON(body.View))
	}

	stored := h.Stored("p-d")
	if stored.Signature.SignerName != "J. Smith" || stored.DecidedBy != "client-1" {
		t.Errorf("stored signer = %q decided_by = %q", stored.Signature.SignerName, stored.DecidedBy)
	}
	if h.Sink.Len() != notified {
		t.Errorf("notifications = %d, want %d", h.Sink.Len(), notified)
	}
}

// An unreachable notification sink does not undo the decision; the failure
// is reported and redelivered later.
func TestScenario_SinkUnreachable(t *testing.T) {
	for _, action := range []string{"approve", "reject"} {
		t.Run(action, func(t *testing.T) {
			h := NewTestHarness(t)
			h.Seed(ApprovalFixture("da-e"))
			h.Sink.SetDown(true)
			token := h.GenerateToken(ClientClaims())

			var out Outcome
			h.AssertJSON(t, h.Decide("da-e", map[string]any{"action": action, "comments": "see notes"}, token),
				http.StatusOK, &out)

			want := model.ApprovalApproved
			if action == "reject" {
				want = model.ApprovalRejected
			}
			if out.View.Subject.Status != want || h.Stored("da-e").Status != want {
				t.Fatalf("status = %s, stored %s, want %s", out.View.Subject.Status, h.Stored("da-e").Status, want)
			}
			if out.Dispatch == nil {
				t.Fatal("dispatch report missing")
			}
			failed := out.Dispatch.Failed()
			if len(failed) != 1 || failed[0].Channel != model.ChannelNotification {
				t.Errorf("failed = %s, want the notification only", FormatJSON(failed))
			}

			entry, err := h.Store.GetEvent(context.Background(), out.Dispatch.EventID)
			if err != nil {
				t.Fatalf("outbox entry: %v", err)
			}
			if entry.Status != model.OutboxPartial {
				t.Errorf("outbox status = %q, want partial", entry.Status)
			}

			h.Sink.SetDown(false)
			n, err := h.Fanout.Redeliver(context.Background(), config.RedeliveryConfig{BatchSize: 10, MaxAttempts: 5})
			if err != nil || n != 1 {
				t.Fatalf("Redeliver = %d, %v", n, err)
			}
			if got := countFor(t, h, "pm@acme.test"); got != 1 {
				t.Errorf("notifications after redelivery = %d, want 1", got)
			}
			if sent := h.Mailer.Sent("pm@acme.test"); len(sent) != 1 {
				t.Errorf("emails = %d, want 1 (email already delivered)", len(sent))
			}
			entry, _ = h.Store.GetEvent(context.Background(), out.Dispatch.EventID)
			if entry.Status != model.OutboxDispatched {
				t.Errorf("outbox status after redelivery = %q", entry.Status)
			}
		})
	}
}

func TestScenario_ListReflectsDecisions(t *testing.T) {
	h := NewTestHarness(t)
	h.Seed(ProposalFixture("p-1", model.ProposalAwaitingSignature))
	h.Seed(ChangeOrderFixture("co-1"))
	h.Seed(ApprovalFixture("da-1"))
	token := h.GenerateToken(ClientClaims())

	h.AssertStatus(t, h.Decide("co-1", map[string]any{"action": "reject", "comments": "too costly"}, token), http.StatusOK)

	var list struct {
		Items []model.SubjectView `json:"items"`
	}
	h.AssertJSON(t, h.GET("/api/subjects", token), http.StatusOK, &list)
	if len(list.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(list.Items))
	}
	phases := map[string]string{}
	for _, v := range list.Items {
		phases[v.Subject.ID] = v.Phase
	}
	if phases["co-1"] != model.PhaseSettled {
		t.Errorf("co-1 phase = %q, want settled", phases["co-1"])
	}
	if phases["p-1"] == model.PhaseSettled || phases["da-1"] == model.PhaseSettled {
		t.Errorf("undecided subjects settled: %v", phases)
	}

	h.AssertJSON(t, h.GET("/api/subjects?variant=change_order&status=Rejected", token), http.StatusOK, &list)
	if len(list.Items) != 1 || list.Items[0].Subject.ID != "co-1" {
		t.Errorf("filtered = %s", FormatJSON(list.Items))
	}
}

func TestScenario_StaffCreatesAndSendsProposal(t *testing.T) {
	h := NewTestHarness(t)
	staff := h.GenerateToken(StaffClaims())
	client := h.GenerateToken(ClientClaims())

	var created model.Subject
	h.AssertJSON(t, h.POST("/api/subjects", map[string]any{
		"id":      "p-new",
		"variant": "proposal",
		"proposal": map[string]any{
			"title":     "Deck extension",
			"recipient": map[string]any{"name": "J. Smith", "email": "j@x.com"},
		},
	}, staff), http.StatusCreated, &created)
	if created.Status != model.ProposalDraft || created.TenantID != "acme-corp" {
		t.Fatalf("created = %s / %s", created.Status, created.TenantID)
	}

	// The client cannot send their own proposal.
	h.AssertStatus(t, h.Decide("p-new", map[string]any{"action": "send"}, client), http.StatusForbidden)

	var out Outcome
	h.AssertJSON(t, h.Decide("p-new", map[string]any{"action": "send"}, staff), http.StatusOK, &out)
	if out.View.Subject.Status != model.ProposalSent || out.Dispatch != nil {
		t.Errorf("after send: %s dispatch=%v", out.View.Subject.Status, out.Dispatch)
	}

	var v model.SubjectView
	h.AssertJSON(t, h.GET("/api/subjects/p-new/view", client), http.StatusOK, &v)
	if !v.CanSign {
		t.Error("client should be able to sign a sent proposal")
	}
	ids := make([]string, 0, len(v.Actions))
	for _, a := range v.Actions {
		ids = append(ids, a.ID)
	}
	data, _ := json.Marshal(ids)
	if string(data) != `["mark_viewed","sign","decline"]` {
		t.Errorf("actions = %s", data)
	}
}
