package view

import (
	"testing"
	"time"

	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/model"
)

var testNow = time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

var allCaps = model.CapabilitySet{"*": true}

func sentProposal() model.Subject {
	exp := testNow.Add(7 * 24 * time.Hour)
	return model.Subject{
		ID:       "p-1",
		Variant:  model.VariantProposal,
		Status:   model.ProposalSent,
		TenantID: "tenant-1",
		Proposal: &model.ProposalPayload{
			Title:          "Kitchen remodel",
			Recipient:      model.Party{Name: "J. Smith", Email: "j@x.com"},
			ExpirationDate: &exp,
		},
	}
}

func pendingApproval() model.Subject {
	return model.Subject{
		ID:       "a-1",
		Variant:  model.VariantDocumentApproval,
		Status:   model.ApprovalPending,
		TenantID: "tenant-1",
		Approval: &model.ApprovalPayload{DocumentTitle: "Floor plan v3", Origin: model.OriginClient},
	}
}

func pendingChangeOrder() model.Subject {
	return model.Subject{
		ID:          "co-1",
		Variant:     model.VariantChangeOrder,
		Status:      model.ChangeOrderPending,
		TenantID:    "tenant-1",
		ChangeOrder: &model.ChangeOrderPayload{Number: "CO-007", Title: "Extra outlet", CostImpactCents: 45000, ScheduleImpactDays: 2},
	}
}

func actionIDs(v model.SubjectView) []string {
	ids := make([]string, 0, len(v.Actions))
	for _, a := range v.Actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func findAction(v model.SubjectView, id string) (model.ActionDescriptor, bool) {
	for _, a := range v.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return model.ActionDescriptor{}, false
}

func strictValidator() *lifecycle.Validator {
	return lifecycle.NewValidator(lifecycle.DefaultOptions())
}

func TestDescribe_actionsFollowMachineAndCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		subject model.Subject
		caps    model.CapabilitySet
		want    []string
	}{
		{"sent proposal, all capabilities", sentProposal(), allCaps,
			[]string{"mark_viewed", "request_signature", "sign", "decline"}},
		{"sent proposal, client capabilities", sentProposal(), model.CapabilitySet{model.CapProposalDecide: true},
			[]string{"mark_viewed", "sign", "decline"}},
		{"sent proposal, no capabilities", sentProposal(), model.CapabilitySet{}, []string{}},
		{"document approval", pendingApproval(), model.CapabilitySet{"document_approval:*": true},
			[]string{"approve", "reject"}},
		{"change order without capability", pendingChangeOrder(), model.CapabilitySet{model.CapProposalDecide: true},
			[]string{}},
		{"change order", pendingChangeOrder(), model.CapabilitySet{model.CapChangeOrderDecide: true},
			[]string{"approve", "reject"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Describe(tt.subject, tt.caps, strictValidator(), testNow, false)
			if got := actionIDs(v); !sameStrings(got, tt.want) {
				t.Errorf("actions = %v, want %v", got, tt.want)
			}
			if v.Phase != model.PhaseIdle {
				t.Errorf("phase = %q, want idle", v.Phase)
			}
			for _, a := range v.Actions {
				if !a.Enabled {
					t.Errorf("action %s disabled, want enabled", a.ID)
				}
			}
		})
	}
}

func TestDescribe_actionRequirements(t *testing.T) {
	v := Describe(sentProposal(), allCaps, strictValidator(), testNow, false)

	sign, _ := findAction(v, "sign")
	if !sign.RequiresSignature || !sign.AcceptsSignature || sign.Style != "primary" || sign.Confirmation == nil {
		t.Errorf("sign = %+v", sign)
	}
	if sign.Target != model.ProposalSigned {
		t.Errorf("sign target = %q", sign.Target)
	}
	decline, _ := findAction(v, "decline")
	if !decline.RequiresReason || decline.Style != "danger" || decline.RequiresSignature {
		t.Errorf("decline = %+v", decline)
	}
	viewed, _ := findAction(v, "mark_viewed")
	if viewed.Confirmation != nil || viewed.Style != "default" {
		t.Errorf("mark_viewed = %+v", viewed)
	}

	approve, _ := findAction(Describe(pendingApproval(), allCaps, strictValidator(), testNow, false), "approve")
	if approve.RequiresSignature || !approve.AcceptsSignature {
		t.Errorf("document approval signature should be optional: %+v", approve)
	}

	lenient := lifecycle.NewValidator(lifecycle.Options{RequireChangeOrderRejectReason: false})
	co := Describe(pendingChangeOrder(), allCaps, lenient, testNow, false)
	coApprove, _ := findAction(co, "approve")
	coReject, _ := findAction(co, "reject")
	if coApprove.AcceptsSignature {
		t.Error("change order approval must not take a signature")
	}
	if coReject.RequiresReason {
		t.Error("change order reason should follow the validator options")
	}
}

func TestDescribe_inFlightDisablesActions(t *testing.T) {
	v := Describe(sentProposal(), allCaps, strictValidator(), testNow, true)

	if v.Phase != model.PhasePending {
		t.Errorf("phase = %q, want pending", v.Phase)
	}
	if len(v.Actions) == 0 {
		t.Fatal("actions should stay visible while in flight")
	}
	for _, a := range v.Actions {
		if a.Enabled {
			t.Errorf("action %s enabled while in flight", a.ID)
		}
	}
}

func TestDescribe_terminalRecord(t *testing.T) {
	decided := testNow.Add(-time.Hour)
	s := sentProposal()
	s.Status = model.ProposalSigned
	s.DecisionTimestamp = &decided

	v := Describe(s, allCaps, strictValidator(), testNow, false)
	if !v.Terminal || v.Phase != model.PhaseSettled {
		t.Errorf("terminal = %v phase = %q, want settled", v.Terminal, v.Phase)
	}
	if len(v.Actions) != 0 || v.CanSign || v.CanSendReminder {
		t.Errorf("terminal record offers actions: %+v", v)
	}
	if v.DisplayStatus != model.ProposalSigned {
		t.Errorf("display status = %q", v.DisplayStatus)
	}
}

func TestDescribe_expiredProposal(t *testing.T) {
	s := sentProposal()
	past := testNow.Add(-time.Minute)
	s.Proposal.ExpirationDate = &past

	v := Describe(s, allCaps, strictValidator(), testNow, false)
	if v.DisplayStatus != model.ProposalExpired || !v.Expired {
		t.Errorf("display status = %q expired = %v", v.DisplayStatus, v.Expired)
	}
	if v.Subject.Status != model.ProposalSent {
		t.Error("expiry must not change the persisted status")
	}
	if len(v.Actions) != 0 || v.CanSign || v.CanSendReminder {
		t.Errorf("expired proposal offers actions: %v", actionIDs(v))
	}
}

func TestDescribe_unknownVariant(t *testing.T) {
	v := Describe(model.Subject{ID: "x", Variant: "invoice"}, allCaps, strictValidator(), testNow, false)
	if len(v.Actions) != 0 || v.Phase != model.PhaseIdle {
		t.Errorf("unknown variant = %+v", v)
	}
}
