// Package lifecycle holds the per-variant state machines, the decision
// validator and the transition executor.
package lifecycle

import (
	"time"

	"github.com/pitabwire/signoff/model"
)

// Action is the user-facing verb that moves a subject to a target status.
type Action string

// Actions offered by the machines.
const (
	ActionSend             Action = "send"
	ActionMarkViewed       Action = "mark_viewed"
	ActionRequestSignature Action = "request_signature"
	ActionSign             Action = "sign"
	ActionDecline          Action = "decline"
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
)

// Outcome classifies a target status.
type Outcome int

const (
	// Progress is a non-terminal step.
	Progress Outcome = iota
	// Accept is a terminal acceptance.
	Accept
	// Reject is a terminal rejection; a reason is expected.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "progress"
	}
}

// SignaturePolicy says whether an acceptance carries a signature.
type SignaturePolicy int

const (
	SignatureForbidden SignaturePolicy = iota
	SignatureOptional
	SignatureRequired
)

// state describes one status of a machine.
type state struct {
	outcome   Outcome
	signature SignaturePolicy
	next      []model.Status
}

// Machine is the transition table of one variant. Machines are immutable.
type Machine struct {
	variant    model.Variant
	initial    model.Status
	states     map[model.Status]state
	actions    map[model.Status]Action
	capability map[model.Status]string
	// order is the display order of statuses, used to keep action lists stable.
	order []model.Status
}

var machines = map[model.Variant]*Machine{
	model.VariantProposal: {
		variant: model.VariantProposal,
		initial: model.ProposalDraft,
		states: map[model.Status]state{
			model.ProposalDraft: {next: []model.Status{model.ProposalSent}},
			model.ProposalSent: {next: []model.Status{
				model.ProposalViewed, model.ProposalAwaitingSignature, model.ProposalSigned, model.ProposalDeclined,
			}},
			model.ProposalViewed: {next: []model.Status{
				model.ProposalAwaitingSignature, model.ProposalSigned, model.ProposalDeclined,
			}},
			model.ProposalAwaitingSignature: {next: []model.Status{
				model.ProposalSigned, model.ProposalDeclined,
			}},
			model.ProposalSigned:   {outcome: Accept, signature: SignatureRequired},
			model.ProposalDeclined: {outcome: Reject},
		},
		actions: map[model.Status]Action{
			model.ProposalSent:              ActionSend,
			model.ProposalViewed:            ActionMarkViewed,
			model.ProposalAwaitingSignature: ActionRequestSignature,
			model.ProposalSigned:            ActionSign,
			model.ProposalDeclined:          ActionDecline,
		},
		capability: map[model.Status]string{
			model.ProposalSent:              model.CapProposalSend,
			model.ProposalViewed:            model.CapProposalDecide,
			model.ProposalAwaitingSignature: model.CapProposalSend,
			model.ProposalSigned:            model.CapProposalDecide,
			model.ProposalDeclined:          model.CapProposalDecide,
		},
		order: []model.Status{
			model.ProposalDraft, model.ProposalSent, model.ProposalViewed,
			model.ProposalAwaitingSignature, model.ProposalSigned, model.ProposalDeclined,
		},
	},
	model.VariantDocumentApproval: {
		variant: model.VariantDocumentApproval,
		initial: model.ApprovalPending,
		states: map[model.Status]state{
			model.ApprovalPending:  {next: []model.Status{model.ApprovalApproved, model.ApprovalRejected}},
			model.ApprovalApproved: {outcome: Accept, signature: SignatureOptional},
			model.ApprovalRejected: {outcome: Reject},
		},
		actions: map[model.Status]Action{
			model.ApprovalApproved: ActionApprove,
			model.ApprovalRejected: ActionReject,
		},
		capability: map[model.Status]string{
			model.ApprovalApproved: model.CapApprovalDecide,
			model.ApprovalRejected: model.CapApprovalDecide,
		},
		order: []model.Status{model.ApprovalPending, model.ApprovalApproved, model.ApprovalRejected},
	},
	model.VariantChangeOrder: {
		variant: model.VariantChangeOrder,
		initial: model.ChangeOrderPending,
		states: map[model.Status]state{
			model.ChangeOrderPending:  {next: []model.Status{model.ChangeOrderApproved, model.ChangeOrderRejected}},
			model.ChangeOrderApproved: {outcome: Accept, signature: SignatureForbidden},
			model.ChangeOrderRejected: {outcome: Reject},
		},
		actions: map[model.Status]Action{
			model.ChangeOrderApproved: ActionApprove,
			model.ChangeOrderRejected: ActionReject,
		},
		capability: map[model.Status]string{
			model.ChangeOrderApproved: model.CapChangeOrderDecide,
			model.ChangeOrderRejected: model.CapChangeOrderDecide,
		},
		order: []model.Status{model.ChangeOrderPending, model.ChangeOrderApproved, model.ChangeOrderRejected},
	},
}

// MachineFor returns the machine for a variant.
func MachineFor(v model.Variant) (*Machine, bool) {
	m, ok := machines[v]
	return m, ok
}

// Variant returns the variant this machine governs.
func (m *Machine) Variant() model.Variant { return m.variant }

// Initial returns the status a new subject starts in.
func (m *Machine) Initial() model.Status { return m.initial }

// Known reports whether s belongs to this machine's vocabulary.
func (m *Machine) Known(s model.Status) bool {
	_, ok := m.states[s]
	return ok
}

// Reachable reports whether to is a direct successor of from.
func (m *Machine) Reachable(from, to model.Status) bool {
	st, ok := m.states[from]
	if !ok {
		return false
	}
	for _, n := range st.next {
		if n == to {
			return true
		}
	}
	return false
}

// Targets returns the direct successors of from.
func (m *Machine) Targets(from model.Status) []model.Status {
	return append([]model.Status(nil), m.states[from].next...)
}

// IsTerminal reports whether no transition leaves s.
func (m *Machine) IsTerminal(s model.Status) bool {
	st, ok := m.states[s]
	return ok && st.outcome != Progress
}

// Outcome classifies s.
func (m *Machine) Outcome(s model.Status) Outcome {
	return m.states[s].outcome
}

// Signature returns the signature policy of an acceptance target. Non-accept
// targets never carry a signature.
func (m *Machine) Signature(s model.Status) SignaturePolicy {
	st := m.states[s]
	if st.outcome != Accept {
		return SignatureForbidden
	}
	return st.signature
}

// ActionFor returns the action that moves a subject to target.
func (m *Machine) ActionFor(target model.Status) (Action, bool) {
	a, ok := m.actions[target]
	return a, ok
}

// TargetFor resolves an action to its target status.
func (m *Machine) TargetFor(a Action) (model.Status, bool) {
	for _, s := range m.order {
		if m.actions[s] == a {
			return s, true
		}
	}
	return "", false
}

// Capability returns the capability required to move a subject to target.
func (m *Machine) Capability(target model.Status) string {
	return m.capability[target]
}

// Expired reports whether a proposal has passed its expiration date without
// a decision. Expiry is derived at read time and never persisted.
func Expired(s model.Subject, now time.Time) bool {
	if s.Variant != model.VariantProposal || s.Proposal == nil || s.Proposal.ExpirationDate == nil {
		return false
	}
	switch s.Status {
	case model.ProposalSent, model.ProposalViewed, model.ProposalAwaitingSignature:
	default:
		return false
	}
	return s.Proposal.ExpirationDate.Before(now)
}

// DisplayStatus returns the status to show for s at now.
func DisplayStatus(s model.Subject, now time.Time) model.Status {
	if Expired(s, now) {
		return model.ProposalExpired
	}
	return s.Status
}

// CanSign reports whether a proposal can still be signed.
func CanSign(s model.Subject, now time.Time) bool {
	if s.Variant != model.VariantProposal || s.Decided() || Expired(s, now) {
		return false
	}
	m := machines[model.VariantProposal]
	return m.Reachable(s.Status, model.ProposalSigned)
}

// CanSendReminder reports whether a reminder may be sent for a proposal that
// is out with the client and undecided.
func CanSendReminder(s model.Subject, now time.Time) bool {
	if s.Variant != model.VariantProposal || s.Decided() || Expired(s, now) {
		return false
	}
	switch s.Status {
	case model.ProposalSent, model.ProposalViewed, model.ProposalAwaitingSignature:
		return true
	}
	return false
}
