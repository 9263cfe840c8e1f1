// Package view renders workflow subjects for the person deciding them and
// drives a decision from submission to the re-rendered record.
package view

import (
	"time"

	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/model"
)

var labels = map[lifecycle.Action]string{
	lifecycle.ActionSend:             "Send",
	lifecycle.ActionMarkViewed:       "Mark as viewed",
	lifecycle.ActionRequestSignature: "Request signature",
	lifecycle.ActionSign:             "Sign",
	lifecycle.ActionDecline:          "Decline",
	lifecycle.ActionApprove:          "Approve",
	lifecycle.ActionReject:           "Reject",
}

// Describe renders s for a viewer holding caps. Actions are the legal
// successors of the persisted status, restricted to the ones the viewer may
// take; they are disabled while a decision is in flight.
func Describe(
	s model.Subject,
	caps model.CapabilitySet,
	v *lifecycle.Validator,
	now time.Time,
	inFlight bool,
) model.SubjectView {
	view := model.SubjectView{
		Subject:         s,
		DisplayStatus:   lifecycle.DisplayStatus(s, now),
		Expired:         lifecycle.Expired(s, now),
		CanSign:         lifecycle.CanSign(s, now),
		CanSendReminder: lifecycle.CanSendReminder(s, now),
		Actions:         []model.ActionDescriptor{},
	}

	m, ok := lifecycle.MachineFor(s.Variant)
	if !ok {
		view.Phase = model.PhaseIdle
		return view
	}
	view.Terminal = m.IsTerminal(s.Status) || s.Decided()

	switch {
	case inFlight:
		view.Phase = model.PhasePending
	case view.Terminal:
		view.Phase = model.PhaseSettled
	default:
		view.Phase = model.PhaseIdle
	}

	if view.Terminal || view.Expired {
		return view
	}

	for _, target := range m.Targets(s.Status) {
		if need := m.Capability(target); need != "" && !caps.Has(need) {
			continue
		}
		action, ok := m.ActionFor(target)
		if !ok {
			continue
		}
		view.Actions = append(view.Actions, describeAction(m, v, s.Variant, action, target, !inFlight))
	}
	return view
}

func describeAction(
	m *lifecycle.Machine,
	v *lifecycle.Validator,
	variant model.Variant,
	action lifecycle.Action,
	target model.Status,
	enabled bool,
) model.ActionDescriptor {
	desc := model.ActionDescriptor{
		ID:      string(action),
		Label:   labels[action],
		Style:   "default",
		Target:  target,
		Enabled: enabled,
	}
	if desc.Label == "" {
		desc.Label = string(action)
	}

	switch m.Outcome(target) {
	case lifecycle.Accept:
		desc.Style = "primary"
		policy := m.Signature(target)
		desc.RequiresSignature = policy == lifecycle.SignatureRequired
		desc.AcceptsSignature = policy != lifecycle.SignatureForbidden
		desc.Confirmation = &model.ConfirmationDescriptor{
			Title:   desc.Label + "?",
			Message: "This decision is final and cannot be changed afterwards.",
			Confirm: desc.Label,
			Cancel:  "Cancel",
		}
	case lifecycle.Reject:
		desc.Style = "danger"
		desc.RequiresReason = v.ReasonRequired(variant)
		desc.Confirmation = &model.ConfirmationDescriptor{
			Title:   desc.Label + "?",
			Message: "This decision is final and cannot be changed afterwards.",
			Confirm: desc.Label,
			Cancel:  "Cancel",
			Style:   "danger",
		}
	}
	return desc
}
