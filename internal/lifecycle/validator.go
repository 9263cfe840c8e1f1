package lifecycle

import (
	"net/mail"
	"strings"
	"time"

	"github.com/pitabwire/signoff/model"
)

// Rules reported in IllegalTransition details.
const (
	RuleUnknownVariant  = "unknown_variant"
	RuleUnknownStatus   = "unknown_status"
	RuleTerminal        = "terminal_status"
	RuleUnreachable     = "unreachable"
	RuleProposalExpired = "proposal_expired"
)

// Options tunes the decision rules.
type Options struct {
	// RequireChangeOrderRejectReason applies the rejection-reason rule to
	// change orders as well.
	RequireChangeOrderRejectReason bool
}

// DefaultOptions enforces every rule.
func DefaultOptions() Options {
	return Options{RequireChangeOrderRejectReason: true}
}

// Validator checks a proposed transition against the current record. It has
// no side effects.
type Validator struct {
	opts Options
}

// NewValidator creates a Validator.
func NewValidator(opts Options) *Validator {
	return &Validator{opts: opts}
}

// Validate checks t against the strict default rules.
func Validate(s model.Subject, t model.Transition, now time.Time) error {
	return NewValidator(DefaultOptions()).Validate(s, t, now)
}

// Validate returns nil or the first violated rule, checked in order:
// reachability, rejection reason, signature.
func (v *Validator) Validate(s model.Subject, t model.Transition, now time.Time) error {
	if err := v.CheckIntent(s, t, now); err != nil {
		return err
	}
	m, _ := MachineFor(s.Variant)
	return checkSignature(m.Signature(t.Target), m.Outcome(t.Target), t.Signature)
}

// CheckIntent applies the reachability and rejection-reason rules only. It
// lets a caller refuse a decision before capturing a signature for it.
func (v *Validator) CheckIntent(s model.Subject, t model.Transition, now time.Time) error {
	m, ok := MachineFor(s.Variant)
	if !ok {
		return model.NewIllegalTransitionError(s.Status, t.Target, RuleUnknownVariant)
	}

	// Rule 1: the target must be a direct successor of the current status.
	switch {
	case !m.Known(t.Target):
		return model.NewIllegalTransitionError(s.Status, t.Target, RuleUnknownStatus)
	case m.IsTerminal(s.Status):
		return model.NewIllegalTransitionError(s.Status, t.Target, RuleTerminal)
	case !m.Reachable(s.Status, t.Target):
		return model.NewIllegalTransitionError(s.Status, t.Target, RuleUnreachable)
	case Expired(s, now):
		return model.NewIllegalTransitionError(model.ProposalExpired, t.Target, RuleProposalExpired)
	}

	// Rule 2: rejections carry a reason.
	if m.Outcome(t.Target) == Reject && v.ReasonRequired(s.Variant) && strings.TrimSpace(t.Comments) == "" {
		return model.NewMissingReasonError(t.Target)
	}
	return nil
}

// ReasonRequired reports whether rejections of variant must carry comments.
func (v *Validator) ReasonRequired(variant model.Variant) bool {
	if variant == model.VariantChangeOrder {
		return v.opts.RequireChangeOrderRejectReason
	}
	return true
}

func checkSignature(policy SignaturePolicy, outcome Outcome, sig *model.SignatureArtifact) error {
	switch {
	case policy == SignatureRequired && sig == nil:
		return model.NewMissingSignatureError("signature", "A signature is required")
	case sig == nil:
		return nil
	case policy == SignatureForbidden:
		field := "signature"
		msg := "This decision does not take a signature"
		if outcome == Progress {
			msg = "A signature can only accompany an acceptance"
		}
		return model.NewValidationError([]model.FieldError{{Field: field, Code: "not_allowed", Message: msg}})
	case sig.Empty():
		if policy == SignatureRequired {
			return model.NewMissingSignatureError("signature", "The signature image is empty")
		}
		return model.NewEmptySignatureError()
	}

	var details []model.FieldError
	if strings.TrimSpace(sig.SignerName) == "" {
		if policy == SignatureRequired {
			return model.NewMissingSignatureError("signature.signer_name", "Please enter your full name")
		}
		details = append(details, model.FieldError{Field: "signature.signer_name", Code: "required", Message: "Please enter your full name"})
	}
	if _, err := mail.ParseAddress(sig.SignerEmail); err != nil {
		details = append(details, model.FieldError{Field: "signature.signer_email", Code: "invalid", Message: "Please enter a valid email address"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
