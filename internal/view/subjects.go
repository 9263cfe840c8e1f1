package view

import (
	"context"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/model"
)

// Create persists a new subject for the actor's tenant. The status defaults
// to the variant's initial status; an internal actor may start a subject
// further along, but never in a terminal status.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, caps model.CapabilitySet, subj model.Subject) (model.Subject, error) {
	if rctx == nil {
		return model.Subject{}, model.NewUnauthorizedError("no request context")
	}
	if !caps.Has(model.CapSubjectCreate) {
		return model.Subject{}, model.NewForbiddenError("missing capability " + model.CapSubjectCreate)
	}
	if err := checkNew(&subj); err != nil {
		return model.Subject{}, err
	}

	now := s.now().UTC()
	if subj.ID == "" {
		subj.ID = uuid.NewString()
	}
	subj.TenantID = rctx.TenantID
	if subj.RequestedBy.Email == "" {
		subj.RequestedBy = rctx.Party()
	}
	if subj.Variant != model.VariantProposal && strings.TrimSpace(subj.RequestedBy.Email) == "" {
		return model.Subject{}, model.NewValidationError([]model.FieldError{{
			Field:   "requested_by.email",
			Code:    "required",
			Message: "The requester needs an email address to be told about the decision",
		}})
	}
	subj.DecisionTimestamp = nil
	subj.DecisionComments = ""
	subj.DecidedBy = ""
	subj.Signature = nil
	subj.Version = 1
	subj.CreatedAt = now
	subj.UpdatedAt = now

	if err := s.store.Create(ctx, subj); err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return model.Subject{}, err
		}
		return model.Subject{}, model.NewTransportError("create subject", err)
	}
	return subj, nil
}

// List renders the tenant's subjects, newest first.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, caps model.CapabilitySet, filters model.SubjectFilters) ([]model.SubjectView, error) {
	if rctx == nil {
		return nil, model.NewUnauthorizedError("no request context")
	}
	subjects, err := s.store.List(ctx, rctx.TenantID, filters)
	if err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return nil, err
		}
		return nil, model.NewTransportError("list subjects", err)
	}

	views := make([]model.SubjectView, 0, len(subjects))
	for _, subj := range subjects {
		views = append(views, s.describe(subj, caps, s.isInFlight(rctx.TenantID, subj.ID)))
	}
	return views, nil
}

// checkNew validates a subject before creation and fills defaults.
func checkNew(subj *model.Subject) error {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	m, ok := lifecycle.MachineFor(subj.Variant)
	if !ok {
		add("variant", "invalid", "Variant must be proposal, document_approval or change_order")
		return model.NewValidationError(details)
	}
	switch {
	case subj.Status == "":
		subj.Status = m.Initial()
	case !m.Known(subj.Status):
		add("status", "invalid", "Unknown status for this variant")
	case m.IsTerminal(subj.Status):
		add("status", "terminal", "A subject cannot be created already decided")
	}

	switch subj.Variant {
	case model.VariantProposal:
		subj.Approval, subj.ChangeOrder = nil, nil
		p := subj.Proposal
		if p == nil {
			add("proposal", "required", "Proposal details are required")
			break
		}
		if strings.TrimSpace(p.Title) == "" {
			add("proposal.title", "required", "A title is required")
		}
		if _, err := mail.ParseAddress(p.Recipient.Email); err != nil {
			add("proposal.recipient.email", "invalid", "A valid recipient email is required")
		}
		if p.AmountCents < 0 {
			add("proposal.amount_cents", "invalid", "Amount cannot be negative")
		}
	case model.VariantDocumentApproval:
		subj.Proposal, subj.ChangeOrder = nil, nil
		a := subj.Approval
		if a == nil {
			add("approval", "required", "Approval details are required")
			break
		}
		if strings.TrimSpace(a.DocumentTitle) == "" {
			add("approval.document_title", "required", "A document title is required")
		}
		switch a.Origin {
		case "":
			a.Origin = model.OriginInternal
		case model.OriginInternal, model.OriginClient:
		default:
			add("approval.origin", "invalid", "Origin must be internal or client")
		}
	case model.VariantChangeOrder:
		subj.Proposal, subj.Approval = nil, nil
		co := subj.ChangeOrder
		if co == nil {
			add("change_order", "required", "Change order details are required")
			break
		}
		if strings.TrimSpace(co.Title) == "" {
			add("change_order.title", "required", "A title is required")
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
