// Package store persists workflow subjects and the outbox of decided events.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/signoff/model"
)

// SubjectStore persists workflow subjects.
type SubjectStore interface {
	// Create persists a new subject. Returns CONFLICT if the id is taken.
	Create(ctx context.Context, subject model.Subject) error

	// Get retrieves a subject by id, scoped to a tenant. Returns NOT_FOUND if
	// the subject doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, id string) (model.Subject, error)

	// Apply writes change as one atomic update and returns the post-update
	// record. The write only happens if the stored version equals
	// expectedVersion and, for a decision, no decision timestamp has been
	// recorded yet; otherwise it returns CONFLICT and writes nothing. A
	// change carrying an Event also enqueues it in the outbox in the same
	// write.
	Apply(ctx context.Context, tenantID, id string, expectedVersion int, change model.Change) (model.Subject, error)

	// List returns subjects for a tenant, newest first.
	List(ctx context.Context, tenantID string, filters model.SubjectFilters) ([]model.Subject, error)
}

// OutboxStore tracks delivery of decided events.
type OutboxStore interface {
	// Pending returns events that still need delivery: pending ones last
	// touched before olderThan, and partially delivered ones.
	Pending(ctx context.Context, olderThan time.Time, limit int) ([]model.OutboxEntry, error)

	// GetEvent returns the outbox entry of one event.
	GetEvent(ctx context.Context, eventID string) (model.OutboxEntry, error)

	// RecordAttempt stores the outcome of one delivery attempt and
	// increments the attempt counter.
	RecordAttempt(ctx context.Context, eventID, status string, failed []string) error
}

// Store is a record store with an outbox.
type Store interface {
	SubjectStore
	OutboxStore
	HealthCheck(ctx context.Context) error
}

// applyChange copies the fields of change onto s.
func applyChange(s *model.Subject, change model.Change, now time.Time) {
	s.Status = change.Status
	if change.DecisionTimestamp != nil {
		ts := *change.DecisionTimestamp
		s.DecisionTimestamp = &ts
		s.DecisionComments = change.DecisionComments
		s.DecidedBy = change.DecidedBy
		s.Signature = cloneSignature(change.Signature)
	}
	s.Version++
	s.UpdatedAt = now
}

func cloneSignature(a *model.SignatureArtifact) *model.SignatureArtifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Image = append([]byte(nil), a.Image...)
	return &c
}

func cloneSubject(s model.Subject) model.Subject {
	s.Signature = cloneSignature(s.Signature)
	if s.DecisionTimestamp != nil {
		ts := *s.DecisionTimestamp
		s.DecisionTimestamp = &ts
	}
	if s.Proposal != nil {
		p := *s.Proposal
		if p.ExpirationDate != nil {
			exp := *p.ExpirationDate
			p.ExpirationDate = &exp
		}
		s.Proposal = &p
	}
	if s.Approval != nil {
		a := *s.Approval
		s.Approval = &a
	}
	if s.ChangeOrder != nil {
		co := *s.ChangeOrder
		s.ChangeOrder = &co
	}
	return s
}
