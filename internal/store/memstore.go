package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/signoff/model"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]model.Subject      // key: subject ID
	outbox   map[string]*model.OutboxEntry // key: event ID
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used to stamp updates and outbox
// entries.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		subjects: make(map[string]model.Subject),
		outbox:   make(map[string]*model.OutboxEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new subject.
func (s *MemoryStore) Create(_ context.Context, subject model.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subjects[subject.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("subject %q already exists", subject.ID))
	}
	s.subjects[subject.ID] = cloneSubject(subject)
	return nil
}

// Get retrieves a subject by ID, scoped to tenant.
func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subj, exists := s.subjects[id]
	if !exists || subj.TenantID != tenantID {
		return model.Subject{}, model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
	}
	return cloneSubject(subj), nil
}

// Apply performs a compare-and-set update.
func (s *MemoryStore) Apply(_ context.Context, tenantID, id string, expectedVersion int, change model.Change) (model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subj, exists := s.subjects[id]
	if !exists || subj.TenantID != tenantID {
		return model.Subject{}, model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
	}
	if subj.Version != expectedVersion {
		return model.Subject{}, model.NewConflictError(
			fmt.Sprintf("subject %q version conflict (expected %d, got %d)", id, expectedVersion, subj.Version),
		)
	}
	if change.DecisionTimestamp != nil && subj.Decided() {
		return model.Subject{}, model.NewConflictError(fmt.Sprintf("subject %q already has a decision", id))
	}

	now := s.now()
	applyChange(&subj, change, now)
	s.subjects[id] = subj

	if change.Event != nil {
		s.outbox[change.Event.ID] = &model.OutboxEntry{
			Event:     *change.Event,
			Status:    model.OutboxPending,
			UpdatedAt: now,
		}
	}
	return cloneSubject(subj), nil
}

// List returns subjects for a tenant, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.SubjectFilters) ([]model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Subject
	for _, subj := range s.subjects {
		if subj.TenantID != tenantID {
			continue
		}
		if filters.Variant != "" && subj.Variant != filters.Variant {
			continue
		}
		if filters.Status != "" && subj.Status != filters.Status {
			continue
		}
		result = append(result, cloneSubject(subj))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Subject{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Pending returns events awaiting delivery, oldest first.
func (s *MemoryStore) Pending(_ context.Context, olderThan time.Time, limit int) ([]model.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OutboxEntry
	for _, e := range s.outbox {
		switch {
		case e.Status == model.OutboxPartial:
		case e.Status == model.OutboxPending && e.UpdatedAt.Before(olderThan):
		default:
			continue
		}
		result = append(result, cloneEntry(*e))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// GetEvent returns one outbox entry.
func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (model.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.outbox[eventID]
	if !ok {
		return model.OutboxEntry{}, model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	return cloneEntry(*e), nil
}

// RecordAttempt stores a delivery outcome.
func (s *MemoryStore) RecordAttempt(_ context.Context, eventID, status string, failed []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[eventID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("event %q not found", eventID))
	}
	e.Status = status
	e.Attempts++
	e.FailedRecipients = append([]string(nil), failed...)
	e.UpdatedAt = s.now()
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of subjects. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects)
}

func cloneEntry(e model.OutboxEntry) model.OutboxEntry {
	e.FailedRecipients = append([]string(nil), e.FailedRecipients...)
	return e
}
