package fanout

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/signoff/model"
)

// NotificationSink receives one notification per recipient. Create must
// ignore a notification whose ID it has already stored so that redelivery
// never produces a duplicate.
type NotificationSink interface {
	Create(ctx context.Context, n model.Notification) error
}

// NotificationReader lists the notifications addressed to a recipient.
type NotificationReader interface {
	// List returns notifications for recipient, newest first. An empty
	// recipient lists the whole tenant.
	List(ctx context.Context, tenantID, recipient string, limit int) ([]model.Notification, error)
}

// Mailer sends transactional email. Delivery is best effort.
type Mailer interface {
	Send(ctx context.Context, e model.Email) error
}

// MemorySink keeps notifications in memory. Suitable for tests and
// single-instance deployments.
type MemorySink struct {
	mu    sync.RWMutex
	items map[string]model.Notification
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{items: make(map[string]model.Notification)}
}

// Create stores n unless its ID is already present.
func (s *MemorySink) Create(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[n.ID]; !exists {
		s.items[n.ID] = n
	}
	return nil
}

// List returns notifications for a recipient, newest first.
func (s *MemorySink) List(_ context.Context, tenantID, recipient string, limit int) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Notification
	for _, n := range s.items {
		if n.TenantID != tenantID || (recipient != "" && n.Recipient != recipient) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ForEvent returns the notifications created for one decided event.
func (s *MemorySink) ForEvent(eventID string) []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notification
	for _, n := range s.items {
		if n.EventID == eventID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

// Len returns the number of stored notifications.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// HealthCheck always succeeds.
func (s *MemorySink) HealthCheck(context.Context) error { return nil }
