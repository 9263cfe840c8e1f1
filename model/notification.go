package model

import "time"

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Delivery channels reported by a dispatch.
const (
	ChannelNotification = "notification"
	ChannelEmail        = "email"
)

// Notification is a fan-out side-effect record addressed to one recipient.
// The engine creates it and never mutates it afterwards.
type Notification struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	SubjectID string    `json:"subject_id"`
	TenantID  string    `json:"tenant_id"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	Priority  string    `json:"priority"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Email is a transactional message handed to the mail sender.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Recipient is a resolved notification audience member.
type Recipient struct {
	UserID  string `json:"user_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Email   bool   `json:"email"`
}

// RecipientResult is the per-recipient, per-channel delivery outcome.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// DispatchReport summarizes one fan-out of a decided event.
type DispatchReport struct {
	EventID string            `json:"event_id"`
	Results []RecipientResult `json:"results"`
}

// Failed returns the results that did not succeed.
func (r DispatchReport) Failed() []RecipientResult {
	var failed []RecipientResult
	for _, res := range r.Results {
		if !res.OK {
			failed = append(failed, res)
		}
	}
	return failed
}

// Delivered counts successful results on the given channel.
func (r DispatchReport) Delivered(channel string) int {
	n := 0
	for _, res := range r.Results {
		if res.OK && res.Channel == channel {
			n++
		}
	}
	return n
}

// Outbox event statuses.
const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxPartial    = "partial"
	OutboxAbandoned  = "abandoned"
)

// OutboxEntry is a persisted decided event awaiting (re)delivery.
type OutboxEntry struct {
	Event            DecidedEvent `json:"event"`
	Status           string       `json:"status"`
	Attempts         int          `json:"attempts"`
	FailedRecipients []string     `json:"failed_recipients,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
