package model

// View phases of a subject as seen by the person deciding it.
const (
	// PhaseIdle: the subject is open and no decision is in flight.
	PhaseIdle = "idle"
	// PhasePending: a decision was submitted and has not settled.
	PhasePending = "pending"
	// PhaseSettled: the subject shows a persisted terminal decision.
	PhaseSettled = "settled"
	// PhaseFailed: the last submission was refused; nothing was written.
	PhaseFailed = "failed"
	// PhaseUnknown: the last submission timed out or lost its connection.
	// The record shown is the last one that could be read.
	PhaseUnknown = "unknown"
)

// SubjectView is the rendered state of one subject sent to the frontend.
type SubjectView struct {
	Subject         Subject            `json:"subject"`
	DisplayStatus   Status             `json:"display_status"`
	Phase           string             `json:"phase"`
	Terminal        bool               `json:"terminal"`
	Expired         bool               `json:"expired,omitempty"`
	CanSign         bool               `json:"can_sign"`
	CanSendReminder bool               `json:"can_send_reminder"`
	Actions         []ActionDescriptor `json:"actions"`
	Error           *ErrorEnvelope     `json:"error,omitempty"`
}

// ActionDescriptor is one decision the viewer may take.
type ActionDescriptor struct {
	ID                string                  `json:"id"`
	Label             string                  `json:"label"`
	Style             string                  `json:"style"`
	Target            Status                  `json:"target"`
	Enabled           bool                    `json:"enabled"`
	RequiresReason    bool                    `json:"requires_reason,omitempty"`
	RequiresSignature bool                    `json:"requires_signature,omitempty"`
	AcceptsSignature  bool                    `json:"accepts_signature,omitempty"`
	Confirmation      *ConfirmationDescriptor `json:"confirmation,omitempty"`
}

// ConfirmationDescriptor describes a confirmation dialog shown before an
// action is submitted.
type ConfirmationDescriptor struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Confirm string `json:"confirm"`
	Cancel  string `json:"cancel"`
	Style   string `json:"style,omitempty"`
}
