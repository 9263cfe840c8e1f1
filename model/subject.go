package model

import (
	"encoding/json"
	"time"
)

// Variant tags the kind of workflow subject.
type Variant string

// Workflow subject variants.
const (
	VariantProposal         Variant = "proposal"
	VariantDocumentApproval Variant = "document_approval"
	VariantChangeOrder      Variant = "change_order"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantProposal, VariantDocumentApproval, VariantChangeOrder:
		return true
	}
	return false
}

// Status is a persisted subject status. The vocabulary depends on the variant.
type Status string

// Proposal statuses.
const (
	ProposalDraft             Status = "draft"
	ProposalSent              Status = "sent"
	ProposalViewed            Status = "viewed"
	ProposalAwaitingSignature Status = "awaiting_signature"
	ProposalSigned            Status = "signed"
	ProposalDeclined          Status = "declined"

	// ProposalExpired is a display status computed at read time. It is never
	// persisted.
	ProposalExpired Status = "expired"
)

// DocumentApproval statuses.
const (
	ApprovalPending  Status = "pending"
	ApprovalApproved Status = "approved"
	ApprovalRejected Status = "rejected"
)

// ChangeOrder statuses.
const (
	ChangeOrderPending  Status = "Pending Client Approval"
	ChangeOrderApproved Status = "Approved"
	ChangeOrderRejected Status = "Rejected"
)

// Origin records who raised a document approval.
const (
	OriginInternal = "internal"
	OriginClient   = "client"
)

// Party identifies a person by name and contact address.
type Party struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// SignatureArtifact is the immutable raster of a captured signature bound to
// a decision.
type SignatureArtifact struct {
	Image       []byte    `json:"image"`
	ContentType string    `json:"content_type"`
	SignerName  string    `json:"signer_name"`
	SignerEmail string    `json:"signer_email"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Empty reports whether the artifact carries no image.
func (a *SignatureArtifact) Empty() bool {
	return a == nil || len(a.Image) == 0
}

// ProposalPayload holds proposal-only fields.
type ProposalPayload struct {
	Title          string     `json:"title"`
	Recipient      Party      `json:"recipient"`
	AmountCents    int64      `json:"amount_cents,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// ApprovalPayload holds document-approval-only fields.
type ApprovalPayload struct {
	DocumentTitle string `json:"document_title"`
	DocumentURL   string `json:"document_url,omitempty"`
	Origin        string `json:"origin,omitempty"`
}

// ChangeOrderPayload holds change-order-only fields. Cost and schedule impact
// are fixed at creation and never touched by a decision.
type ChangeOrderPayload struct {
	Number             string `json:"number"`
	Title              string `json:"title"`
	CostImpactCents    int64  `json:"cost_impact_cents"`
	ScheduleImpactDays int    `json:"schedule_impact_days"`
}

// Subject is a workflow subject: a Proposal, DocumentApproval, or ChangeOrder.
// Only the payload matching Variant is set.
type Subject struct {
	ID                string             `json:"id"`
	Variant           Variant            `json:"variant"`
	Status            Status             `json:"status"`
	TenantID          string             `json:"tenant_id"`
	RequestedBy       Party              `json:"requested_by"`
	RequestedFrom     Party              `json:"requested_from"`
	DecisionTimestamp *time.Time         `json:"decision_timestamp,omitempty"`
	DecisionComments  string             `json:"decision_comments,omitempty"`
	DecidedBy         string             `json:"decided_by,omitempty"`
	Signature         *SignatureArtifact `json:"signature_artifact,omitempty"`
	Version           int                `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`

	Proposal    *ProposalPayload    `json:"proposal,omitempty"`
	Approval    *ApprovalPayload    `json:"approval,omitempty"`
	ChangeOrder *ChangeOrderPayload `json:"change_order,omitempty"`
}

// Decided reports whether a decision has been recorded.
func (s Subject) Decided() bool {
	return s.DecisionTimestamp != nil
}

// Audience returns the party the subject is addressed to: the proposal
// recipient for proposals, RequestedFrom otherwise.
func (s Subject) Audience() Party {
	if s.Variant == VariantProposal && s.Proposal != nil {
		return s.Proposal.Recipient
	}
	return s.RequestedFrom
}

// Title returns a human-readable title for the subject.
func (s Subject) Title() string {
	switch {
	case s.Proposal != nil:
		return s.Proposal.Title
	case s.Approval != nil:
		return s.Approval.DocumentTitle
	case s.ChangeOrder != nil:
		if s.ChangeOrder.Number != "" {
			return s.ChangeOrder.Number + " " + s.ChangeOrder.Title
		}
		return s.ChangeOrder.Title
	}
	return s.ID
}

// MarshalJSON exposes a change order's decision timestamp under its
// domain name, client_approval_date, alongside decision_timestamp.
func (s Subject) MarshalJSON() ([]byte, error) {
	type plain Subject
	if s.Variant != VariantChangeOrder {
		return json.Marshal(plain(s))
	}
	return json.Marshal(struct {
		plain
		ClientApprovalDate *time.Time `json:"client_approval_date,omitempty"`
	}{plain: plain(s), ClientApprovalDate: s.DecisionTimestamp})
}

// Transition is a proposed change of status plus decision metadata.
type Transition struct {
	Target    Status             `json:"target"`
	Comments  string             `json:"comments,omitempty"`
	Signature *SignatureArtifact `json:"signature,omitempty"`

	// IdempotencyKey comes from the X-Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// Change is the single atomic update written to the record store when a
// transition applies. Decision fields are only set for terminal targets.
type Change struct {
	Status            Status
	DecisionTimestamp *time.Time
	DecisionComments  string
	DecidedBy         string
	Signature         *SignatureArtifact
	Event             *DecidedEvent
}

// DecidedEvent is emitted exactly once per subject, when a terminal
// decision is persisted.
type DecidedEvent struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	TenantID  string    `json:"tenant_id"`
	Variant   Variant   `json:"variant"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Accepted  bool      `json:"accepted"`
	ActorID   string    `json:"actor_id"`
	Comments  string    `json:"comments,omitempty"`
	Title     string    `json:"title"`
	Requester Party     `json:"requester"`
	Audience  Party     `json:"audience"`
	Signer    *Party    `json:"signer,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// SubjectFilters are optional filters for listing subjects.
type SubjectFilters struct {
	Variant Variant
	Status  Status
	Limit   int
	Offset  int
}
