package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrTransport       = "TRANSPORT_ERROR"
)

// Decision-specific error codes.
const (
	ErrIllegalTransition  = "ILLEGAL_TRANSITION"
	ErrMissingReason      = "MISSING_REASON"
	ErrMissingSignature   = "MISSING_SIGNATURE"
	ErrEmptySignature     = "EMPTY_SIGNATURE"
	ErrAlreadyDecided     = "ALREADY_DECIDED"
	ErrDecisionInProgress = "DECISION_IN_PROGRESS"
	ErrPartialFailure     = "PARTIAL_FAILURE"
)

// validationCodes are the codes of errors that are local to the request,
// carry the violated rule, and never imply a write.
var validationCodes = map[string]bool{
	ErrValidationError:   true,
	ErrIllegalTransition: true,
	ErrMissingReason:     true,
	ErrMissingSignature:  true,
	ErrEmptySignature:    true,
}

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Rule returns the code of the first field-level detail, which names the
// validation rule that was violated.
func (e *ErrorEnvelope) Rule() string {
	if len(e.Details) == 0 {
		return ""
	}
	return e.Details[0].Code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts an *ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	ee, ok := AsEnvelope(err)
	return ok && validationCodes[ee.Code]
}

// IsRetryable reports whether the same request may be safely retried.
// Transport failures guarantee no partial write; version conflicts are
// resolved by re-reading.
func IsRetryable(err error) bool {
	ee, ok := AsEnvelope(err)
	if !ok {
		return false
	}
	return ee.Code == ErrTransport || ee.Code == ErrConflict || ee.Code == ErrDecisionInProgress
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewTransportError wraps a record store, sink, or network failure. The
// outcome of the operation is unknown to the caller, but no partial write
// was made by this service.
func NewTransportError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransport,
		Message: fmt.Sprintf("%s failed; the request may be retried", op),
		cause:   cause,
	}
}

// NewIllegalTransitionError reports a target status that is not reachable
// from the current status.
func NewIllegalTransitionError(from, to Status, rule string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("cannot move from %q to %q", from, to),
		Details: []FieldError{{Field: "status", Code: rule, Message: fmt.Sprintf("%q is not reachable from %q", to, from)}},
	}
}

// NewMissingReasonError reports a rejection submitted without comments.
func NewMissingReasonError(target Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingReason,
		Message: fmt.Sprintf("a reason is required to move to %q", target),
		Details: []FieldError{{Field: "comments", Code: "required", Message: "Please provide a reason"}},
	}
}

// NewMissingSignatureError reports an acceptance without a usable signature.
func NewMissingSignatureError(field, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingSignature,
		Message: "a signature is required to accept",
		Details: []FieldError{{Field: field, Code: "required", Message: msg}},
	}
}

// NewEmptySignatureError reports a signature surface with nothing drawn.
func NewEmptySignatureError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEmptySignature,
		Message: "the signature pad is empty",
		Details: []FieldError{{Field: "signature", Code: "empty", Message: "Please draw your signature"}},
	}
}

// NewAlreadyDecidedError reports that the subject reached a terminal state
// before this transition could apply.
func NewAlreadyDecidedError(id string, status Status) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyDecided,
		Message: fmt.Sprintf("%q was already decided (%s)", id, status),
	}
}

// NewDecisionInProgressError reports a duplicate submission while an earlier
// one for the same subject has not settled.
func NewDecisionInProgressError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDecisionInProgress,
		Message: fmt.Sprintf("a decision for %q is already being processed", id),
	}
}

// PartialFailure is returned by notification dispatch when at least one
// recipient could not be notified. The decision itself stands.
type PartialFailure struct {
	EventID string
	Failed  []RecipientResult
}

// Error implements the error interface.
func (p *PartialFailure) Error() string {
	return fmt.Sprintf("%s: %d recipient(s) not notified for event %s", ErrPartialFailure, len(p.Failed), p.EventID)
}
