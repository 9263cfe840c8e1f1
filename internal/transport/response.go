// Package transport is the HTTP surface of the engine: routing, the
// middleware chain, token verification and the handlers.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:   http.StatusBadRequest,
	model.ErrUnauthorized: http.StatusUnauthorized,
	model.ErrForbidden:    http.StatusForbidden,
	model.ErrNotFound:     http.StatusNotFound,

	model.ErrConflict:           http.StatusConflict,
	model.ErrAlreadyDecided:     http.StatusConflict,
	model.ErrDecisionInProgress: http.StatusConflict,

	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrIllegalTransition: http.StatusUnprocessableEntity,
	model.ErrMissingReason:     http.StatusUnprocessableEntity,
	model.ErrMissingSignature:  http.StatusUnprocessableEntity,
	model.ErrEmptySignature:    http.StatusUnprocessableEntity,

	model.ErrTransport:     http.StatusServiceUnavailable,
	model.ErrInternalError: http.StatusInternalServerError,
}

// retryable codes get a Retry-After hint; the same request may succeed
// once the other decision or the outage has passed.
var retryable = map[string]string{
	model.ErrDecisionInProgress: "1",
	model.ErrTransport:          "5",
}

// StatusFor returns the HTTP status for an error code. Unknown codes are
// 500.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
	// View is the subject as it stands now, sent when a decision was
	// refused against a known record.
	View *model.SubjectView `json:"view,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError replies with err's envelope. Any other error is logged and
// replaced by a bare INTERNAL_ERROR so no detail leaks.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteErrorWithView(w, r, err, nil)
}

// WriteErrorWithView is WriteError plus the current view of the subject
// the error concerns.
func WriteErrorWithView(w http.ResponseWriter, r *http.Request, err error, view *model.SubjectView) {
	env, ok := model.AsEnvelope(err)
	if !ok {
		env = model.NewInternalError()
		if r != nil {
			observability.RequestLogger(r.Context(), zap.NewNop()).Error("unclassified error", zap.Error(err))
		}
	}
	if r != nil && env.TraceID == "" {
		stamped := *env
		stamped.TraceID = observability.TraceIDFromContext(r.Context())
		env = &stamped
	}
	if after, ok := retryable[env.Code]; ok {
		w.Header().Set("Retry-After", after)
	}
	WriteJSON(w, StatusFor(env.Code), errorResponse{Error: env, View: view})
}

func WriteForbidden(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewForbiddenError(msg))
}
