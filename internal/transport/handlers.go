package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/fanout"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/signature"
	"github.com/pitabwire/signoff/internal/view"
	"github.com/pitabwire/signoff/model"
)

const (
	maxBodyBytes             = 2 << 20
	defaultNotificationLimit = 50
)

// Handlers serves the subject, decision, signature and notification routes.
type Handlers struct {
	service       *view.Service
	notifications fanout.NotificationReader
	logger        *zap.Logger
}

// NewHandlers creates Handlers backed by svc. notifications may be nil.
func NewHandlers(svc *view.Service, notifications fanout.NotificationReader, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{service: svc, notifications: notifications, logger: logger}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// CreateSubject handles POST /api/subjects.
func (h *Handlers) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var subj model.Subject
	if err := decodeBody(w, r, &subj); err != nil {
		WriteError(w, r, err)
		return
	}
	created, err := h.service.Create(r.Context(), model.RequestContextFrom(r.Context()), CapabilitiesFrom(r.Context()), subj)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	observability.RequestLogger(r.Context(), h.logger).Info("subject created",
		zap.String("subject_id", created.ID),
		zap.String("variant", string(created.Variant)),
	)
	WriteJSON(w, http.StatusCreated, created)
}

// ListSubjects handles GET /api/subjects.
func (h *Handlers) ListSubjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.SubjectFilters{
		Variant: model.Variant(q.Get("variant")),
		Status:  model.Status(q.Get("status")),
	}
	var err error
	if filters.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		WriteError(w, r, err)
		return
	}
	if filters.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		WriteError(w, r, err)
		return
	}

	views, err := h.service.List(r.Context(), model.RequestContextFrom(r.Context()), CapabilitiesFrom(r.Context()), filters)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, listResponse[model.SubjectView]{Items: views})
}

// GetSubject handles GET /api/subjects/{id}.
func (h *Handlers) GetSubject(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Render(r.Context(), model.RequestContextFrom(r.Context()), CapabilitiesFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v.Subject)
}

// ViewSubject handles GET /api/subjects/{id}/view.
func (h *Handlers) ViewSubject(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Render(r.Context(), model.RequestContextFrom(r.Context()), CapabilitiesFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

// SubmitDecision handles POST /api/subjects/{id}/decisions. A failure
// against a known record carries the re-rendered record next to the error.
func (h *Handlers) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var sub view.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		WriteError(w, r, err)
		return
	}
	sub.IdempotencyKey = r.Header.Get(headerIdempotency)

	out, err := h.service.Submit(r.Context(), model.RequestContextFrom(r.Context()), CapabilitiesFrom(r.Context()), chi.URLParam(r, "id"), sub)
	if err != nil {
		if out.View.Subject.ID != "" {
			WriteErrorWithView(w, r, err, &out.View)
			return
		}
		WriteError(w, r, err)
		return
	}
	if out.Replayed {
		w.Header().Set(headerReplay, "true")
	}
	WriteJSON(w, http.StatusOK, out)
}

type previewRequest struct {
	Strokes []signature.Stroke `json:"strokes"`
}

// PreviewSignature handles POST /api/signatures/preview and returns the
// PNG that signing with the same strokes would store.
func (h *Handlers) PreviewSignature(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	png, err := h.service.Preview(r.Context(), req.Strokes)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", signature.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// ListNotifications handles GET /api/notifications. Callers read their own
// notifications; reading another recipient's, or the whole tenant's,
// requires notification:read:all.
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	caps := CapabilitiesFrom(r.Context())

	recipient := strings.TrimSpace(r.URL.Query().Get("recipient"))
	if recipient == "" && !caps.Has(model.CapNotificationReadAll) {
		recipient = rctx.Email
	}
	if !strings.EqualFold(recipient, rctx.Email) && !caps.Has(model.CapNotificationReadAll) {
		WriteForbidden(w, r, "missing capability "+model.CapNotificationReadAll)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultNotificationLimit
	}

	items, err := h.notifications.List(r.Context(), rctx.TenantID, recipient, limit)
	if err != nil {
		observability.RequestLogger(r.Context(), h.logger).Error("listing notifications failed", zap.Error(err))
		WriteError(w, r, model.NewTransportError("list notifications", err))
		return
	}
	if items == nil {
		items = []model.Notification{}
	}
	WriteJSON(w, http.StatusOK, listResponse[model.Notification]{Items: items})
}

// decodeBody reads a bounded JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return model.NewBadRequestError("Request body too large")
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("Request body is required")
		default:
			return model.NewBadRequestError("Malformed JSON body")
		}
	}
	return nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewValidationError([]model.FieldError{
			{Field: name, Code: "invalid", Message: name + " must be a non-negative integer"},
		})
	}
	return n, nil
}
