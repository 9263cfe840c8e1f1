package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/lifecycle"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/signature"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/model"
)

const defaultRefetchTimeout = 5 * time.Second

// Dispatcher fans a decided event out to its audience.
type Dispatcher interface {
	Dispatch(ctx context.Context, event model.DecidedEvent) (model.DispatchReport, error)
}

// Submission is a decision as entered by the viewer. Either Action or
// Target names the decision; Target wins when both are set.
type Submission struct {
	Action    lifecycle.Action `json:"action,omitempty"`
	Target    model.Status     `json:"target,omitempty"`
	Comments  string           `json:"comments,omitempty"`
	Signature *SignatureInput  `json:"signature,omitempty"`

	IdempotencyKey string `json:"-"`
}

// SignatureInput is a captured signature: pointer strokes, rasterized here,
// or a PNG data URL exported by a client-side canvas.
type SignatureInput struct {
	Strokes     []signature.Stroke `json:"strokes,omitempty"`
	DataURL     string             `json:"data_url,omitempty"`
	SignerName  string             `json:"signer_name"`
	SignerEmail string             `json:"signer_email"`
}

// Outcome is the result of a submission: the re-rendered record and, when a
// decision was recorded, the notification report.
type Outcome struct {
	View     model.SubjectView     `json:"view"`
	Dispatch *model.DispatchReport `json:"dispatch,omitempty"`
	Replayed bool                  `json:"replayed,omitempty"`
}

// Service renders subjects and carries decisions through validation,
// signature capture, the executor and the fan-out.
type Service struct {
	store           store.SubjectStore
	executor        *lifecycle.Executor
	dispatcher      Dispatcher
	surface         signature.Options
	maxDataURLBytes int
	refetchTimeout  time.Duration
	metrics         *observability.Metrics
	logger          *zap.Logger
	now             func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithDispatcher enables notification fan-out after a decision.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithSignatureSurface sets the drawing surface and the upload size limit
// for data URLs.
func WithSignatureSurface(opts signature.Options, maxDataURLBytes int) Option {
	return func(s *Service) {
		s.surface = opts
		s.maxDataURLBytes = maxDataURLBytes
	}
}

// WithRefetchTimeout bounds the read that follows a failed submission.
func WithRefetchTimeout(d time.Duration) Option {
	return func(s *Service) { s.refetchTimeout = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for display status.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service reading from st and deciding through exec.
func NewService(st store.SubjectStore, exec *lifecycle.Executor, opts ...Option) *Service {
	s := &Service{
		store:          st,
		executor:       exec,
		refetchTimeout: defaultRefetchTimeout,
		logger:         zap.NewNop(),
		now:            time.Now,
		inFlight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render returns the persisted state of a subject with the actions the
// viewer may take.
func (s *Service) Render(ctx context.Context, rctx *model.RequestContext, caps model.CapabilitySet, id string) (model.SubjectView, error) {
	if rctx == nil {
		return model.SubjectView{}, model.NewUnauthorizedError("no request context")
	}
	subj, err := s.load(ctx, rctx.TenantID, id)
	if err != nil {
		return model.SubjectView{}, err
	}
	return s.describe(subj, caps, s.isInFlight(rctx.TenantID, id)), nil
}

// Submit applies a decision and returns the freshly persisted record.
//
// A second submission for a subject whose decision is still in flight is
// refused with DECISION_IN_PROGRESS. Validation failures return the current
// record in the failed phase. When another actor decided first, the terminal
// record is re-read and returned together with ALREADY_DECIDED. Transport
// failures re-read the record; if it cannot be read the phase is unknown.
// Notification failures are logged and reported, never returned.
func (s *Service) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	id string,
	sub Submission,
) (Outcome, error) {
	if rctx == nil {
		return Outcome{}, model.NewUnauthorizedError("no request context")
	}

	release, ok := s.acquire(rctx.TenantID, id)
	if !ok {
		return Outcome{}, model.NewDecisionInProgressError(id)
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "view.submit",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(id),
	)
	out, err := s.submit(ctx, rctx, caps, id, sub)
	observability.EndSpanWithError(span, err)
	return out, err
}

func (s *Service) submit(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	id string,
	sub Submission,
) (Outcome, error) {
	log := observability.RequestLogger(ctx, s.logger).With(zap.String("subject_id", id))

	current, err := s.load(ctx, rctx.TenantID, id)
	if err != nil {
		return Outcome{}, err
	}
	decided := isTerminal(current)
	if decided && sub.IdempotencyKey == "" {
		return s.settledElsewhere(current, caps)
	}

	target, err := resolveTarget(current.Variant, sub)
	if err != nil {
		return s.failed(current, caps, err)
	}
	t := model.Transition{
		Target:         target,
		Comments:       sub.Comments,
		IdempotencyKey: sub.IdempotencyKey,
	}

	if !decided {
		if err := s.executor.Validator().CheckIntent(current, t, s.now().UTC()); err != nil {
			return s.failed(current, caps, err)
		}
	}

	sig, err := s.capture(ctx, sub.Signature)
	if err != nil {
		if decided {
			return s.settledElsewhere(current, caps)
		}
		return s.failed(current, caps, err)
	}
	t.Signature = sig

	res, err := s.executor.Execute(ctx, rctx, caps, id, t)
	switch {
	case err == nil:
	case model.IsCode(err, model.ErrAlreadyDecided):
		fresh, ferr := s.refetch(ctx, rctx.TenantID, id)
		if ferr != nil {
			fresh = current
		}
		return s.settledElsewhere(fresh, caps)
	case model.IsCode(err, model.ErrTransport):
		log.Warn("decision outcome unknown, re-reading record", zap.Error(err))
		fresh, ferr := s.refetch(ctx, rctx.TenantID, id)
		if ferr != nil {
			v := s.describe(current, caps, false)
			v.Phase = model.PhaseUnknown
			v.Error = envelope(err)
			return Outcome{View: v}, err
		}
		v := s.describe(fresh, caps, false)
		if v.Phase != model.PhaseSettled {
			v.Phase = model.PhaseUnknown
		}
		v.Error = envelope(err)
		return Outcome{View: v}, err
	default:
		return s.failed(current, caps, err)
	}

	out := Outcome{View: s.describe(res.Subject, caps, false), Replayed: res.Replayed}
	if res.Event == nil || res.Replayed || s.dispatcher == nil {
		return out, nil
	}

	report, derr := s.dispatcher.Dispatch(ctx, *res.Event)
	out.Dispatch = &report
	var pf *model.PartialFailure
	switch {
	case derr == nil:
	case errors.As(derr, &pf):
		log.Warn("decision recorded, some recipients not notified",
			zap.String("event_id", pf.EventID),
			zap.Int("failed", len(pf.Failed)),
		)
	default:
		log.Error("notification dispatch failed, left for redelivery",
			zap.String("event_id", res.Event.ID),
			zap.Error(derr),
		)
	}
	return out, nil
}

// Preview rasterizes strokes without touching any record.
func (s *Service) Preview(ctx context.Context, strokes []signature.Stroke) ([]byte, error) {
	return s.render(ctx, func() ([]byte, error) { return signature.Render(s.surface, strokes) })
}

// capture turns the submitted signature into an artifact. A signature with
// neither strokes nor a data URL is an empty pad.
func (s *Service) capture(ctx context.Context, in *SignatureInput) (*model.SignatureArtifact, error) {
	if in == nil {
		return nil, nil
	}

	var img []byte
	var err error
	switch {
	case in.Strokes != nil:
		img, err = s.Preview(ctx, in.Strokes)
	case in.DataURL != "":
		img, err = s.render(ctx, func() ([]byte, error) {
			return signature.FromDataURL(s.surface, in.DataURL, s.maxDataURLBytes)
		})
	default:
		s.metrics.RecordSignatureRender("empty")
		err = model.NewEmptySignatureError()
	}
	if err != nil {
		return nil, err
	}
	return &model.SignatureArtifact{
		Image:       img,
		ContentType: signature.ContentType,
		SignerName:  in.SignerName,
		SignerEmail: in.SignerEmail,
	}, nil
}

func (s *Service) render(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	_, span := observability.StartSpan(ctx, "signature.render")
	img, err := fn()
	observability.EndSpanWithError(span, err)

	switch {
	case err == nil:
		s.metrics.RecordSignatureRender("ok")
	case model.IsCode(err, model.ErrEmptySignature):
		s.metrics.RecordSignatureRender("empty")
	default:
		s.metrics.RecordSignatureRender("invalid")
	}
	return img, err
}

func (s *Service) load(ctx context.Context, tenantID, id string) (model.Subject, error) {
	subj, err := s.store.Get(ctx, tenantID, id)
	if err == nil {
		return subj, nil
	}
	if _, ok := model.AsEnvelope(err); ok {
		return model.Subject{}, err
	}
	return model.Subject{}, model.NewTransportError("read subject", err)
}

// refetch re-reads a record after a failed submission. It outlives the
// caller's deadline, which has often expired by then.
func (s *Service) refetch(ctx context.Context, tenantID, id string) (model.Subject, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refetchTimeout)
	defer cancel()
	return s.load(fctx, tenantID, id)
}

func (s *Service) describe(subj model.Subject, caps model.CapabilitySet, inFlight bool) model.SubjectView {
	return Describe(subj, caps, s.executor.Validator(), s.now().UTC(), inFlight)
}

func (s *Service) failed(current model.Subject, caps model.CapabilitySet, err error) (Outcome, error) {
	v := s.describe(current, caps, false)
	v.Phase = model.PhaseFailed
	v.Error = envelope(err)
	return Outcome{View: v}, err
}

func (s *Service) settledElsewhere(subj model.Subject, caps model.CapabilitySet) (Outcome, error) {
	err := model.NewAlreadyDecidedError(subj.ID, subj.Status)
	v := s.describe(subj, caps, false)
	v.Error = err
	return Outcome{View: v}, err
}

// acquire marks a decision for the subject as in flight. It reports false
// when one already is.
func (s *Service) acquire(tenantID, id string) (release func(), ok bool) {
	key := tenantID + "/" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return nil, false
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}, true
}

func (s *Service) isInFlight(tenantID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[tenantID+"/"+id]
	return busy
}

func isTerminal(subj model.Subject) bool {
	if subj.Decided() {
		return true
	}
	m, ok := lifecycle.MachineFor(subj.Variant)
	return ok && m.IsTerminal(subj.Status)
}

func resolveTarget(variant model.Variant, sub Submission) (model.Status, error) {
	if sub.Target != "" {
		return sub.Target, nil
	}
	if sub.Action == "" {
		return "", model.NewValidationError([]model.FieldError{{
			Field: "action", Code: "required", Message: "An action or target status is required",
		}})
	}
	m, ok := lifecycle.MachineFor(variant)
	if !ok {
		return "", model.NewIllegalTransitionError("", "", lifecycle.RuleUnknownVariant)
	}
	target, ok := m.TargetFor(sub.Action)
	if !ok {
		return "", model.NewValidationError([]model.FieldError{{
			Field:   "action",
			Code:    "unknown",
			Message: fmt.Sprintf("%q is not an action of a %s", sub.Action, variant),
		}})
	}
	return target, nil
}

func envelope(err error) *model.ErrorEnvelope {
	if ee, ok := model.AsEnvelope(err); ok {
		return ee
	}
	return model.NewInternalError()
}
