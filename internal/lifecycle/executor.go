package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/signature"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/model"
)

const (
	defaultMaxConflictRetries = 3
	defaultIdempotencyTTL     = 24 * time.Hour
)

// Result is the outcome of an applied transition.
type Result struct {
	Subject  model.Subject       `json:"subject"`
	Previous model.Status        `json:"previous"`
	Event    *model.DecidedEvent `json:"event,omitempty"`

	// Replayed is set when the result was served from the idempotency store.
	// A replayed result must not be dispatched again.
	Replayed bool `json:"-"`
}

// Executor applies validated transitions to the record store.
type Executor struct {
	store          store.SubjectStore
	validator      *Validator
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
	now            func() time.Time
	maxRetries     int
	writeTimeout   time.Duration
}

// ExecutorOption configures optional dependencies.
type ExecutorOption func(*Executor)

// WithValidator replaces the default strict validator.
func WithValidator(v *Validator) ExecutorOption {
	return func(e *Executor) { e.validator = v }
}

// WithIdempotencyStore enables replay of decisions submitted with an
// idempotency key.
func WithIdempotencyStore(s IdempotencyStore, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.idempotency = s
		if ttl > 0 {
			e.idempotencyTTL = ttl
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithMaxConflictRetries bounds how often a version conflict is resolved by
// re-reading the record.
func WithMaxConflictRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithWriteTimeout bounds the store write. The write itself ignores
// cancellation of the caller's context.
func WithWriteTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.writeTimeout = d }
}

// NewExecutor creates an Executor backed by s.
func NewExecutor(s store.SubjectStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:          s,
		validator:      NewValidator(DefaultOptions()),
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         zap.NewNop(),
		now:            time.Now,
		maxRetries:     defaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validator returns the rules the executor enforces.
func (e *Executor) Validator() *Validator { return e.validator }

// Execute applies t to the subject:
//
//  1. Replay a cached outcome for a known idempotency key.
//  2. Re-read the record; refuse terminal records with ALREADY_DECIDED.
//  3. Check the actor holds the target's capability.
//  4. Validate the transition.
//  5. Write status, decision fields, signature and the Decided event as one
//     compare-and-set update. A version conflict re-reads and starts over.
//
// Nothing is written and no event is emitted when any step fails.
func (e *Executor) Execute(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	subjectID string,
	t model.Transition,
) (Result, error) {
	if rctx == nil {
		return Result{}, model.NewUnauthorizedError("no request context")
	}

	ctx, span := observability.StartSpan(ctx, "lifecycle.execute",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(subjectID),
		observability.AttrTarget.String(string(t.Target)),
	)
	start := time.Now()
	var variant model.Variant

	res, err := e.execute(ctx, rctx, caps, subjectID, t, &variant)

	outcome := "applied"
	switch {
	case res.Replayed:
		outcome = "replayed"
	case err != nil:
		outcome = errorCode(err)
	}
	span.SetAttributes(observability.AttrVariant.String(string(variant)), observability.AttrOutcome.String(outcome))
	observability.EndSpanWithError(span, err)
	e.metrics.RecordTransition(string(variant), string(t.Target), outcome, time.Since(start))

	log := observability.RequestLogger(ctx, e.logger).With(
		zap.String("target", string(t.Target)),
		zap.String("outcome", outcome),
	)
	switch {
	case err == nil:
		log.Info("transition applied",
			append(observability.SubjectFields(res.Subject),
				zap.String("from", string(res.Previous)),
				observability.Signature(res.Subject.Signature))...)
	case model.IsCode(err, model.ErrTransport):
		log.Error("transition failed", zap.String("subject_id", subjectID), zap.Error(err))
	case model.IsCode(err, model.ErrAlreadyDecided), model.IsCode(err, model.ErrConflict):
		log.Warn("transition refused", zap.String("subject_id", subjectID), zap.Error(err))
	default:
		log.Debug("transition rejected", zap.String("subject_id", subjectID), zap.Error(err))
	}
	return res, err
}

func (e *Executor) execute(
	ctx context.Context,
	rctx *model.RequestContext,
	caps model.CapabilitySet,
	subjectID string,
	t model.Transition,
	variant *model.Variant,
) (Result, error) {
	var idemKey, fingerprint string
	if t.IdempotencyKey != "" && e.idempotency != nil {
		idemKey = IdempotencyKey(rctx.TenantID, subjectID, t.IdempotencyKey)
		fingerprint = Fingerprint(subjectID, t)

		cached, err := e.idempotency.Lookup(ctx, idemKey, fingerprint)
		if err != nil {
			if _, ok := model.AsEnvelope(err); ok {
				return Result{}, err
			}
			return Result{}, model.NewTransportError("idempotency lookup", err)
		}
		if cached != nil {
			*variant = cached.Subject.Variant
			cached.Replayed = true
			cached.Event = nil
			e.metrics.RecordIdempotencyReplay()
			return *cached, nil
		}
	}

	for attempt := 0; ; attempt++ {
		current, err := e.load(ctx, rctx.TenantID, subjectID)
		if err != nil {
			return Result{}, err
		}
		*variant = current.Variant

		m, ok := MachineFor(current.Variant)
		if ok && (current.Decided() || m.IsTerminal(current.Status)) {
			return Result{}, model.NewAlreadyDecidedError(current.ID, current.Status)
		}
		if ok {
			if capability := m.Capability(t.Target); capability != "" && !caps.Has(capability) {
				return Result{}, model.NewForbiddenError(
					fmt.Sprintf("missing capability %q to move %q to %q", capability, subjectID, t.Target),
				)
			}
		}

		now := e.now().UTC()
		if err := e.validator.Validate(current, t, now); err != nil {
			return Result{}, err
		}

		change := buildChange(m, current, rctx, t, now)
		updated, err := e.apply(ctx, rctx.TenantID, current, change)
		if err == nil {
			res := Result{Subject: updated, Previous: current.Status, Event: change.Event}
			if idemKey != "" {
				if serr := e.idempotency.Remember(ctx, idemKey, fingerprint, res, e.idempotencyTTL); serr != nil {
					observability.RequestLogger(ctx, e.logger).Warn("idempotency record failed",
						zap.String("key", idemKey), zap.Error(serr))
				}
			}
			return res, nil
		}

		if !model.IsCode(err, model.ErrConflict) {
			return Result{}, err
		}
		if attempt >= e.maxRetries {
			// A record that is still moving after every retry is reported
			// as decided if it is, and as a conflict otherwise.
			latest, lerr := e.load(ctx, rctx.TenantID, subjectID)
			if lerr == nil && latest.Decided() {
				return Result{}, model.NewAlreadyDecidedError(latest.ID, latest.Status)
			}
			return Result{}, err
		}
	}
}

func (e *Executor) load(ctx context.Context, tenantID, subjectID string) (model.Subject, error) {
	s, err := e.store.Get(ctx, tenantID, subjectID)
	if err == nil {
		return s, nil
	}
	if model.IsCode(err, model.ErrNotFound) {
		return model.Subject{}, err
	}
	return model.Subject{}, model.NewTransportError("read subject", err)
}

// apply issues the compare-and-set write. Once issued the write is not
// cancelled by the caller; only the write timeout bounds it.
func (e *Executor) apply(ctx context.Context, tenantID string, current model.Subject, change model.Change) (model.Subject, error) {
	wctx := context.WithoutCancel(ctx)
	if e.writeTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, e.writeTimeout)
		defer cancel()
	}

	updated, err := e.store.Apply(wctx, tenantID, current.ID, current.Version, change)
	if err == nil {
		return updated, nil
	}
	if ee, ok := model.AsEnvelope(err); ok && (ee.Code == model.ErrConflict || ee.Code == model.ErrNotFound) {
		return model.Subject{}, err
	}
	return model.Subject{}, model.NewTransportError("persist decision", err)
}

// buildChange assembles the single update for t. Terminal targets carry the
// decision fields and a Decided event; progress steps carry only the status.
func buildChange(m *Machine, current model.Subject, rctx *model.RequestContext, t model.Transition, now time.Time) model.Change {
	change := model.Change{Status: t.Target}
	if !m.IsTerminal(t.Target) {
		return change
	}

	ts := now
	change.DecisionTimestamp = &ts
	change.DecisionComments = strings.TrimSpace(t.Comments)
	change.DecidedBy = rctx.ActorID

	var signer *model.Party
	if !t.Signature.Empty() {
		sig := *t.Signature
		sig.Image = append([]byte(nil), t.Signature.Image...)
		sig.SignerName = strings.TrimSpace(sig.SignerName)
		sig.SignerEmail = strings.TrimSpace(sig.SignerEmail)
		if sig.ContentType == "" {
			sig.ContentType = signature.ContentType
		}
		if sig.CapturedAt.IsZero() {
			sig.CapturedAt = now
		}
		change.Signature = &sig
		signer = &model.Party{Name: sig.SignerName, Email: sig.SignerEmail}
	}

	var origin string
	if current.Approval != nil {
		origin = current.Approval.Origin
	}

	change.Event = &model.DecidedEvent{
		ID:        uuid.New().String(),
		SubjectID: current.ID,
		TenantID:  current.TenantID,
		Variant:   current.Variant,
		From:      current.Status,
		To:        t.Target,
		Accepted:  m.Outcome(t.Target) == Accept,
		ActorID:   rctx.ActorID,
		Comments:  change.DecisionComments,
		Title:     current.Title(),
		Requester: current.RequestedBy,
		Audience:  current.Audience(),
		Signer:    signer,
		Origin:    origin,
		DecidedAt: now,
	}
	return change
}

func errorCode(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		return strings.ToLower(ee.Code)
	}
	return "error"
}
