// Package fanout distributes decided events to their audience: one
// notification and optionally one email per recipient, recipients
// independent of each other and of the already persisted decision.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/store"
	"github.com/pitabwire/signoff/model"
)

// ChannelConfirmation labels the confirmation email sent to a signer.
const ChannelConfirmation = "confirmation"

const (
	defaultConcurrency     = 8
	defaultDeliveryTimeout = 10 * time.Second
	defaultMaxAttempts     = 5
)

// Fanout dispatches decided events.
type Fanout struct {
	sink    NotificationSink
	resolve ResolveFunc
	mailer  Mailer
	outbox  store.OutboxStore

	sinkBreaker *Breaker
	mailBreaker *Breaker

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	concurrency        int
	deliveryTimeout    time.Duration
	maxAttempts        int
	publicURL          string
	signerConfirmation bool

	mu       sync.Mutex
	inflight map[string]bool // key: event ID
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithMailer enables the email channel.
func WithMailer(m Mailer) Option {
	return func(f *Fanout) { f.mailer = m }
}

// WithOutbox records every delivery attempt against the event's outbox entry.
func WithOutbox(o store.OutboxStore) Option {
	return func(f *Fanout) { f.outbox = o }
}

// WithBreakers guards the sink and the mailer with circuit breakers.
func WithBreakers(sink, mail *Breaker) Option {
	return func(f *Fanout) {
		f.sinkBreaker = sink
		f.mailBreaker = mail
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fanout) { f.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fanout) { f.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fanout) { f.now = now }
}

// WithConcurrency bounds the number of deliveries in flight per dispatch.
func WithConcurrency(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithDeliveryTimeout bounds each single delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.deliveryTimeout = d
		}
	}
}

// WithMaxAttempts sets after how many attempts failed recipients are
// abandoned.
func WithMaxAttempts(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithPublicURL sets the base URL of links in notifications.
func WithPublicURL(u string) Option {
	return func(f *Fanout) { f.publicURL = strings.TrimRight(u, "/") }
}

// WithSignerConfirmation sends a confirmation email to the signer of a
// signed proposal.
func WithSignerConfirmation(enabled bool) Option {
	return func(f *Fanout) { f.signerConfirmation = enabled }
}

// New creates a Fanout writing to sink for the audience computed by resolve.
func New(sink NotificationSink, resolve ResolveFunc, opts ...Option) *Fanout {
	f := &Fanout{
		sink:            sink,
		resolve:         resolve,
		logger:          zap.NewNop(),
		now:             time.Now,
		concurrency:     defaultConcurrency,
		deliveryTimeout: defaultDeliveryTimeout,
		maxAttempts:     defaultMaxAttempts,
		inflight:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var errNoAddress = errors.New("recipient has no address")

// delivery is one message to one address on one channel.
type delivery struct {
	channel string
	address string
	send    func(ctx context.Context) error
}

func (d delivery) key() string { return d.channel + ":" + d.address }

// Dispatch notifies the audience of event. It returns a *model.PartialFailure
// when at least one recipient could not be reached; the report lists every
// outcome either way. Dispatch is detached from the caller's cancellation so
// that an abandoned request does not cut deliveries short.
func (f *Fanout) Dispatch(ctx context.Context, event model.DecidedEvent) (model.DispatchReport, error) {
	release, _ := f.claim(event.ID)
	defer release()
	report, _, err := f.dispatch(ctx, event, nil, 0)
	return report, err
}

// claim marks eventID as being delivered by this process. It reports false,
// with a no-op release, when a delivery of the event is already running.
func (f *Fanout) claim(eventID string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[eventID] {
		return func() {}, false
	}
	f.inflight[eventID] = true
	return func() {
		f.mu.Lock()
		delete(f.inflight, eventID)
		f.mu.Unlock()
	}, true
}

// dispatch delivers event to the recipients whose keys are in only (all of
// them when only is nil) and settles the outbox entry.
func (f *Fanout) dispatch(ctx context.Context, event model.DecidedEvent, only map[string]bool, priorAttempts int) (model.DispatchReport, string, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.StartSpan(ctx, "fanout.dispatch", observability.EventAttrs(event)...)
	log := observability.RequestLogger(ctx, f.logger).With(
		zap.String("event_id", event.ID),
		zap.String("subject_id", event.SubjectID),
	)
	report := model.DispatchReport{EventID: event.ID}

	recipients, err := f.resolve(ctx, event)
	if err != nil {
		err = model.NewTransportError("resolve recipients", err)
		status := f.settle(ctx, log, event.ID, priorAttempts, model.OutboxPending, nil)
		log.Error("recipient resolution failed", zap.Error(err))
		observability.EndSpanWithError(span, err)
		return report, status, err
	}
	for _, r := range recipients {
		if !Addressable(r) {
			log.Warn("recipient has no address", zap.String("user_id", r.UserID), zap.String("name", r.Name))
		}
	}

	var deliveries []delivery
	for _, d := range f.plan(event, recipients) {
		if only == nil || only[d.key()] {
			deliveries = append(deliveries, d)
		}
	}
	span.SetAttributes(observability.AttrRecipient.Int(len(deliveries)))

	report.Results = make([]model.RecipientResult, len(deliveries))
	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, d := range deliveries {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, f.deliveryTimeout)
			defer cancel()

			res := model.RecipientResult{Recipient: d.address, Channel: d.channel, OK: true}
			if err := d.send(dctx); err != nil {
				res.OK = false
				res.Error = err.Error()
			}
			report.Results[i] = res
			f.metrics.RecordDelivery(d.channel, res.OK)
			return nil
		})
	}
	g.Wait()

	failed := report.Failed()
	keys := make([]string, 0, len(failed))
	for _, r := range failed {
		keys = append(keys, r.Channel+":"+r.Recipient)
	}

	status := model.OutboxDispatched
	if len(failed) > 0 {
		status = model.OutboxPartial
	}
	status = f.settle(ctx, log, event.ID, priorAttempts, status, keys)

	if len(failed) == 0 {
		log.Info("decision dispatched",
			zap.Int("notifications", report.Delivered(model.ChannelNotification)),
			zap.Int("emails", report.Delivered(model.ChannelEmail)),
		)
		span.SetAttributes(observability.AttrOutcome.String(status))
		span.End()
		return report, status, nil
	}

	f.metrics.RecordPartialFailure()
	log.Warn("decision dispatched with failures",
		zap.Strings("failed", keys),
		zap.Int("delivered", len(report.Results)-len(failed)),
		zap.String("outbox_status", status),
	)
	pf := &model.PartialFailure{EventID: event.ID, Failed: failed}
	span.SetAttributes(observability.AttrOutcome.String(status))
	observability.EndSpanWithError(span, pf)
	return report, status, pf
}

// settle records the attempt in the outbox and returns the stored status.
// Failures that outlive the attempt budget are abandoned.
func (f *Fanout) settle(ctx context.Context, log *zap.Logger, eventID string, priorAttempts int, status string, failed []string) string {
	if f.outbox == nil {
		return status
	}
	if status != model.OutboxDispatched && priorAttempts+1 >= f.maxAttempts {
		status = model.OutboxAbandoned
		log.Error("notification delivery abandoned; manual follow-up required",
			zap.Strings("failed", failed),
			zap.Int("attempts", priorAttempts+1),
		)
	}
	if err := f.outbox.RecordAttempt(ctx, eventID, status, failed); err != nil {
		log.Error("outbox update failed", zap.String("status", status), zap.Error(err))
	}
	return status
}

// plan lists the deliveries for event: one notification and, when a mailer
// is configured, one email per recipient, plus the signer confirmation.
func (f *Fanout) plan(event model.DecidedEvent, recipients []model.Recipient) []delivery {
	now := f.now().UTC()
	var out []delivery

	for _, r := range recipients {
		if !Addressable(r) {
			out = append(out, delivery{
				channel: model.ChannelNotification,
				address: label(r),
				send:    func(context.Context) error { return errNoAddress },
			})
			continue
		}

		n := f.notification(event, r, now)
		out = append(out, delivery{
			channel: model.ChannelNotification,
			address: r.Address,
			send: func(ctx context.Context) error {
				return f.guard(ctx, f.sinkBreaker, func(ctx context.Context) error { return f.sink.Create(ctx, n) })
			},
		})

		if f.mailer != nil && r.Email {
			e := model.Email{To: r.Address, Subject: n.Title + ": " + event.Title, Body: n.Message + "\n\n" + n.Link}
			out = append(out, delivery{
				channel: model.ChannelEmail,
				address: r.Address,
				send:    f.mail(e),
			})
		}
	}

	if f.mailer != nil && f.signerConfirmation && event.Variant == model.VariantProposal &&
		event.Accepted && event.Signer != nil && event.Signer.Email != "" {
		e := model.Email{
			To:      event.Signer.Email,
			Subject: fmt.Sprintf("Your signature on %q was recorded", event.Title),
			Body: fmt.Sprintf("Hello %s,\n\nThank you for signing %q on %s.\nA copy is available at %s.",
				event.Signer.Name, event.Title, event.DecidedAt.UTC().Format(time.RFC1123), f.link(event)),
		}
		out = append(out, delivery{channel: ChannelConfirmation, address: e.To, send: f.mail(e)})
	}
	return out
}

func (f *Fanout) mail(e model.Email) func(context.Context) error {
	return func(ctx context.Context) error {
		return f.guard(ctx, f.mailBreaker, func(ctx context.Context) error { return f.mailer.Send(ctx, e) })
	}
}

func (f *Fanout) guard(ctx context.Context, b *Breaker, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}
	return b.Do(ctx, fn)
}

func (f *Fanout) notification(event model.DecidedEvent, r model.Recipient, now time.Time) model.Notification {
	priority := model.PriorityNormal
	if !event.Accepted {
		priority = model.PriorityHigh
	}
	return model.Notification{
		ID:        NotificationID(event.ID, r.Address),
		EventID:   event.ID,
		SubjectID: event.SubjectID,
		TenantID:  event.TenantID,
		Recipient: r.Address,
		Type:      TypeTag(event),
		Title:     title(event),
		Message:   message(event),
		Link:      f.link(event),
		Priority:  priority,
		CreatedAt: now,
	}
}

func (f *Fanout) link(event model.DecidedEvent) string {
	return f.publicURL + "/subjects/" + event.SubjectID
}

// NotificationID derives a stable notification ID from the event and the
// recipient address.
func NotificationID(eventID, address string) string {
	name := eventID + "|" + strings.ToLower(strings.TrimSpace(address))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// TypeTag names the kind of notification, e.g. "change_order_approved".
func TypeTag(event model.DecidedEvent) string {
	status := strings.ToLower(strings.ReplaceAll(string(event.To), " ", "_"))
	return string(event.Variant) + "_" + status
}

func title(event model.DecidedEvent) string {
	noun := map[model.Variant]string{
		model.VariantProposal:         "Proposal",
		model.VariantDocumentApproval: "Document",
		model.VariantChangeOrder:      "Change order",
	}[event.Variant]
	if noun == "" {
		noun = string(event.Variant)
	}
	return noun + " " + strings.ToLower(string(event.To))
}

func message(event model.DecidedEvent) string {
	who := event.Audience.Name
	if event.Signer != nil && event.Signer.Name != "" {
		who = event.Signer.Name
	}
	if who == "" {
		who = "The client"
	}

	msg := fmt.Sprintf("%s %s %q.", who, strings.ToLower(string(event.To)), event.Title)
	if event.Comments != "" {
		label := "Comments"
		if !event.Accepted {
			label = "Reason"
		}
		msg += " " + label + ": " + event.Comments
	}
	return msg
}
