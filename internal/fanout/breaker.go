package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/observability"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets deliveries through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails deliveries immediately.
	BreakerOpen
	// BreakerHalfOpen lets probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned for deliveries rejected by an open breaker.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the minimum number of deliveries in a window before
// the error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards one delivery dependency (the notification sink or the
// mailer). It trips on consecutive failures or on the error rate within a
// tumbling window, and publishes its state to the breaker gauge. It is safe
// for concurrent use.
type Breaker struct {
	name    string
	metrics *observability.Metrics
	now     func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	errorRateThreshold float64
	errorRateWindow    time.Duration
	windowStart        time.Time
	windowTotal        int
	windowFailures     int
}

// NewBreaker creates a breaker for the named dependency. Zero thresholds
// fall back to 5 failures, 2 probe successes and a 30s open period.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, metrics *observability.Metrics) *Breaker {
	b := &Breaker{
		name:               name,
		metrics:            metrics,
		now:                time.Now,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	b.windowStart = b.now()
	b.metrics.SetCircuitBreakerState(name, float64(BreakerClosed))
	return b
}

// Do runs fn if the breaker admits it and records the outcome. A context
// error from the caller is not held against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case ctx.Err() != nil:
	default:
		b.recordFailure()
	}
	return err
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// HealthCheck reports an open breaker as unhealthy.
func (b *Breaker) HealthCheck(context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.setState(BreakerClosed)
			b.resetWindow()
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.failureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// Must be called with lock held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(BreakerOpen)
	b.resetWindow()
}

// Must be called with lock held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.setState(BreakerHalfOpen)
	}
}

// Must be called with lock held.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.failures = 0
	b.successes = 0
	b.metrics.SetCircuitBreakerState(b.name, float64(s))
}

// Must be called with lock held.
func (b *Breaker) countCall(failed bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.errorRateWindow {
		b.resetWindow()
	}
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

// Must be called with lock held.
func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

// Must be called with lock held.
func (b *Breaker) errorRateExceeded() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 || b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.errorRateThreshold
}
