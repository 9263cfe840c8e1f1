package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signoff"

var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// Decision bodies carry signature rasters, so the top buckets reach the
	// data URL limit.
	bodySizeBuckets = prometheus.ExponentialBuckets(256, 4, 8)
)

// Metrics holds the service's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	SignatureRenders   *prometheus.CounterVec

	FanoutDeliveriesTotal      *prometheus.CounterVec
	FanoutPartialFailuresTotal prometheus.Counter
	FanoutRedeliveriesTotal    *prometheus.CounterVec
	OutboxPending              prometheus.Gauge
	BreakerState               *prometheus.GaugeVec

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    prometheus.Counter

	gatherer prometheus.Gatherer
}

func opts(subsystem, name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// InitMetrics creates the instruments and registers them with reg. When reg
// is also a Gatherer, Handler serves it; otherwise Handler serves the
// default registry.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	route := []string{"method", "path_pattern"}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("http", "requests_total", "HTTP requests served, by route and status.")),
			append(route, "status")),
		HTTPRequestDuration: histogram("http", "request_duration_seconds",
			"HTTP request latency.", httpDurationBuckets, route...),
		HTTPRequestSizeBytes: histogram("http", "request_size_bytes",
			"HTTP request body size.", bodySizeBuckets, route...),
		HTTPResponseSizeBytes: histogram("http", "response_size_bytes",
			"HTTP response body size.", bodySizeBuckets, route...),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("", "transitions_total", "Decision attempts by variant, target status and outcome.")),
			[]string{"variant", "target", "outcome"}),
		TransitionDuration: histogram("", "transition_duration_seconds",
			"Time to validate and persist a decision.", transitionDurationBuckets, "variant"),
		SignatureRenders: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("signature", "renders_total", "Signature pads rasterized, by outcome.")),
			[]string{"outcome"}),

		FanoutDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("fanout", "deliveries_total", "Per-recipient deliveries by channel and status.")),
			[]string{"channel", "status"}),
		FanoutPartialFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts(
			opts("fanout", "partial_failures_total", "Dispatches in which at least one recipient failed."))),
		FanoutRedeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("fanout", "redeliveries_total", "Outbox redelivery attempts by resulting status.")),
			[]string{"status"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts(
			opts("", "outbox_pending", "Decided events awaiting delivery at the last sweep."))),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts(
			opts("", "breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half-open).")),
			[]string{"dependency"}),

		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts(
			opts("capability", "cache_hits_total", "Capability lookups served from cache."))),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts(
			opts("capability", "cache_misses_total", "Capability lookups that reached the policy."))),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts(
			opts("idempotency", "replays_total", "Decision submissions answered from the idempotency store."))),

		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestSizeBytes, m.HTTPResponseSizeBytes,
		m.TransitionsTotal, m.TransitionDuration, m.SignatureRenders,
		m.FanoutDeliveriesTotal, m.FanoutPartialFailuresTotal, m.FanoutRedeliveriesTotal,
		m.OutboxPending, m.BreakerState,
		m.CapabilityCacheHitsTotal, m.CapabilityCacheMissesTotal, m.IdempotencyReplaysTotal,
	)
	return m
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records one decision attempt. outcome is "applied" or
// the error code that stopped it.
func (m *Metrics) RecordTransition(variant, target, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(variant, target, outcome).Inc()
	m.TransitionDuration.WithLabelValues(variant).Observe(duration.Seconds())
}

func (m *Metrics) RecordSignatureRender(outcome string) {
	if m == nil {
		return
	}
	m.SignatureRenders.WithLabelValues(outcome).Inc()
}

// RecordDelivery records one delivery to one recipient on channel.
func (m *Metrics) RecordDelivery(channel string, ok bool) {
	if m == nil {
		return
	}
	status := "failed"
	if ok {
		status = "ok"
	}
	m.FanoutDeliveriesTotal.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) RecordPartialFailure() {
	if m == nil {
		return
	}
	m.FanoutPartialFailuresTotal.Inc()
}

func (m *Metrics) RecordRedelivery(status string) {
	if m == nil {
		return
	}
	m.FanoutRedeliveriesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetCircuitBreakerState publishes a breaker's state: 0 closed, 1 open,
// 2 half-open.
func (m *Metrics) SetCircuitBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(state)
}

func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// MetricsMiddleware records each request under its chi route pattern
// rather than the raw path, which would carry subject ids.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewResponseRecorder(w)
		// The recorder may be shared with an outer middleware.
		before := rec.Bytes

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, RoutePattern(r), rec.Status, time.Since(start),
			max(r.ContentLength, 0), rec.Bytes-before)
	})
}
