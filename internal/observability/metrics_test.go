package observability

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

// recordEverything touches every instrument once.
func recordEverything(m *Metrics) {
	m.RecordHTTPRequest("GET", "/api/subjects/{id}", 200, time.Millisecond, 0, 100)
	m.RecordTransition("proposal", "Signed", "applied", time.Millisecond)
	m.RecordSignatureRender("ok")
	m.RecordDelivery("notification", true)
	m.RecordPartialFailure()
	m.RecordRedelivery("dispatched")
	m.SetOutboxPending(3)
	m.SetCircuitBreakerState("notification_sink", 0)
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.RecordIdempotencyReplay()
}

func TestInitMetrics_names(t *testing.T) {
	m, reg := newTestMetrics(t)
	recordEverything(m)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var got []string
	for _, f := range families {
		got = append(got, f.GetName())
	}

	want := []string{
		"signoff_breaker_state",
		"signoff_capability_cache_hits_total",
		"signoff_capability_cache_misses_total",
		"signoff_fanout_deliveries_total",
		"signoff_fanout_partial_failures_total",
		"signoff_fanout_redeliveries_total",
		"signoff_http_request_duration_seconds",
		"signoff_http_request_size_bytes",
		"signoff_http_requests_total",
		"signoff_http_response_size_bytes",
		"signoff_idempotency_replays_total",
		"signoff_outbox_pending",
		"signoff_signature_renders_total",
		"signoff_transition_duration_seconds",
		"signoff_transitions_total",
	}
	if !slices.Equal(got, want) {
		t.Errorf("families = %v\nwant %v", got, want)
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	recordEverything(m)
	if m.Handler() == nil {
		t.Error("nil metrics should still serve the default registry")
	}
}

func TestRecordTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("proposal", "Signed", "applied", 150*time.Millisecond)
	m.RecordTransition("proposal", "Signed", "ALREADY_DECIDED", 5*time.Millisecond)
	m.RecordTransition("proposal", "Declined", "MISSING_REASON", time.Millisecond)

	expected := `
# HELP signoff_transitions_total Decision attempts by variant, target status and outcome.
# TYPE signoff_transitions_total counter
signoff_transitions_total{outcome="ALREADY_DECIDED",target="Signed",variant="proposal"} 1
signoff_transitions_total{outcome="MISSING_REASON",target="Declined",variant="proposal"} 1
signoff_transitions_total{outcome="applied",target="Signed",variant="proposal"} 1
`
	if err := testutil.CollectAndCompare(m.TransitionsTotal, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(m.TransitionDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestRecordDelivery(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDelivery("notification", true)
	m.RecordDelivery("notification", true)
	m.RecordDelivery("email", false)
	m.RecordPartialFailure()

	tests := []struct {
		c    prometheus.Collector
		want float64
	}{
		{m.FanoutDeliveriesTotal.WithLabelValues("notification", "ok"), 2},
		{m.FanoutDeliveriesTotal.WithLabelValues("email", "failed"), 1},
		{m.FanoutDeliveriesTotal.WithLabelValues("email", "ok"), 0},
		{m.FanoutPartialFailuresTotal, 1},
	}
	for i, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("case %d = %v, want %v", i, got, tt.want)
		}
	}
}

func TestGauges(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitBreakerState("mailer", 1)
	m.SetCircuitBreakerState("mailer", 2)
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("mailer")); got != 2 {
		t.Errorf("breaker state = %v, want 2 (half-open)", got)
	}

	m.SetOutboxPending(5)
	m.SetOutboxPending(0)
	if got := testutil.ToFloat64(m.OutboxPending); got != 0 {
		t.Errorf("outbox pending = %v, want 0", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/subjects/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	})
	r.Post("/api/subjects/{id}/decisions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/subjects/p-1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/subjects/p-2", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/subjects/p-1/decisions",
		strings.NewReader(`{"action":"sign"}`)))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/subjects/{id}", "200")); got != 2 {
		t.Errorf("GET by route = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/subjects/{id}/decisions", "409")); got != 1 {
		t.Errorf("POST conflicts = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.HTTPResponseSizeBytes); n != 2 {
		t.Errorf("response size series = %d, want 2", n)
	}
}

func TestMetricsMiddleware_withoutRouter(t *testing.T) {
	m, _ := newTestMetrics(t)
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); got != 1 {
		t.Errorf("raw path requests = %v, want 1", got)
	}
}

func TestHandler_servesOwnRegistry(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordTransition("change_order", "Approved", "applied", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `signoff_transitions_total{outcome="applied",target="Approved",variant="change_order"} 1`) {
		t.Errorf("body missing transition counter:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("private registry should not expose default collectors")
	}
}

func TestBuckets_ascending(t *testing.T) {
	for name, b := range map[string][]float64{
		"http":       httpDurationBuckets,
		"transition": transitionDurationBuckets,
		"body":       bodySizeBuckets,
	} {
		if !slices.IsSorted(b) {
			t.Errorf("%s buckets not ascending: %v", name, b)
		}
	}
	if top := bodySizeBuckets[len(bodySizeBuckets)-1]; top < 1<<20 {
		t.Errorf("largest body bucket = %v, want at least 1MiB", top)
	}
}
