package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the dependencies probed by /ready.
//
// Decisions cannot be taken without the record store, idempotency store,
// policy engine or identity provider, so a failure in any of them makes the
// instance not ready. Notification delivery is retried from the outbox, so
// the sink and the breakers only degrade readiness.
type ReadinessChecks struct {
	// RecordStore is required. A nil store reports not ready.
	RecordStore HealthChecker

	IdempotencyStore HealthChecker
	PolicyEngine     HealthChecker
	IdentityProvider HealthChecker

	NotificationSink HealthChecker
	Advisory         map[string]HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady returns the readiness handler. It answers 503 only when a
// required dependency fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checks.Run(r.Context())
		code := http.StatusOK
		if resp.Status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// Run probes every configured dependency concurrently.
func (c ReadinessChecks) Run(ctx context.Context) ReadinessResponse {
	required := map[string]HealthChecker{
		"idempotency_store": c.IdempotencyStore,
		"policy_engine":     c.PolicyEngine,
		"identity_provider": c.IdentityProvider,
	}
	advisory := map[string]HealthChecker{"notification_sink": c.NotificationSink}
	for name, hc := range c.Advisory {
		advisory[name] = hc
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult)
	)
	probe := func(name string, hc HealthChecker, req bool) {
		if hc == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, hc)
			res.Required = req
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}

	if c.RecordStore == nil {
		results["record_store"] = CheckResult{Status: "error", Required: true, Error: "no record store configured"}
	} else {
		probe("record_store", c.RecordStore, true)
	}
	for name, hc := range required {
		probe(name, hc, true)
	}
	for name, hc := range advisory {
		probe(name, hc, false)
	}
	wg.Wait()

	status := StatusReady
	for _, res := range results {
		if res.Status == "ok" {
			continue
		}
		if res.Required {
			status = StatusNotReady
			break
		}
		status = StatusDegraded
	}
	return ReadinessResponse{Status: status, Checks: results}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
