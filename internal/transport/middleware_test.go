package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/model"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("pad exploded")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/subjects/p-1/decisions", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "pad exploded") {
		t.Error("panic value leaked into the response")
	}
	if logs.Len() != 1 {
		t.Fatalf("logged %d entries, want 1", logs.Len())
	}
	if _, ok := logs.All()[0].ContextMap()["stack"]; !ok {
		t.Error("panic log should carry the stack")
	}
}

func TestRecovery_rethrowsAbort(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Idempotency-Key"},
		MaxAge:         600,
	}

	tests := []struct {
		name        string
		cfg         config.CORSConfig
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantHandler bool
	}{
		{"preflight allowed", cfg, http.MethodOptions, "https://app.example.com", true, http.StatusNoContent, "https://app.example.com", false},
		{"preflight refused", cfg, http.MethodOptions, "https://evil.example.com", true, http.StatusNoContent, "", false},
		{"request allowed", cfg, http.MethodPost, "https://app.example.com", false, http.StatusOK, "https://app.example.com", true},
		{"request foreign origin", cfg, http.MethodGet, "https://evil.example.com", false, http.StatusOK, "", true},
		{"options without preflight", cfg, http.MethodOptions, "https://app.example.com", false, http.StatusOK, "https://app.example.com", true},
		{"wildcard", config.CORSConfig{AllowedOrigins: []string{"*"}}, http.MethodGet, "https://any.example.com", false, http.StatusOK, "https://any.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CORS(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				okHandler(w, r)
			}))

			req := httptest.NewRequest(tt.method, "/api/subjects", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != tt.wantHandler {
				t.Errorf("handler called = %v, want %v", called, tt.wantHandler)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if w.Header().Get("Vary") != "Origin" {
				t.Errorf("Vary = %q", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORS_preflightAdvertisesContract(t *testing.T) {
	cfg := config.Defaults().Server.CORS
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	handler := CORS(cfg)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodOptions, "/api/subjects/p-1/decisions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, headerIdempotency) {
		t.Errorf("Allow-Headers = %q", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, headerReplay) {
		t.Errorf("Expose-Headers = %q", got)
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"propagated", "corr-123", true},
		{"absent", "", false},
		{"control characters", "corr\n-forged log line", false},
		{"too long", strings.Repeat("a", maxCorrelationIDLen+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationIDFrom(r.Context())
				okHandler(w, r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header[headerCorrelationID] = []string{tt.header}
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get(headerCorrelationID)
			if got == "" || got != seen {
				t.Fatalf("response id %q, context id %q", got, seen)
			}
			if (got == tt.header) != tt.keep {
				t.Errorf("id = %q, keep caller's = %v", got, tt.keep)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(okHandler)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, kv := range securityHeaders {
		if got := w.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestHandlerTimeout(t *testing.T) {
	t.Run("bounded", func(t *testing.T) {
		HandlerTimeout(100*time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deadline, ok := r.Context().Deadline()
			if !ok || time.Until(deadline) > 200*time.Millisecond {
				t.Errorf("deadline = %v, %v", deadline, ok)
			}
		})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	t.Run("disabled", func(t *testing.T) {
		HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Deadline(); ok {
				t.Error("zero timeout should not set a deadline")
			}
		})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestLogging(t *testing.T) {
	tests := []struct {
		status int
		level  zapcore.Level
	}{
		{http.StatusOK, zapcore.InfoLevel},
		{http.StatusConflict, zapcore.WarnLevel},
		{http.StatusServiceUnavailable, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			r := chi.NewRouter()
			r.Use(RequestLogging(zap.New(core)))
			r.Post("/api/subjects/{id}/decisions", func(w http.ResponseWriter, r *http.Request) {
				if observability.LoggerFrom(r.Context(), nil) == nil {
					t.Error("request logger should be in context")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			})

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/subjects/p-7/decisions", nil))

			entries := logs.FilterMessage("request").All()
			if len(entries) != 1 {
				t.Fatalf("access log entries = %d, want 1", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level {
				t.Errorf("level = %v, want %v", e.Level, tt.level)
			}
			fields := e.ContextMap()
			if fields["route"] != "/api/subjects/{id}/decisions" || fields["path"] != "/api/subjects/p-7/decisions" {
				t.Errorf("route/path = %v / %v", fields["route"], fields["path"])
			}
			if fields["status"] != int64(tt.status) || fields["bytes"] != int64(4) {
				t.Errorf("status/bytes = %v / %v", fields["status"], fields["bytes"])
			}
		})
	}
}

func TestValidateRequests(t *testing.T) {
	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("openapi.Load: %v", err)
	}
	v, err := openapi.NewValidator(doc)
	if err != nil {
		t.Fatalf("openapi.NewValidator: %v", err)
	}

	handler := ValidateRequests(v)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not run for an invalid request")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/subjects/p-1/decisions", strings.NewReader(`{"action":"shred"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), model.ErrValidationError) {
		t.Errorf("body = %s", w.Body.String())
	}

	if ValidateRequests(nil)(http.HandlerFunc(okHandler)) == nil {
		t.Error("nil validator should pass requests through")
	}
}
