package transport

import (
	"context"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/model"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerIdempotency   = "X-Idempotency-Key"
	headerReplay        = "X-Idempotent-Replay"

	maxCorrelationIDLen = 128
)

type correlationIDKey struct{}

// CorrelationIDFrom returns the request's correlation ID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Recovery turns a panic in a handler into a 500 envelope. The stack is
// logged, never returned.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(rec)
				}
				observability.RequestLogger(r.Context(), logger).Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				WriteError(w, r, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight requests from allowed origins and decorates their
// actual requests. An origin of "*" allows any caller.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(cfg.AllowedOrigins, "*")
	allowed := func(origin string) bool {
		return origin != "" && (anyOrigin || slices.Contains(cfg.AllowedOrigins, origin))
	}
	preflight := map[string]string{
		"Access-Control-Allow-Methods": strings.Join(cfg.AllowedMethods, ", "),
		"Access-Control-Allow-Headers": strings.Join(cfg.AllowedHeaders, ", "),
		"Access-Control-Max-Age":       strconv.Itoa(cfg.MaxAge),
	}
	exposed := strings.Join([]string{headerCorrelationID, headerReplay}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if allowed(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", exposed)
			}

			if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
				next.ServeHTTP(w, r)
				return
			}
			if allowed(origin) {
				for k, v := range preflight {
					h.Set(k, v)
				}
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// RequestID propagates the caller's X-Correlation-Id, or mints one when it
// is absent or unusable in logs.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if !usableCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(headerCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

func usableCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// securityHeaders are set on every response. Responses carry signatures
// and contract details, so nothing is cached or framed.
var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders sets securityHeaders on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, kv := range securityHeaders {
			w.Header().Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateRequests checks each request against the API contract before it
// reaches a handler.
func ValidateRequests(v *openapi.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.ValidateRequest(r); err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout bounds the context of each request by d. Zero disables it.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores a request-scoped logger in the context and writes
// one access line per request: server errors at error level, client errors
// at warn.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := observability.RequestLogger(r.Context(), logger)
			rec := observability.NewResponseRecorder(w)

			next.ServeHTTP(rec, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			level := zapcore.InfoLevel
			switch {
			case rec.Status >= 500:
				level = zapcore.ErrorLevel
			case rec.Status >= 400:
				level = zapcore.WarnLevel
			}
			reqLogger.Log(level, "request",
				zap.String("method", r.Method),
				zap.String("route", observability.RoutePattern(r)),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.Status),
				zap.Int64("bytes", rec.Bytes),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
