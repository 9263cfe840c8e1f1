package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/internal/fanout"
	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/internal/openapi"
	"github.com/pitabwire/signoff/internal/view"
	"github.com/pitabwire/signoff/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Service            *view.Service
	// Notifications is optional; without it the notification route is not
	// mounted.
	Notifications fanout.NotificationReader
	Readiness     observability.ReadinessChecks
	Metrics       *observability.Metrics
	Contract      *openapi.Validator
	Logger        *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the contract bypass
// the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics.Handler())
	}
	r.Get("/openapi.yaml", handleContract)

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	h := NewHandlers(deps.Service, deps.Notifications, logger)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(RequireIdentity)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(ValidateRequests(deps.Contract))

		r.Route("/api/subjects", func(r chi.Router) {
			r.With(RequireCapability(model.CapSubjectView)).Get("/", h.ListSubjects)
			r.Post("/", h.CreateSubject)
			r.With(RequireCapability(model.CapSubjectView)).Get("/{id}", h.GetSubject)
			r.With(RequireCapability(model.CapSubjectView)).Get("/{id}/view", h.ViewSubject)
			r.Post("/{id}/decisions", h.SubmitDecision)
		})
		r.Post("/api/signatures/preview", h.PreviewSignature)
		if deps.Notifications != nil {
			r.With(RequireCapability(model.CapNotificationRead)).Get("/api/notifications", h.ListNotifications)
		}
	})

	return r
}

func handleContract(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Raw())
}
