package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

const (
	tracerName          = "github.com/pitabwire/signoff"
	defaultSamplingRate = 0.1
)

// Span attribute keys.
var (
	AttrTenantID  = attribute.Key("signoff.tenant_id")
	AttrSubjectID = attribute.Key("signoff.subject_id")
	AttrVariant   = attribute.Key("signoff.variant")
	AttrTarget    = attribute.Key("signoff.target_status")
	AttrEventID   = attribute.Key("signoff.event_id")
	AttrRecipient = attribute.Key("signoff.recipient_count")
	AttrOutcome   = attribute.Key("signoff.outcome")
)

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes and stops the provider. With tracing disabled
// nothing is installed and the shutdown is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q (otlp, stdout)", cfg.Exporter)
	}
}

// newSampler honours the caller's sampling decision and samples new roots at
// rate. A non-positive rate means the default.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e, ok := model.AsEnvelope(err); ok {
			span.SetAttributes(AttrOutcome.String(e.Code))
		}
	}
	span.End()
}

// EventAttrs describes a decided event on a span.
func EventAttrs(event model.DecidedEvent) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(event.TenantID),
		AttrSubjectID.String(event.SubjectID),
		AttrEventID.String(event.ID),
		AttrVariant.String(string(event.Variant)),
		AttrTarget.String(string(event.To)),
	}
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware opens a server span per request, continuing any
// inbound traceparent and echoing the trace context on the response. Once
// routing is done the span is renamed to the matched route pattern so that
// every decision on every subject shares one span name.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := NewResponseRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := RoutePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.Status))
		if rec.Status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.Status))
		}
	})
}
