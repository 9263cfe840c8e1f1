package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Output is JSON on stdout unless
// log_format is "console". Every entry carries the service name and build
// version.
//
// Levels:
//   - error: record store failures, panics, 5xx responses
//   - warn:  refused decisions, version conflicts, partial fan-out, open breakers
//   - info:  applied transitions, dispatch reports, request summaries
//   - debug: cache activity, rejected submissions, contract validation
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"service": "signoff",
			"version": Version,
		},
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// actor and correlation ids.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// SubjectFields identifies a subject in log entries.
func SubjectFields(s model.Subject) []zap.Field {
	return []zap.Field{
		zap.String("subject_id", s.ID),
		zap.String("variant", string(s.Variant)),
		zap.String("status", string(s.Status)),
		zap.Int("version", s.Version),
	}
}

// Signature logs who signed and how large the image is. The image itself
// and the signer's email never reach the log.
func Signature(sig *model.SignatureArtifact) zap.Field {
	if sig == nil {
		return zap.Skip()
	}
	return zap.Object("signature", signatureLog{sig})
}

type signatureLog struct{ *model.SignatureArtifact }

func (s signatureLog) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("signer_name", s.SignerName)
	enc.AddInt("image_bytes", len(s.Image))
	enc.AddString("content_type", s.ContentType)
	enc.AddTime("captured_at", s.CapturedAt)
	return nil
}
