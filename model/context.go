package model

import (
	"context"
	"errors"
)

// RequestContext is the verified identity behind a request: who is acting,
// for which tenant, and how the request is traced. It is built once by the
// transport layer and only read afterwards.
type RequestContext struct {
	ActorID  string
	TenantID string
	Name     string
	Email    string
	Roles    []string

	// Claims holds the raw verified token claims.
	Claims map[string]any

	CorrelationID string
	TraceID       string
}

var (
	errNoActor  = errors.New("actor id is required")
	errNoTenant = errors.New("tenant id is required")
)

// Validate reports every missing identity field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.ActorID == "" {
		errs = append(errs, errNoActor)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// Party is the actor as recorded on a subject.
func (rc *RequestContext) Party() Party {
	return Party{ID: rc.ActorID, Name: rc.Name, Email: rc.Email}
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
