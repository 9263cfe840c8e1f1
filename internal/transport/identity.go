package transport

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

type claimsKey struct{}
type capabilitiesKey struct{}

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom returns the caller's resolved capabilities. It is never
// nil.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	if caps, ok := ctx.Value(capabilitiesKey{}).(model.CapabilitySet); ok && caps != nil {
		return caps
	}
	return model.CapabilitySet{}
}

// claimMapping names the claim holding each identity field. Paths may be
// dotted to reach nested claims, e.g. "realm_access.roles".
type claimMapping struct {
	actor, tenant, email, name, roles string
}

func newClaimMapping(paths map[string]string) claimMapping {
	pick := func(field, fallback string) string {
		if p := paths[field]; p != "" {
			return p
		}
		return fallback
	}
	return claimMapping{
		actor:  pick("actor_id", "sub"),
		tenant: pick("tenant_id", "tenant_id"),
		email:  pick("email", "email"),
		name:   pick("name", "name"),
		roles:  pick("roles", "roles"),
	}
}

func (m claimMapping) requestContext(ctx context.Context) *model.RequestContext {
	claims := ClaimsFrom(ctx)
	return &model.RequestContext{
		ActorID:       extractClaimString(claims, m.actor),
		TenantID:      extractClaimString(claims, m.tenant),
		Email:         extractClaimString(claims, m.email),
		Name:          extractClaimString(claims, m.name),
		Roles:         extractClaimStringSlice(claims, m.roles),
		Claims:        claims,
		CorrelationID: CorrelationIDFrom(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
	}
}

// BuildRequestContext derives the caller's model.RequestContext from the
// verified claims. claimPaths overrides where each field is read from.
func BuildRequestContext(claimPaths map[string]string) func(http.Handler) http.Handler {
	mapping := newClaimMapping(claimPaths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := mapping.requestContext(r.Context())
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
		})
	}
}

// RequireIdentity rejects callers without both an actor and a tenant.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("Missing identity"))
			return
		}
		if err := rctx.Validate(); err != nil {
			WriteError(w, r, model.NewUnauthorizedError("Incomplete identity: "+strings.ReplaceAll(err.Error(), "\n", "; ")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ResolveCapabilities resolves the caller's capabilities once per request.
// When resolution fails the request continues with none, so every
// capability check downstream refuses it.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("capability resolution failed",
					zap.String("actor_id", rctx.ActorID),
					zap.Strings("roles", rctx.Roles),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), capabilitiesKey{}, caps)))
		})
	}
}

// RequireCapability rejects callers lacking need.
func RequireCapability(need string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CapabilitiesFrom(r.Context()).Has(need) {
				WriteForbidden(w, r, "missing capability "+need)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// lookupClaim walks a dotted path through nested claim objects.
func lookupClaim(claims map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func extractClaimString(claims map[string]any, path string) string {
	v, _ := lookupClaim(claims, path)
	s, _ := v.(string)
	return s
}

// extractClaimStringSlice accepts a JSON array of strings or a single
// space-separated string, the shape OAuth uses for "scope".
func extractClaimStringSlice(claims map[string]any, path string) []string {
	v, _ := lookupClaim(claims, path)
	switch raw := v.(type) {
	case []string:
		return raw
	case string:
		return strings.Fields(raw)
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
