// Package capability resolves and caches the capabilities of an actor from
// the roles carried by their token.
package capability

import (
	"sync"
	"time"

	"github.com/pitabwire/signoff/internal/observability"
	"github.com/pitabwire/signoff/model"
)

const defaultMaxEntries = 10000

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator  model.PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator:  evaluator,
		ttl:        ttl,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cacheKey identifies the actor, the tenant and the roles the token granted.
// Roles are part of the key so a re-issued token with new roles is not
// served stale capabilities.
func cacheKey(rctx *model.RequestContext) string {
	key := rctx.ActorID + ":" + rctx.TenantID + ":"
	for i, role := range rctx.Roles {
		if i > 0 {
			key += ","
		}
		key += role
	}
	return key
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if rctx == nil {
		return model.CapabilitySet{}, nil
	}
	key := cacheKey(rctx)
	now := r.now()

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, or everything when none has expired.
func (r *Resolver) evictLocked(now time.Time) {
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		clear(r.cache)
	}
}

// Purge drops every cached entry. Call it after the policy changes.
func (r *Resolver) Purge() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
