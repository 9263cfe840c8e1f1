package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/signoff/model"
)

// IdempotencyStore remembers the outcome of decisions submitted with an
// X-Idempotency-Key so a retried request is answered from the record
// instead of being applied twice. Entries expire after their ttl.
type IdempotencyStore interface {
	// Lookup returns the remembered outcome for key, or nil when the key is
	// unknown or expired. A key remembered with a different fingerprint is
	// a CONFLICT.
	Lookup(ctx context.Context, key, fingerprint string) (*Result, error)

	// Remember records the outcome for key. The first outcome remembered
	// for a key is kept.
	Remember(ctx context.Context, key, fingerprint string, res Result, ttl time.Duration) error
}

// IdempotencyKey scopes a caller's key to its tenant and subject.
func IdempotencyKey(tenantID, subjectID, key string) string {
	return "idem:decision:" + tenantID + ":" + subjectID + ":" + key
}

// Fingerprint hashes the caller-supplied part of a transition. The capture
// time is left out so a resubmission of the same drawing matches.
func Fingerprint(subjectID string, t model.Transition) string {
	h := sha256.New()
	field := func(s string) {
		h.Write([]byte(strings.TrimSpace(s)))
		h.Write([]byte{0})
	}
	field(subjectID)
	field(string(t.Target))
	field(t.Comments)
	if sig := t.Signature; sig != nil {
		field(sig.SignerName)
		field(sig.SignerEmail)
		h.Write(sig.Image)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type replay struct {
	Fingerprint string `json:"fingerprint"`
	Result      Result `json:"result"`
}

func (r replay) answer(key, fingerprint string) (*Result, error) {
	if r.Fingerprint != fingerprint {
		return nil, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	res := r.Result
	return &res, nil
}

// MemoryIdempotencyStore keeps outcomes in process. Expired entries are
// swept as new ones arrive.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryReplay
	now     func() time.Time
}

type memoryReplay struct {
	replay
	expires time.Time
}

// NewMemoryIdempotencyStore creates an empty in-process store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryReplay), now: time.Now}
}

// Lookup returns the outcome remembered under key, or nil when there is none
// or it has expired.
func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key, fingerprint string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, key)
		return nil, nil
	}
	return e.answer(key, fingerprint)
}

// Remember stores res under key for ttl unless the key is already taken.
func (s *MemoryIdempotencyStore) Remember(_ context.Context, key, fingerprint string, res Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
		}
	}
	if _, taken := s.entries[key]; taken {
		return nil
	}
	s.entries[key] = memoryReplay{replay: replay{Fingerprint: fingerprint, Result: res}, expires: now.Add(ttl)}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len reports the number of live entries.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisIdempotencyStore shares outcomes between replicas. Redis expires the
// keys.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a store backed by client.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Lookup returns the outcome remembered under key, or nil when there is none.
func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key, fingerprint string) (*Result, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("idempotency: get %q: %w", key, err)
	}

	var r replay
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("idempotency: decode %q: %w", key, err)
	}
	return r.answer(key, fingerprint)
}

// Remember writes with SET NX, so the replica that decided first owns the
// key when two race on it.
func (s *RedisIdempotencyStore) Remember(ctx context.Context, key, fingerprint string, res Result, ttl time.Duration) error {
	data, err := json.Marshal(replay{Fingerprint: fingerprint, Result: res})
	if err != nil {
		return fmt.Errorf("idempotency: encode %q: %w", key, err)
	}
	err = s.client.SetArgs(ctx, key, data, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
