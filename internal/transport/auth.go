package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

const maxJWKSBody = 1 << 20

// JWKSClient fetches and caches the identity provider's signing keys.
// Concurrent refreshes are collapsed into a single fetch.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	fetch      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// JWKSOption configures a JWKSClient.
type JWKSOption func(*JWKSClient)

// WithJWKSLogger sets the logger used for refresh failures.
func WithJWKSLogger(l *zap.Logger) JWKSOption {
	return func(c *JWKSClient) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client used to fetch the key set.
func WithHTTPClient(hc *http.Client) JWKSOption {
	return func(c *JWKSClient) { c.httpClient = hc }
}

// NewJWKSClient returns a client for the key set at url. Keys are trusted for
// ttl; an unknown key id triggers a refetch at most every five minutes.
func NewJWKSClient(url string, ttl time.Duration, opts ...JWKSOption) *JWKSClient {
	c := &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		keys:       make(map[string]crypto.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HealthCheck passes once a key set is cached or can be fetched now.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	cached := len(c.keys) > 0
	c.mu.RUnlock()
	if cached {
		return nil
	}
	return c.refresh(ctx)
}

// GetKey returns the public key with id kid. When the provider cannot be
// reached a previously cached key is still served.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, ok, fresh := c.cached(kid)
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			c.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}

	if key, ok, _ = c.cached(kid); !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.lastFetch) <= c.ttl
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.RLock()
	tooSoon := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	_, err, _ := c.fetch.Do(c.url, func() (any, error) {
		keys, err := c.download(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.lastFetch = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// jwk is the subset of RFC 7517 fields needed for RSA and EC verification
// keys.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) download(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBody)).Decode(&set); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		var (
			key crypto.PublicKey
			err error
		)
		switch k.Kty {
		case "RSA":
			key, err = k.rsa()
		case "EC":
			key, err = k.ecdsa()
		default:
			continue
		}
		if err != nil {
			c.logger.Warn("jwks key skipped", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = key
	}
	return keys, nil
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	n, err := decodeB64Int(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := decodeB64Int(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if !e.IsInt64() || e.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func (k jwk) ecdsa() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	x, err := decodeB64Int(k.X)
	if err != nil {
		return nil, fmt.Errorf("x: %w", err)
	}
	y, err := decodeB64Int(k.Y)
	if err != nil {
		return nil, fmt.Errorf("y: %w", err)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func decodeB64Int(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the bearer token against the identity
// provider's keys and stores its claims in the request context. Tokens must
// carry an expiry and match the configured issuer, audience and algorithms.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			claims := jwt.MapClaims{}
			_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errMissingKid
				}
				return jwks.GetKey(r.Context(), kid)
			}, opts...)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(describeTokenError(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

var errMissingKid = errors.New("token header has no kid")

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", model.NewUnauthorizedError("Missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", model.NewUnauthorizedError("Invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}

// describeTokenError turns a verification failure into a message safe to
// return to the caller.
func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
