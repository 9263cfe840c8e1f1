package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// TestClaims describes the caller a test token is issued for.
type TestClaims struct {
	ActorID  string
	TenantID string
	Email    string
	Name     string
	Roles    []string
	Extra    map[string]any
}

func (c TestClaims) mapClaims() jwt.MapClaims {
	m := jwt.MapClaims{
		"sub":       c.ActorID,
		"tenant_id": c.TenantID,
		"email":     c.Email,
	}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if len(c.Roles) > 0 {
		// Decoded tokens carry roles as []any.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		m["roles"] = roles
	}
	maps.Copy(m, c.Extra)
	return m
}

// tokenIssuer plays the identity provider: it signs tokens with one RSA key
// and publishes that key on a JWKS endpoint.
type tokenIssuer struct {
	t        *testing.T
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	set, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		t:        t,
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.signoff.dev",
		audience: "signoff-api-test",
	}
}

// sign issues a token for claims valid from issuedAt for ttl.
func (ti *tokenIssuer) sign(claims TestClaims, issuedAt time.Time, ttl time.Duration) string {
	m := claims.mapClaims()
	m["iss"] = ti.issuer
	m["aud"] = ti.audience
	m["iat"] = jwt.NewNumericDate(issuedAt)
	m["exp"] = jwt.NewNumericDate(issuedAt.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, m)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign token: %v", err)
	}
	return signed
}

// GenerateToken issues a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Now(), time.Hour)
}

// GenerateExpiredToken issues a token that expired an hour ago, well outside
// the clock skew allowance.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, time.Now().Add(-2*time.Hour), time.Hour)
}

// JWKSURL is where the issuer publishes its signing key.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer is the iss claim of every issued token.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience is the aud claim of every issued token.
func (ti *tokenIssuer) Audience() string { return ti.audience }
