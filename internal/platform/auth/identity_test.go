package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "https://auth.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: sub + "@example.com",
	}
}

func TestNewJWTIdentityProvider_RequiresKey(t *testing.T) {
	if _, err := NewJWTIdentityProvider(JWTConfig{}); err == nil {
		t.Error("expected error without signing key or jwks url")
	}
}

func TestJWTIdentityProvider_ValidToken(t *testing.T) {
	p, err := NewJWTIdentityProvider(JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := p.ValidateCredential(context.Background(), createTestToken(t, validClaims("user-123"), testSigningKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "user-123" {
		t.Errorf("expected user-123, got %s", id.UserID)
	}
	if id.Email != "user-123@example.com" {
		t.Errorf("expected email, got %s", id.Email)
	}
}

func TestJWTIdentityProvider_Rejects(t *testing.T) {
	p, err := NewJWTIdentityProvider(JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims("user-1")
	wrongIssuer.Issuer = "https://evil.example.com"

	noSubject := validClaims("")

	noExpiry := validClaims("user-1")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"wrong key", createTestToken(t, validClaims("user-1"), []byte("another-key"))},
		{"wrong issuer", createTestToken(t, wrongIssuer, testSigningKey)},
		{"no subject", createTestToken(t, noSubject, testSigningKey)},
		{"no expiry", createTestToken(t, noExpiry, testSigningKey)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ValidateCredential(context.Background(), tt.token)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestJWTIdentityProvider_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jwksResponse{Keys: []jwksKey{{
			Kty: "RSA",
			Kid: "kid-1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	p, err := NewJWTIdentityProvider(JWTConfig{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("user-rs"))
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := p.ValidateCredential(context.Background(), signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "user-rs" {
		t.Errorf("expected user-rs, got %s", id.UserID)
	}

	// HS256 tokens must not be accepted by an RS256 provider.
	if _, err := p.ValidateCredential(context.Background(), createTestToken(t, validClaims("x"), testSigningKey)); err == nil {
		t.Error("expected HS256 token to be rejected")
	}
}

func countingJWKSServer(t *testing.T, key *rsa.PublicKey, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(jwksResponse{Keys: []jwksKey{{
			Kty: "RSA",
			Kid: "kid-1",
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWTIdentityProvider_UnknownKidsShareOneFetch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits atomic.Int32
	srv := countingJWKSServer(t, &key.PublicKey, &hits)

	p, err := NewJWTIdentityProvider(JWTConfig{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 50; i++ {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("user-rs"))
		tok.Header["kid"] = fmt.Sprintf("forged-%d", i)
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := p.ValidateCredential(context.Background(), signed); err == nil {
			t.Fatalf("token with unknown kid %d was accepted", i)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected 1 JWKS fetch for 50 unknown kids, got %d", got)
	}
}

func TestJWKSCache_RefetchInterval(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var hits atomic.Int32
	srv := countingJWKSServer(t, &key.PublicKey, &hits)

	clock := time.Date(2026, 1, 12, 10, 30, 55, 0, time.UTC)
	c := NewJWKSCache(srv.URL, 5*time.Minute)
	c.now = func() time.Time { return clock }

	if _, err := c.GetKey("kid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetKey("kid-2"); err == nil {
		t.Error("expected unknown kid to fail")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("a miss inside the refetch interval should not fetch, got %d fetches", got)
	}

	clock = clock.Add(minJWKSRefetchInterval + time.Second)
	if _, err := c.GetKey("kid-2"); err == nil {
		t.Error("expected unknown kid to fail")
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("expected a refetch after the interval, got %d fetches", got)
	}

	// Past the TTL the key set is refetched once.
	clock = clock.Add(5 * time.Minute)
	if _, err := c.GetKey("kid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.GetKey("kid-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("expected one refetch after expiry, got %d fetches", got)
	}
}
