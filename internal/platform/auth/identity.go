package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the identity provider vouches for.
type Identity struct {
	UserID string
	Email  string
}

// IdentityProvider validates a credential and returns the stable user id
// behind it.
type IdentityProvider interface {
	ValidateCredential(ctx context.Context, token string) (Identity, error)
}

// Claims are the access token claims issued by the hosted identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTConfig configures token validation. Either SigningKey (HS256 shared
// secret) or JWKSURL (RS256) must be set.
type JWTConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	SigningKey []byte
}

// JWTIdentityProvider validates provider-issued access tokens locally.
type JWTIdentityProvider struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

// NewJWTIdentityProvider builds a provider from cfg.
func NewJWTIdentityProvider(cfg JWTConfig) (*JWTIdentityProvider, error) {
	p := &JWTIdentityProvider{cfg: cfg}
	switch {
	case len(cfg.SigningKey) > 0:
		key := cfg.SigningKey
		p.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		p.opts = append(p.opts, jwt.WithValidMethods([]string{"HS256"}))
	case cfg.JWKSURL != "":
		cache := NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
		p.keyFunc = func(t *jwt.Token) (interface{}, error) {
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return cache.GetKey(kid)
		}
		p.opts = append(p.opts, jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("jwt identity provider: signing key or jwks url is required")
	}
	if cfg.Issuer != "" {
		p.opts = append(p.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		p.opts = append(p.opts, jwt.WithAudience(cfg.Audience))
	}
	p.opts = append(p.opts, jwt.WithExpirationRequired())
	return p, nil
}

// ValidateCredential parses and verifies token. Any failure is reported as
// ErrInvalidCredential.
func (p *JWTIdentityProvider) ValidateCredential(_ context.Context, token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, p.keyFunc, p.opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// jwksKey is a single RSA key from a JWKS document.
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

const (
	defaultJWKSCacheTTL = 5 * time.Minute
	// minJWKSRefetchInterval spaces out fetches triggered by unknown kids.
	minJWKSRefetchInterval = 30 * time.Second
)

// JWKSCache caches signing keys from the provider's JWKS endpoint.
type JWKSCache struct {
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	jwksURL     string
	ttl         time.Duration
	minRefetch  time.Duration
	fetchedAt   time.Time
	lastAttempt time.Time
	client      *http.Client
	now         func() time.Time
}

// NewJWKSCache creates a cache that fetches keys from jwksURL.
func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:       make(map[string]*rsa.PublicKey),
		jwksURL:    jwksURL,
		ttl:        ttl,
		minRefetch: minJWKSRefetchInterval,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// GetKey returns the key for kid, refetching on a miss or after the TTL.
// At most one fetch is started per minimum refetch interval; in between,
// a miss fails without contacting the provider and an expired key is
// served from the previous fetch.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := c.now().Sub(c.fetchedAt) > c.ttl
	c.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if c.claimFetch() {
		if err := c.fetch(); err != nil {
			return nil, fmt.Errorf("fetching JWKS: %w", err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

// claimFetch reports whether the caller may fetch now and records the attempt.
func (c *JWKSCache) claimFetch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minRefetch {
		return false
	}
	c.lastAttempt = now
	return true
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
