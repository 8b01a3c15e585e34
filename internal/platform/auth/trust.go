package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures a TrustVerifier.
type VerifierConfig struct {
	// FetchTimeout bounds every JWKS request.
	FetchTimeout time.Duration
	// CacheTTL is how long a subject's key set is kept before it is
	// fetched again.
	CacheTTL   time.Duration
	CacheSize  int
	Leeway     time.Duration
	HTTPClient *http.Client
}

// DefaultVerifierConfig returns the defaults used in development.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		FetchTimeout: 10 * time.Second,
		CacheTTL:     5 * time.Minute,
		CacheSize:    256,
		Leeway:       30 * time.Second,
	}
}

// TrustVerifier verifies JWTs against the key set a subject publishes at
// {subject}/.well-known/jwks.json.
type TrustVerifier struct {
	sets    gcache.Cache
	methods []string
	leeway  time.Duration
}

func NewTrustVerifier(cfg VerifierConfig) *TrustVerifier {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	builder := gcache.New(cfg.CacheSize).LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			return NewRemoteKeySet(JWKSURL(key.(string)), client, cfg.FetchTimeout), nil
		})
	if cfg.CacheTTL > 0 {
		builder = builder.Expiration(cfg.CacheTTL)
	}

	return &TrustVerifier{
		sets:    builder.Build(),
		methods: []string{"RS256", "RS384", "ES256"},
		leeway:  cfg.Leeway,
	}
}

// Verify checks token's signature against subject's published keys and
// validates exp (required), nbf and iat. It returns the verified claims.
func (v *TrustVerifier) Verify(ctx context.Context, subject, token string) (jwt.MapClaims, error) {
	if subject == "" {
		return nil, errors.New("subject is required to locate the key set")
	}
	cached, err := v.sets.Get(subject)
	if err != nil {
		return nil, fmt.Errorf("key set for %s: %w", subject, err)
	}
	set := cached.(*RemoteKeySet)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := set.KeyFor(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	},
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("verify jwt from %s: %w", subject, err)
	}
	return claims, nil
}

// Forget drops the cached key set of subject.
func (v *TrustVerifier) Forget(subject string) {
	v.sets.Remove(subject)
}
