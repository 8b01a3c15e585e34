package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
)

// ClientAssertionVerifier authenticates private_key_jwt clients at one
// token endpoint (RFC 7523 §3).
type ClientAssertionVerifier struct {
	audience    string
	maxLifetime time.Duration
	leeway      time.Duration
	methods     []string
	seen        gcache.Cache
	now         func() time.Time
}

// NewClientAssertionVerifier creates a verifier. audience must be the full
// token endpoint URL; assertions may not expire later than now+maxLifetime.
func NewClientAssertionVerifier(audience string, maxLifetime time.Duration) *ClientAssertionVerifier {
	return &ClientAssertionVerifier{
		audience:    audience,
		maxLifetime: maxLifetime,
		leeway:      30 * time.Second,
		methods:     []string{"RS256", "RS384", "ES256", "ES384"},
		seen:        gcache.New(10000).LRU().Build(),
		now:         time.Now,
	}
}

// Audience returns the token endpoint URL assertions must be bound to.
func (v *ClientAssertionVerifier) Audience() string { return v.audience }

// Verify checks assertion for clientID against the client's registered keys.
// A successful verification records the jti; replays are rejected.
func (v *ClientAssertionVerifier) Verify(assertion, clientID string, keys jose.JSONWebKeySet) (jwt.MapClaims, error) {
	if assertion == "" {
		return nil, apperr.Protocol(ErrInvalidClient, "client assertion is required")
	}

	// ---------------------------------------------------------------
	// Step 1: Select the key named by the header
	// ---------------------------------------------------------------
	unverified, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return nil, apperr.Protocol(ErrInvalidClient, "malformed client assertion: %v", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	key, err := SelectKey(keys, kid)
	if err != nil {
		return nil, apperr.Trust(ErrInvalidClient, err, "no registered key can verify the client assertion")
	}

	// ---------------------------------------------------------------
	// Step 2: Verify the signature
	// ---------------------------------------------------------------
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (interface{}, error) {
		return key.Key, nil
	},
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Expired(ErrInvalidClient, "client assertion has expired")
		}
		return nil, apperr.Trust(ErrInvalidClient, err, "client assertion signature is invalid")
	}

	// ---------------------------------------------------------------
	// Step 3: Validate claims
	// ---------------------------------------------------------------
	aud, err := claims.GetAudience()
	if err != nil || len(aud) != 1 || aud[0] != v.audience {
		return nil, apperr.ClaimMismatch(ErrInvalidClient, "client assertion aud must be %q", v.audience)
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss != clientID || sub != clientID {
		return nil, apperr.ClaimMismatch(ErrInvalidClient, "client assertion iss and sub must equal client_id %q", clientID)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, apperr.Protocol(ErrInvalidClient, "client assertion exp is missing or invalid")
	}
	if exp.Time.After(v.now().Add(v.maxLifetime + v.leeway)) {
		return nil, apperr.Expired(ErrInvalidClient, "client assertion exp is too far in the future (max %s)", v.maxLifetime)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil, apperr.Protocol(ErrInvalidClient, "client assertion jti is required")
	}
	if err := v.recordJTI(clientID, jti, exp.Time); err != nil {
		return nil, err
	}

	return claims, nil
}

// Release forgets the jti of verified claims so the same assertion can be
// presented again after a failure on the server side.
func (v *ClientAssertionVerifier) Release(clientID string, claims jwt.MapClaims) {
	if jti, _ := claims["jti"].(string); jti != "" {
		v.seen.Remove(clientID + "|" + jti)
	}
}

func (v *ClientAssertionVerifier) recordJTI(clientID, jti string, exp time.Time) error {
	key := clientID + "|" + jti
	if _, err := v.seen.GetIFPresent(key); err == nil {
		return apperr.Protocol(ErrInvalidClient, "client assertion jti %q has already been used", jti)
	}
	ttl := exp.Sub(v.now()) + v.leeway
	if ttl <= 0 {
		ttl = v.leeway
	}
	if err := v.seen.SetWithExpire(key, struct{}{}, ttl); err != nil {
		return fmt.Errorf("record jti: %w", err)
	}
	return nil
}
