package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer issues JWTs for one issuer identity. Every token carries iss, a
// fresh jti, iat and exp, and the certificate chain as the x5c header.
type Signer struct {
	issuer   string
	key      crypto.Signer
	method   jwt.SigningMethod
	chain    [][]byte
	jwk      jose.JSONWebKey
	lifetime time.Duration
	now      func() time.Time
}

// NewSigner builds a signer from an identity. lifetime is the default
// validity applied when the claims carry no exp.
func NewSigner(id *Identity, issuer string, lifetime time.Duration) (*Signer, error) {
	method, err := signingMethodFor(id.PrivateKey)
	if err != nil {
		return nil, err
	}

	pub := jose.JSONWebKey{Key: id.PrivateKey.Public()}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("key thumbprint: %w", err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumb)

	chain := make([][]byte, len(id.Chain))
	for i, c := range id.Chain {
		chain[i] = c.Raw
	}

	return &Signer{
		issuer: issuer,
		key:    id.PrivateKey,
		method: method,
		chain:  chain,
		jwk: jose.JSONWebKey{
			Key:          id.PrivateKey.Public(),
			KeyID:        kid,
			Algorithm:    method.Alg(),
			Use:          "sig",
			Certificates: id.Chain,
		},
		lifetime: lifetime,
		now:      time.Now,
	}, nil
}

func signingMethodFor(key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
		}
		return jwt.SigningMethodES256, nil
	}
	return nil, fmt.Errorf("unsupported signing key type %T", key)
}

// WithIssuer returns a copy of the signer that issues as iss.
func (s *Signer) WithIssuer(iss string) *Signer {
	cp := *s
	cp.issuer = iss
	return &cp
}

func (s *Signer) Issuer() string { return s.issuer }
func (s *Signer) KeyID() string  { return s.jwk.KeyID }
func (s *Signer) Alg() string    { return s.method.Alg() }

// Sign signs claims. iss is always the signer's issuer; exp defaults to
// now plus the signer lifetime.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	now := s.now()
	out := jwt.MapClaims{}
	for k, v := range claims {
		out[k] = v
	}
	out["iss"] = s.issuer
	out["jti"] = uuid.New().String()
	out["iat"] = now.Unix()
	if _, ok := out["exp"]; !ok {
		out["exp"] = now.Add(s.lifetime).Unix()
	}

	token := jwt.NewWithClaims(s.method, out)
	token.Header["kid"] = s.jwk.KeyID
	if len(s.chain) > 0 {
		x5c := make([]string, len(s.chain))
		for i, der := range s.chain {
			x5c[i] = base64.StdEncoding.EncodeToString(der)
		}
		token.Header["x5c"] = x5c
	}

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// PublicJWK returns the verification key with its certificate chain.
func (s *Signer) PublicJWK() jose.JSONWebKey {
	return s.jwk
}

// JWKS returns the key set to publish at /.well-known/jwks.json.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk}}
}
