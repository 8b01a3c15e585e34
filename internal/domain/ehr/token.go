package ehr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// TokenRequest is the form body of a token request.
type TokenRequest struct {
	GrantType           string `form:"grant_type"`
	Code                string `form:"code"`
	RedirectURI         string `form:"redirect_uri"`
	ClientID            string `form:"client_id"`
	ClientAssertionType string `form:"client_assertion_type"`
	ClientAssertion     string `form:"client_assertion"`
}

// TokenIssuer exchanges authorization codes for access tokens.
type TokenIssuer struct {
	grants     GrantRepository
	assertions *auth.ClientAssertionVerifier
	codeTTL    time.Duration
	tokenTTL   time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	// mu makes the draft to active transition of a grant single-use.
	mu sync.Mutex
}

func NewTokenIssuer(grants GrantRepository, assertions *auth.ClientAssertionVerifier, codeTTL, tokenTTL time.Duration, logger zerolog.Logger) *TokenIssuer {
	return &TokenIssuer{
		grants:     grants,
		assertions: assertions,
		codeTTL:    codeTTL,
		tokenTTL:   tokenTTL,
		logger:     logger.With().Str("component", "token").Logger(),
		now:        time.Now,
	}
}

// Exchange authenticates the client and activates the grant behind code.
// A failed exchange leaves the grant as it was.
func (t *TokenIssuer) Exchange(ctx context.Context, req TokenRequest) (*AccessToken, error) {
	if req.GrantType != auth.GrantTypeAuthorizationCode {
		return nil, apperr.Protocol(auth.ErrUnsupportedGrantType, "grant_type must be authorization_code")
	}
	if req.Code == "" {
		return nil, apperr.Protocol(auth.ErrInvalidRequest, "code is required")
	}
	if req.ClientAssertionType != auth.ClientAssertionTypeJWT {
		return nil, apperr.Protocol(auth.ErrInvalidClient, "client_assertion_type must be %s", auth.ClientAssertionTypeJWT)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// ---------------------------------------------------------------
	// Step 1: Resolve the grant behind the code
	// ---------------------------------------------------------------
	grant, err := t.grants.GetByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, fhirstore.ErrNotFound) || errors.Is(err, fhirstore.ErrAmbiguous) {
			return nil, apperr.NotFound(auth.ErrInvalidGrant, "authorization code is invalid or was already used")
		}
		return nil, apperr.Upstream(err, "look up grant")
	}
	if grant.Status != GrantDraft {
		return nil, apperr.Protocol(auth.ErrInvalidGrant, "authorization code was already used")
	}
	if t.codeTTL > 0 && t.now().After(grant.CodeIssuedAt.Add(t.codeTTL)) {
		return nil, apperr.Expired(auth.ErrInvalidGrant, "authorization code has expired")
	}
	session := grant.Session
	if req.RedirectURI != session.Request.RedirectURI {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}
	reg := session.Registration
	if reg == nil {
		return nil, apperr.Upstream(errors.New("grant has no registration snapshot"), "load grant %s", grant.ID)
	}
	if req.ClientID != "" && req.ClientID != reg.ClientID {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidClient, "client_id does not match the authorization code")
	}

	// ---------------------------------------------------------------
	// Step 2: Authenticate the client (private_key_jwt)
	// ---------------------------------------------------------------
	assertion, err := t.assertions.Verify(req.ClientAssertion, reg.ClientID, reg.JWKS)
	if err != nil {
		t.logger.Warn().Err(err).Str("client_id", reg.ClientID).Msg("client assertion rejected")
		return nil, err
	}

	// ---------------------------------------------------------------
	// Step 3: Activate the grant
	// ---------------------------------------------------------------
	token, err := auth.RandomToken(32)
	if err != nil {
		t.assertions.Release(reg.ClientID, assertion)
		return nil, apperr.Upstream(err, "generate access token")
	}
	start := t.now().UTC()
	end := start.Add(t.tokenTTL)
	activated := *grant
	activated.Status = GrantActive
	activated.Code = ""
	activated.Start = &start
	activated.End = &end
	activated.Token = &AccessToken{
		AccessToken: token,
		TokenType:   "Bearer",
		Scope:       session.Request.Scope,
		ExpiresIn:   int64(t.tokenTTL / time.Second),
	}
	if err := t.grants.Update(ctx, &activated); err != nil {
		t.assertions.Release(reg.ClientID, assertion)
		return nil, apperr.Upstream(err, "activate grant %s", grant.ID)
	}
	t.logger.Info().
		Str("client_id", reg.ClientID).
		Str("grant_id", grant.ID).
		Str("scope", activated.Token.Scope).
		Msg("grant activated")
	return activated.Token, nil
}
