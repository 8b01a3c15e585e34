package ehr

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// Authorizer runs the authorization-code front channel: it opens sessions
// for the authorize UI and turns the user's decision into a redirect.
type Authorizer struct {
	clients     ClientRepository
	grants      GrantRepository
	sessions    SessionStore
	audience    string
	authorizeUI string
	logger      zerolog.Logger
	now         func() time.Time

	// mu serialises decisions so a session yields at most one grant.
	mu sync.Mutex
}

// NewAuthorizer creates an Authorizer. audience is the FHIR base URL an
// aud parameter must name; authorizeUI is where users are sent to decide.
func NewAuthorizer(clients ClientRepository, grants GrantRepository, sessions SessionStore, audience, authorizeUI string, logger zerolog.Logger) *Authorizer {
	return &Authorizer{
		clients:     clients,
		grants:      grants,
		sessions:    sessions,
		audience:    audience,
		authorizeUI: authorizeUI,
		logger:      logger.With().Str("component", "authorize").Logger(),
		now:         time.Now,
	}
}

// StartAuthorization validates an authorize request and returns where the
// user agent goes next. Requests whose client or redirect URI cannot be
// trusted fail with an error; other problems are reported to the client's
// redirect URI.
func (a *Authorizer) StartAuthorization(ctx context.Context, req AuthorizationRequest) (string, error) {
	if req.ClientID == "" {
		return "", apperr.Protocol(auth.ErrInvalidRequest, "client_id is required")
	}
	reg, err := a.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, fhirstore.ErrNotFound) || errors.Is(err, fhirstore.ErrAmbiguous) {
			return "", apperr.Protocol(auth.ErrInvalidClient, "client %s is not registered", req.ClientID)
		}
		return "", apperr.Upstream(err, "look up client %s", req.ClientID)
	}

	if req.RedirectURI == "" && len(reg.RedirectURIs) == 1 {
		req.RedirectURI = reg.RedirectURIs[0]
	}
	if !reg.HasRedirectURI(req.RedirectURI) {
		return "", apperr.Protocol(auth.ErrInvalidRequest, "redirect_uri does not match registered values")
	}

	if req.ResponseType != auth.ResponseTypeCode {
		return redirectWith(req.RedirectURI, url.Values{
			"error":             {auth.ErrUnsupportedResponseType},
			"error_description": {"response_type must be code"},
		}, req.State)
	}
	if req.Aud != "" && strings.TrimRight(req.Aud, "/") != strings.TrimRight(a.audience, "/") {
		return redirectWith(req.RedirectURI, url.Values{
			"error":             {auth.ErrInvalidRequest},
			"error_description": {"aud does not name this FHIR server"},
		}, req.State)
	}

	id, err := auth.RandomToken(32)
	if err != nil {
		return "", apperr.Upstream(err, "generate session id")
	}
	session := &Session{
		ID:           id,
		Status:       SessionCreated,
		Request:      req,
		Registration: reg,
		CreatedAt:    a.now().UTC(),
	}
	if err := a.sessions.Put(ctx, session); err != nil {
		return "", apperr.Upstream(err, "store authorization session")
	}
	a.logger.Info().Str("client_id", req.ClientID).Str("scope", req.Scope).Msg("authorization session started")

	ui, err := url.Parse(a.authorizeUI)
	if err != nil {
		return "", apperr.Upstream(err, "parse authorize UI URL")
	}
	q := ui.Query()
	q.Set("session", id)
	ui.RawQuery = q.Encode()
	return ui.String(), nil
}

// GetSession returns a live session.
func (a *Authorizer) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := a.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperr.NotFound(auth.ErrInvalidRequest, "authorization session not found or expired")
		}
		return nil, apperr.Upstream(err, "load authorization session")
	}
	return s, nil
}

// Approve mints the authorization code and returns the client redirect.
// Approving twice yields the same code and no second grant.
func (a *Authorizer) Approve(ctx context.Context, id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	switch s.Status {
	case SessionApproved:
		return redirectWith(s.Request.RedirectURI, url.Values{"code": {s.Code}}, s.Request.State)
	case SessionDeclined:
		return "", apperr.Protocol(auth.ErrInvalidRequest, "authorization session was declined")
	}

	code, err := auth.RandomToken(32)
	if err != nil {
		return "", apperr.Upstream(err, "generate authorization code")
	}
	now := a.now().UTC()
	snapshot := *s
	snapshot.Status = SessionApproved
	snapshot.DecidedAt = &now
	grant := &Grant{
		Status:       GrantDraft,
		Code:         code,
		CodeIssuedAt: now,
		Session:      snapshot,
	}
	if err := a.grants.Create(ctx, grant); err != nil {
		return "", apperr.Upstream(err, "store grant")
	}

	snapshot.Code = code
	if err := a.sessions.Put(ctx, &snapshot); err != nil {
		a.voidGrant(ctx, grant)
		return "", apperr.Upstream(err, "store authorization session")
	}
	a.logger.Info().Str("client_id", s.Request.ClientID).Str("grant_id", grant.ID).Msg("authorization approved")
	return redirectWith(s.Request.RedirectURI, url.Values{"code": {code}}, s.Request.State)
}

// voidGrant retires a draft whose session could not be marked approved, so
// a retried approval leaves only one redeemable code.
func (a *Authorizer) voidGrant(ctx context.Context, grant *Grant) {
	voided := *grant
	voided.Status = GrantVoided
	if err := a.grants.Update(ctx, &voided); err != nil {
		a.logger.Error().Err(err).Str("grant_id", grant.ID).Msg("failed to void grant")
	}
}

// Decline records the user's refusal and returns the client redirect
// carrying access_denied.
func (a *Authorizer) Decline(ctx context.Context, id string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if s.Status == SessionApproved {
		return "", apperr.Protocol(auth.ErrInvalidRequest, "authorization session was already approved")
	}
	if s.Status != SessionDeclined {
		now := a.now().UTC()
		s.Status = SessionDeclined
		s.DecidedAt = &now
		if err := a.sessions.Put(ctx, s); err != nil {
			return "", apperr.Upstream(err, "store authorization session")
		}
		a.logger.Info().Str("client_id", s.Request.ClientID).Msg("authorization declined")
	}
	return redirectWith(s.Request.RedirectURI, url.Values{
		"error":             {auth.ErrAccessDenied},
		"error_description": {"the user declined the request"},
	}, s.Request.State)
}

// redirectWith adds params and state to redirectURI, keeping its own query.
func redirectWith(redirectURI string, params url.Values, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", apperr.Protocol(auth.ErrInvalidRequest, "redirect_uri is not a valid URL")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
