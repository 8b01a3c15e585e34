// Package clientapp is the application side of the UDAP flow: it holds the
// app's controller and instance keys, obtains its endorsement, registers
// with EHRs and redeems authorization codes.
package clientapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
)

// ErrNotRegistered is returned when a code arrives before any successful
// EHR registration.
var ErrNotRegistered = errors.New("the app is not registered with an EHR")

// Config describes the app as registered at the endorser.
type Config struct {
	// URL is the app's sub; its controller key set is served beneath it.
	URL              string
	EndorserAPIURL   string
	OrganizationName string
	DeveloperName    string
	ClientName       string
	RedirectURIs     []string
	// DeveloperID and AppID reuse existing endorser records when set.
	DeveloperID string
	AppID       string
}

// Registration is the app's client at one EHR.
type Registration struct {
	ClientID      string `json:"client_id"`
	TokenEndpoint string `json:"token_endpoint"`
}

// App keeps the bootstrap state shared by all requests.
type App struct {
	cfg        Config
	controller *auth.Signer
	instance   *auth.Signer
	http       httpClient
	logger     zerolog.Logger
	now        func() time.Time

	mu           sync.Mutex
	developer    json.RawMessage
	developerID  string
	appID        string
	endorsement  string
	registration *Registration
}

// New creates an App. controller signs software statements (its key set is
// published at the app URL); instance signs client assertions.
func New(cfg Config, controller, instance *auth.Signer, client *http.Client, logger zerolog.Logger) *App {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	cfg.EndorserAPIURL = strings.TrimRight(cfg.EndorserAPIURL, "/")
	if len(cfg.RedirectURIs) == 0 {
		cfg.RedirectURIs = []string{cfg.URL + "/oauth-redirect"}
	}
	return &App{
		cfg:         cfg,
		controller:  controller.WithIssuer(cfg.URL),
		instance:    instance,
		http:        httpClient{client: client},
		logger:      logger.With().Str("component", "clientapp").Logger(),
		now:         time.Now,
		developerID: cfg.DeveloperID,
		appID:       cfg.AppID,
	}
}

// Settings is the app configuration shown to its UI.
func (a *App) Settings() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]interface{}{
		"appUrl":         a.cfg.URL,
		"endorserApiUrl": a.cfg.EndorserAPIURL,
		"developerId":    a.developerID,
		"appId":          a.appID,
		"clientName":     a.cfg.ClientName,
		"redirectUris":   a.cfg.RedirectURIs,
	}
	if a.registration != nil {
		out["clientId"] = a.registration.ClientID
	}
	return out
}

// Developer returns the app's developer record, registering it at the
// endorser first when needed.
func (a *App) Developer(ctx context.Context) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureDeveloper(ctx); err != nil {
		return nil, err
	}
	return a.developer, nil
}

// Endorsement returns a valid endorsement, registering the developer and
// the app and fetching a fresh endorsement as needed.
func (a *App) Endorsement(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureEndorsement(ctx)
}

type resource struct {
	ID string `json:"id"`
}

func (a *App) ensureDeveloper(ctx context.Context) error {
	if a.developer != nil {
		return nil
	}
	if a.developerID != "" {
		var raw json.RawMessage
		err := a.http.call(ctx, http.MethodGet, a.cfg.EndorserAPIURL+"/developer/"+url.PathEscape(a.developerID), nil, &raw)
		if err == nil {
			a.developer = raw
			return nil
		}
		a.logger.Warn().Err(err).Str("developer_id", a.developerID).Msg("configured developer unavailable, registering a new one")
		a.developerID, a.appID = "", ""
	}

	var raw json.RawMessage
	body := map[string]string{
		"organizationName": a.cfg.OrganizationName,
		"developerName":    a.cfg.DeveloperName,
	}
	if err := a.http.call(ctx, http.MethodPost, a.cfg.EndorserAPIURL+"/developer", body, &raw); err != nil {
		return fmt.Errorf("register developer: %w", err)
	}
	var r resource
	if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" {
		return fmt.Errorf("register developer: response has no id")
	}
	a.developer, a.developerID = raw, r.ID
	a.logger.Info().Str("developer_id", r.ID).Msg("developer registered at endorser")
	return nil
}

func (a *App) ensureApp(ctx context.Context) error {
	if err := a.ensureDeveloper(ctx); err != nil {
		return err
	}
	if a.appID != "" {
		return nil
	}
	body := map[string]interface{}{
		"sub":           a.cfg.URL,
		"client_name":   a.cfg.ClientName,
		"redirect_uris": a.cfg.RedirectURIs,
	}
	var r resource
	if err := a.http.call(ctx, http.MethodPost, a.appURL(""), body, &r); err != nil {
		return fmt.Errorf("register app: %w", err)
	}
	if r.ID == "" {
		return fmt.Errorf("register app: response has no id")
	}
	a.appID = r.ID
	a.logger.Info().Str("app_id", r.ID).Msg("app registered at endorser")
	return nil
}

func (a *App) appURL(suffix string) string {
	u := a.cfg.EndorserAPIURL + "/developer/" + url.PathEscape(a.developerID) + "/app"
	if a.appID != "" {
		u += "/" + url.PathEscape(a.appID)
	}
	return u + suffix
}

func (a *App) ensureEndorsement(ctx context.Context) (string, error) {
	if a.endorsement != "" && !a.expiresSoon(a.endorsement) {
		return a.endorsement, nil
	}
	if err := a.ensureApp(ctx); err != nil {
		return "", err
	}
	var body struct {
		Endorsement string `json:"endorsement"`
	}
	if err := a.http.call(ctx, http.MethodGet, a.appURL("/endorsement"), nil, &body); err != nil {
		return "", fmt.Errorf("fetch endorsement: %w", err)
	}
	if body.Endorsement == "" {
		return "", fmt.Errorf("fetch endorsement: response has no endorsement")
	}
	a.endorsement = body.Endorsement
	return a.endorsement, nil
}

// expiresSoon reads exp without verifying; the endorsement came from the
// endorser over its API.
func (a *App) expiresSoon(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(a.now().Add(time.Minute))
}

// SoftwareStatement signs the app's metadata and instance key set for one
// registration endpoint.
func (a *App) SoftwareStatement(registrationURL string) (string, error) {
	return a.controller.Sign(jwt.MapClaims{
		"sub":                        a.cfg.URL,
		"aud":                        registrationURL,
		"exp":                        a.now().Add(5 * time.Minute).Unix(),
		"client_name":                a.cfg.ClientName,
		"redirect_uris":              a.cfg.RedirectURIs,
		"grant_types":                []string{auth.GrantTypeAuthorizationCode},
		"response_types":             []string{auth.ResponseTypeCode},
		"token_endpoint_auth_method": auth.AuthMethodPrivateKeyJWT,
		"jwks":                       a.instance.JWKS(),
	})
}

// RegisterWithEHR posts a UDAP registration and returns the EHR's answer.
// A successful registration is remembered for the redirect endpoint.
func (a *App) RegisterWithEHR(ctx context.Context, registrationURL, tokenURL string) (*Response, error) {
	if registrationURL == "" {
		return nil, fmt.Errorf("ehrRegistrationUrl is required")
	}
	if tokenURL == "" {
		tokenURL = strings.TrimSuffix(strings.TrimRight(registrationURL, "/"), "/register") + "/token"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	endorsement, err := a.ensureEndorsement(ctx)
	if err != nil {
		return nil, err
	}
	statement, err := a.SoftwareStatement(registrationURL)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.do(ctx, http.MethodPost, registrationURL, map[string]interface{}{
		"udap":               "1",
		"software_statement": statement,
		"certifications":     []string{endorsement},
	})
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusCreated {
		var reg Registration
		if err := json.Unmarshal(resp.Body, &reg); err == nil && reg.ClientID != "" {
			reg.TokenEndpoint = tokenURL
			a.registration = &reg
			a.logger.Info().Str("client_id", reg.ClientID).Str("ehr", registrationURL).Msg("registered with EHR")
		}
	} else {
		a.logger.Warn().Int("status", resp.Status).Str("ehr", registrationURL).Msg("EHR rejected registration")
	}
	return resp, nil
}

// Registration returns the last successful EHR registration.
func (a *App) Registration() *Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registration == nil {
		return nil
	}
	cp := *a.registration
	return &cp
}

// ClientAssertion signs a private_key_jwt assertion for reg.
func (a *App) ClientAssertion(reg Registration) (string, error) {
	return a.instance.WithIssuer(reg.ClientID).Sign(jwt.MapClaims{
		"sub": reg.ClientID,
		"aud": reg.TokenEndpoint,
		"exp": a.now().Add(5 * time.Minute).Unix(),
	})
}

// RedeemCode exchanges an authorization code at the registered EHR.
func (a *App) RedeemCode(ctx context.Context, code string) (*Response, error) {
	reg := a.Registration()
	if reg == nil {
		return nil, ErrNotRegistered
	}
	assertion, err := a.ClientAssertion(*reg)
	if err != nil {
		return nil, err
	}
	return a.http.postForm(ctx, reg.TokenEndpoint, url.Values{
		"grant_type":            {auth.GrantTypeAuthorizationCode},
		"code":                  {code},
		"redirect_uri":          {a.cfg.RedirectURIs[0]},
		"client_id":             {reg.ClientID},
		"client_assertion_type": {auth.ClientAssertionTypeJWT},
		"client_assertion":      {assertion},
	})
}

// JWKS is the controller key set.
func (a *App) JWKS() jose.JSONWebKeySet {
	return a.controller.JWKS()
}
