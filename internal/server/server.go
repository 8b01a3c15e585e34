// Package server assembles the endorser, the EHR, the demo client app and
// the local FHIR facade into one echo instance.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/config"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/domain/clientapp"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/domain/ehr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/domain/endorser"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/db"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/middleware"
)

// Options carries the resources New wires together. Stores and sessions
// are chosen by the caller so the same wiring serves tests and the binary.
type Options struct {
	Logger zerolog.Logger

	Endorser      *auth.Identity
	AppController *auth.Identity
	AppInstance   *auth.Identity

	EndorserStore fhirstore.Store
	EHRStore      fhirstore.Store
	// FacadeStore is served under /fhir when set. It must not be the
	// endorser or EHR store.
	FacadeStore fhirstore.Store
	Sessions    ehr.SessionStore

	// HTTPClient is used for JWKS fetches and the app's outbound calls.
	HTTPClient *http.Client
	Checks     []db.Check
}

func (o Options) validate(cfg *config.Config) error {
	if o.Endorser == nil {
		return errors.New("endorser identity is required")
	}
	if o.EndorserStore == nil || o.EHRStore == nil {
		return errors.New("endorser and EHR stores are required")
	}
	if o.FacadeStore != nil && (o.FacadeStore == o.EndorserStore || o.FacadeStore == o.EHRStore) {
		return errors.New("the FHIR facade cannot share a store with the endorser or the EHR")
	}
	if o.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.AppEnabled && (o.AppController == nil || o.AppInstance == nil) {
		return errors.New("app controller and instance identities are required when the app is enabled")
	}
	return nil
}

// New builds the HTTP server for cfg.
func New(cfg *config.Config, opts Options) (*echo.Echo, error) {
	if err := opts.validate(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	ns := fhir.Namespace(cfg.IdentifierSystem)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"OK": true})
	})
	e.GET("/health", db.HealthHandler(opts.Checks...))

	// Endorser
	endorserSigner, err := auth.NewSigner(opts.Endorser, cfg.EndorserISS, cfg.EndorsementTTL)
	if err != nil {
		return nil, fmt.Errorf("endorser signer: %w", err)
	}
	cert := endorser.Certification{
		Issuer:         cfg.CertificationIssuer,
		Name:           cfg.CertificationName,
		Logo:           cfg.CertificationLogo,
		StatusEndpoint: cfg.CertificationStatusEndpoint,
	}
	if cfg.CertificationURI != "" {
		cert.URIs = []string{cfg.CertificationURI}
	}
	endorserSvc := endorser.NewService(
		endorser.NewDeveloperRepoFHIR(opts.EndorserStore, ns),
		endorser.NewAppRepoFHIR(opts.EndorserStore, ns),
		endorserSigner, cert, cfg.EndorsementTTL, logger,
	)
	endorser.NewHandler(endorserSvc, ns).RegisterRoutes(e.Group("/endorser"))

	// EHR
	ehrHandler, err := newEHRHandler(cfg, opts, ns)
	if err != nil {
		return nil, err
	}
	ehrHandler.RegisterRoutes(e.Group("/ehr"))

	if opts.FacadeStore != nil {
		fhirstore.NewHandler(opts.FacadeStore, ns).RegisterRoutes(e.Group("/fhir"))
	}

	// Demo client app
	if cfg.AppEnabled {
		controller, err := auth.NewSigner(opts.AppController, cfg.AppURL, 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("app controller signer: %w", err)
		}
		instance, err := auth.NewSigner(opts.AppInstance, "", 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("app instance signer: %w", err)
		}
		app := clientapp.New(clientapp.Config{
			URL:              cfg.AppURL,
			EndorserAPIURL:   cfg.EndorserAPIURL,
			OrganizationName: cfg.AppOrganizationName,
			DeveloperName:    cfg.AppDeveloperName,
			ClientName:       cfg.AppClientName,
			RedirectURIs:     cfg.AppRedirectURIs,
		}, controller, instance, opts.HTTPClient, logger)
		clientapp.NewHandler(app).RegisterRoutes(e.Group("/app"))
	}

	return e, nil
}

func newEHRHandler(cfg *config.Config, opts Options, ns fhir.Namespace) (*ehr.Handler, error) {
	logger := opts.Logger
	clients := ehr.NewClientRepoFHIR(opts.EHRStore, ns)
	grants := ehr.NewGrantRepoFHIR(opts.EHRStore, ns)
	discovery := ehr.Discovery{BaseURL: cfg.EHRBaseURL, CertificationURI: cfg.CertificationURI}

	vcfg := auth.DefaultVerifierConfig()
	if cfg.JWKSFetchTimeout > 0 {
		vcfg.FetchTimeout = cfg.JWKSFetchTimeout
	}
	if cfg.JWKSCacheTTL > 0 {
		vcfg.CacheTTL = cfg.JWKSCacheTTL
	}
	vcfg.HTTPClient = opts.HTTPClient

	registrar := ehr.NewRegistrar(auth.NewTrustVerifier(vcfg), clients,
		cfg.TrustedEndorser, discovery.RegistrationEndpoint(), cfg.SoftwareStatementMaxTTL, logger)
	authorizer := ehr.NewAuthorizer(clients, grants, opts.Sessions,
		cfg.EHRFHIRServerURL(), cfg.AuthorizeUIURL, logger)
	tokens := ehr.NewTokenIssuer(grants,
		auth.NewClientAssertionVerifier(discovery.TokenEndpoint(), cfg.ClientAssertionMaxTTL),
		cfg.AuthorizationCodeTTL, cfg.AccessTokenTTL, logger)
	gateway, err := ehr.NewGateway(grants, cfg.EHRFHIRBase, cfg.GatewayEnforceResourceScopes, logger)
	if err != nil {
		return nil, err
	}

	rateLimit := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}
	if rateLimit.RequestsPerSecond <= 0 {
		rateLimit = middleware.DefaultRateLimitConfig()
	}
	return ehr.NewHandler(registrar, authorizer, tokens, gateway, discovery, rateLimit, logger), nil
}
