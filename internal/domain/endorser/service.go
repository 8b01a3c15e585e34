package endorser

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// AppRequest is the body of an app registration.
type AppRequest struct {
	Sub          string   `json:"sub"`
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type Service struct {
	devs   DeveloperRepository
	apps   AppRepository
	signer *auth.Signer
	cert   Certification
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(devs DeveloperRepository, apps AppRepository, signer *auth.Signer, cert Certification, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		devs:   devs,
		apps:   apps,
		signer: signer,
		cert:   cert,
		ttl:    ttl,
		logger: logger.With().Str("component", "endorser").Logger(),
		now:    time.Now,
	}
}

func (s *Service) RegisterDeveloper(ctx context.Context, organizationName, developerName string) (*Developer, error) {
	organizationName = strings.TrimSpace(organizationName)
	if organizationName == "" {
		return nil, apperr.Protocol(auth.ErrInvalidRequest, "organizationName is required")
	}
	d := &Developer{
		OrganizationName:   organizationName,
		DeveloperName:      strings.TrimSpace(developerName),
		VerificationStatus: VerificationUnverified,
	}
	if err := s.devs.Create(ctx, d); err != nil {
		return nil, s.storeError(err, "developer")
	}
	s.logger.Info().Str("developer_id", d.ID).Str("organization", d.OrganizationName).Msg("developer registered")
	return d, nil
}

func (s *Service) GetDeveloper(ctx context.Context, id string) (*Developer, error) {
	d, err := s.devs.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err, "developer "+id)
	}
	return d, nil
}

func (s *Service) DeleteDeveloper(ctx context.Context, id string) error {
	if err := s.devs.Delete(ctx, id); err != nil {
		return s.storeError(err, "developer "+id)
	}
	s.logger.Info().Str("developer_id", id).Msg("developer deleted")
	return nil
}

func (s *Service) RegisterApp(ctx context.Context, developerID string, req AppRequest) (*App, error) {
	if _, err := s.GetDeveloper(ctx, developerID); err != nil {
		return nil, err
	}
	if !absoluteURL(req.Sub) {
		return nil, apperr.Protocol(auth.ErrInvalidRequest, "sub must be an absolute URL")
	}
	if strings.TrimSpace(req.ClientName) == "" {
		return nil, apperr.Protocol(auth.ErrInvalidRequest, "client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, apperr.Protocol(auth.ErrInvalidRequest, "at least one redirect_uri is required")
	}
	for _, r := range req.RedirectURIs {
		if !absoluteURL(r) {
			return nil, apperr.Protocol(auth.ErrInvalidRequest, "redirect_uri %q must be an absolute URL", r)
		}
	}

	a := &App{
		DeveloperID:  developerID,
		Sub:          strings.TrimRight(req.Sub, "/"),
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}
	if err := s.apps.Create(ctx, a); err != nil {
		return nil, s.storeError(err, "app")
	}
	s.logger.Info().Str("developer_id", developerID).Str("app_id", a.ID).Str("sub", a.Sub).Msg("app registered")
	return a, nil
}

// GetApp returns an app only when it belongs to developerID.
func (s *Service) GetApp(ctx context.Context, developerID, appID string) (*App, error) {
	if _, err := s.GetDeveloper(ctx, developerID); err != nil {
		return nil, err
	}
	a, err := s.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, s.storeError(err, "app "+appID)
	}
	if a.DeveloperID != developerID {
		return nil, apperr.NotFound(auth.ErrInvalidRequest, "app %s is not registered to developer %s", appID, developerID)
	}
	return a, nil
}

// IssueEndorsement signs a fresh endorsement for an app. Endorsements are
// not stored; each call yields a new jti.
func (s *Service) IssueEndorsement(ctx context.Context, developerID, appID string) (string, error) {
	d, err := s.GetDeveloper(ctx, developerID)
	if err != nil {
		return "", err
	}
	a, err := s.GetApp(ctx, developerID, appID)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{
		"sub":                           a.Sub,
		"exp":                           s.now().Add(s.ttl).Unix(),
		"certification_issuer":          s.cert.Issuer,
		"certification_name":            s.cert.Name,
		"certification_logo":            s.cert.Logo,
		"certification_uris":            s.cert.URIs,
		"certification_status_endpoint": s.cert.StatusEndpoint,
		"is_endorsement":                true,
		"developer_name":                d.OrganizationName,
		"client_name":                   a.ClientName,
		"redirect_uris":                 a.RedirectURIs,
		"grant_types":                   []string{auth.GrantTypeAuthorizationCode},
		"response_types":                []string{auth.ResponseTypeCode},
	}
	token, err := s.signer.Sign(claims)
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("developer_id", developerID).Str("app_id", appID).Str("sub", a.Sub).Msg("endorsement issued")
	return token, nil
}

func (s *Service) JWKS() jose.JSONWebKeySet {
	return s.signer.JWKS()
}

func (s *Service) storeError(err error, what string) error {
	if errors.Is(err, fhirstore.ErrNotFound) {
		return apperr.NotFound(auth.ErrInvalidRequest, "%s not found", what)
	}
	s.logger.Error().Err(err).Str("resource", what).Msg("resource store failure")
	return apperr.Upstream(err, "resource store failed for %s", what)
}

func absoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
