package ehr

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
)

// RegistrationRequest is a UDAP dynamic client registration body.
type RegistrationRequest struct {
	UDAP              string   `json:"udap"`
	SoftwareStatement string   `json:"software_statement"`
	Certifications    []string `json:"certifications"`
}

// Registrar verifies endorsed software statements and registers clients.
type Registrar struct {
	verifier        *auth.TrustVerifier
	clients         ClientRepository
	trustedEndorser string
	endpoint        string
	maxStatementTTL time.Duration
	leeway          time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

// NewRegistrar creates a Registrar that accepts endorsements issued by
// trustedEndorser. endpoint is the registration URL software statements
// may name as their audience.
func NewRegistrar(verifier *auth.TrustVerifier, clients ClientRepository, trustedEndorser, endpoint string, maxStatementTTL time.Duration, logger zerolog.Logger) *Registrar {
	return &Registrar{
		verifier:        verifier,
		clients:         clients,
		trustedEndorser: strings.TrimRight(trustedEndorser, "/"),
		endpoint:        endpoint,
		maxStatementTTL: maxStatementTTL,
		leeway:          30 * time.Second,
		logger:          logger.With().Str("component", "registration").Logger(),
		now:             time.Now,
	}
}

// Register runs the UDAP registration checks and persists the client. The
// client is stored only when every check passes.
func (r *Registrar) Register(ctx context.Context, req RegistrationRequest) (*ClientRegistration, error) {
	reg, err := r.register(ctx, req)
	if err != nil {
		ev := r.logger.Warn()
		if e, ok := apperr.As(err); ok {
			ev = ev.Str("error_kind", e.Kind.String()).Str("error_code", e.Code)
		}
		ev.Err(err).Msg("registration rejected")
		return nil, err
	}
	r.logger.Info().
		Str("client_id", reg.ClientID).
		Str("client_name", reg.ClientName).
		Str("sub", reg.SoftwareStatementSub).
		Msg("client registered")
	return reg, nil
}

func (r *Registrar) register(ctx context.Context, req RegistrationRequest) (*ClientRegistration, error) {
	// ---------------------------------------------------------------
	// Step 1: Protocol flavor
	// ---------------------------------------------------------------
	if req.UDAP != "1" {
		return nil, apperr.Protocol(auth.ErrInvalidClientMetadata, `udap must be "1"`)
	}
	if req.SoftwareStatement == "" {
		return nil, apperr.Protocol(auth.ErrInvalidClientMetadata, "software_statement is required")
	}
	if len(req.Certifications) == 0 || req.Certifications[0] == "" {
		return nil, apperr.Protocol(auth.ErrInvalidClientMetadata, "certifications must contain an endorsement")
	}

	// ---------------------------------------------------------------
	// Step 2: Endorsement, signed by the trusted endorser
	// ---------------------------------------------------------------
	endorsement, err := r.verifier.Verify(ctx, r.trustedEndorser, req.Certifications[0])
	if err != nil {
		return nil, apperr.Trust(auth.ErrUnapprovedSoftwareStatement, err, "endorsement could not be verified against %s", r.trustedEndorser)
	}
	if iss := strings.TrimRight(stringClaim(endorsement, "iss"), "/"); iss != r.trustedEndorser {
		return nil, apperr.Trust(auth.ErrUnapprovedSoftwareStatement, nil, "endorsement issuer %q is not trusted", iss)
	}
	if isEndorsement, _ := endorsement["is_endorsement"].(bool); !isEndorsement {
		return nil, apperr.Trust(auth.ErrUnapprovedSoftwareStatement, nil, "certification is not an endorsement")
	}
	appSub := stringClaim(endorsement, "sub")
	if appSub == "" {
		return nil, apperr.Trust(auth.ErrUnapprovedSoftwareStatement, nil, "endorsement has no sub")
	}

	// ---------------------------------------------------------------
	// Step 3: Software statement, signed by the endorsed app
	// ---------------------------------------------------------------
	statement, err := r.verifier.Verify(ctx, appSub, req.SoftwareStatement)
	if err != nil {
		return nil, apperr.Trust(auth.ErrInvalidSoftwareStatement, err, "software statement could not be verified against %s", appSub)
	}
	if err := r.checkStatementClaims(statement); err != nil {
		return nil, err
	}

	// ---------------------------------------------------------------
	// Step 4: Cross-checks between the two documents
	// ---------------------------------------------------------------
	if iss := stringClaim(statement, "iss"); iss != appSub {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement iss %q does not match endorsed sub %q", iss, appSub)
	}
	statementSub := stringClaim(statement, "sub")
	if !instanceOf(statementSub, appSub) {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement sub %q is not an instance of %q", statementSub, appSub)
	}
	clientName := stringClaim(statement, "client_name")
	if clientName != stringClaim(endorsement, "client_name") {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidClientMetadata, "client_name %q does not match the endorsed client_name", clientName)
	}
	redirects := stringsClaim(statement, "redirect_uris")
	if len(redirects) == 0 {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidRedirectURI, "software statement has no redirect_uris")
	}
	endorsed := stringsClaim(endorsement, "redirect_uris")
	for _, u := range redirects {
		if !contains(endorsed, u) {
			return nil, apperr.ClaimMismatch(auth.ErrInvalidRedirectURI, "redirect_uri %q is not endorsed", u)
		}
	}
	keys, err := jwksClaim(statement, "jwks")
	if err != nil {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement jwks: %v", err)
	}
	if len(keys.Keys) == 0 {
		return nil, apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement must embed at least one key")
	}
	for _, k := range keys.Keys {
		if !k.IsPublic() {
			return nil, apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement embeds a private key")
		}
	}

	// ---------------------------------------------------------------
	// Step 5: Mint the client
	// ---------------------------------------------------------------
	grantTypes := stringsClaim(endorsement, "grant_types")
	if len(grantTypes) == 0 {
		grantTypes = []string{auth.GrantTypeAuthorizationCode}
	}
	responseTypes := stringsClaim(endorsement, "response_types")
	if len(responseTypes) == 0 {
		responseTypes = []string{auth.ResponseTypeCode}
	}
	reg := &ClientRegistration{
		ClientID:                    uuid.New().String(),
		ClientIDIssuedAt:            r.now().Unix(),
		ClientName:                  clientName,
		RedirectURIs:                redirects,
		GrantTypes:                  grantTypes,
		ResponseTypes:               responseTypes,
		TokenEndpointAuthMethod:     auth.AuthMethodPrivateKeyJWT,
		Scope:                       stringClaim(statement, "scope"),
		JWKS:                        keys,
		DeveloperName:               stringClaim(endorsement, "developer_name"),
		CertificationIssuer:         stringClaim(endorsement, "certification_issuer"),
		CertificationName:           stringClaim(endorsement, "certification_name"),
		CertificationLogo:           stringClaim(endorsement, "certification_logo"),
		CertificationURIs:           stringsClaim(endorsement, "certification_uris"),
		CertificationStatusEndpoint: stringClaim(endorsement, "certification_status_endpoint"),
		EndorsementSub:              appSub,
		SoftwareStatementSub:        statementSub,
		SoftwareStatement:           req.SoftwareStatement,
	}
	if err := r.clients.Create(ctx, reg); err != nil {
		return nil, apperr.Upstream(err, "store client registration")
	}
	return reg, nil
}

// checkStatementClaims bounds the statement lifetime and, when an aud is
// present, requires it to name this registration endpoint.
func (r *Registrar) checkStatementClaims(statement jwt.MapClaims) error {
	exp, err := statement.GetExpirationTime()
	if err != nil || exp == nil {
		return apperr.Protocol(auth.ErrInvalidSoftwareStatement, "software statement exp is required")
	}
	if r.maxStatementTTL > 0 && exp.Time.After(r.now().Add(r.maxStatementTTL+r.leeway)) {
		return apperr.Protocol(auth.ErrInvalidSoftwareStatement, "software statement may not be valid for more than %s", r.maxStatementTTL)
	}
	if _, ok := statement["aud"]; ok && r.endpoint != "" {
		if aud := stringsClaim(statement, "aud"); len(aud) != 1 || aud[0] != r.endpoint {
			return apperr.ClaimMismatch(auth.ErrInvalidSoftwareStatement, "software statement aud must be %s", r.endpoint)
		}
	}
	return nil
}

// instanceOf reports whether sub is iss itself or iss with an instance
// suffix.
func instanceOf(sub, iss string) bool {
	if sub == iss {
		return true
	}
	base := strings.TrimRight(iss, "/")
	if !strings.HasPrefix(sub, base) || len(sub) == len(base) {
		return false
	}
	switch sub[len(base)] {
	case '/', '#', '?', ':':
		return true
	}
	return false
}
