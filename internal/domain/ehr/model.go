package ehr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

const (
	extRegistration = "client-registration"
	extGrantSession = "grant-session"
	extAccessToken  = "access-token"

	GrantDraft  = "draft"
	GrantActive = "active"
	// GrantVoided marks a draft whose code never reached the client.
	GrantVoided = "entered-in-error"

	SessionCreated  = "created"
	SessionApproved = "approved"
	SessionDeclined = "declined"
)

// ClientRegistration is a dynamically registered client (RFC 7591 plus
// the UDAP certification metadata carried over from its endorsement).
// It maps to a FHIR Device identified by client_id and never changes.
type ClientRegistration struct {
	ClientID                    string             `json:"client_id"`
	ClientIDIssuedAt            int64              `json:"client_id_issued_at"`
	ClientName                  string             `json:"client_name"`
	RedirectURIs                []string           `json:"redirect_uris"`
	GrantTypes                  []string           `json:"grant_types"`
	ResponseTypes               []string           `json:"response_types"`
	TokenEndpointAuthMethod     string             `json:"token_endpoint_auth_method"`
	Scope                       string             `json:"scope,omitempty"`
	JWKS                        jose.JSONWebKeySet `json:"jwks"`
	DeveloperName               string             `json:"developer_name,omitempty"`
	CertificationIssuer         string             `json:"certification_issuer,omitempty"`
	CertificationName           string             `json:"certification_name,omitempty"`
	CertificationLogo           string             `json:"certification_logo,omitempty"`
	CertificationURIs           []string           `json:"certification_uris,omitempty"`
	CertificationStatusEndpoint string             `json:"certification_status_endpoint,omitempty"`
	EndorsementSub              string             `json:"endorsement_sub"`
	SoftwareStatementSub        string             `json:"software_statement_sub"`
	SoftwareStatement           string             `json:"software_statement,omitempty"`
}

// HasRedirectURI reports whether uri is one of the registered redirect URIs.
func (r *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, u := range r.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AuthorizationRequest is the query of an /authorize call.
type AuthorizationRequest struct {
	ResponseType string `json:"response_type" query:"response_type"`
	ClientID     string `json:"client_id" query:"client_id"`
	RedirectURI  string `json:"redirect_uri" query:"redirect_uri"`
	Scope        string `json:"scope" query:"scope"`
	State        string `json:"state" query:"state"`
	Aud          string `json:"aud,omitempty" query:"aud"`
}

// Session is a pending or decided authorization request.
type Session struct {
	ID           string               `json:"id"`
	Status       string               `json:"status"`
	Request      AuthorizationRequest `json:"request"`
	Registration *ClientRegistration  `json:"registration"`
	Code         string               `json:"code,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	DecidedAt    *time.Time           `json:"decided_at,omitempty"`
}

// View is the session as shown to the authorize UI. The code is omitted.
func (s *Session) View() map[string]interface{} {
	return map[string]interface{}{
		"id":           s.ID,
		"status":       s.Status,
		"request":      s.Request,
		"registration": s.Registration,
	}
}

// AccessToken is the token issued against a grant.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Grant is a user's approval. While draft it is found by its code; once
// active only by its access token. It maps to a FHIR Consent.
type Grant struct {
	ID           string
	Status       string
	Code         string
	CodeIssuedAt time.Time
	Session      Session
	Token        *AccessToken
	Start        *time.Time
	End          *time.Time
}

// Expired reports whether an active grant's validity period has ended.
func (g *Grant) Expired(now time.Time) bool {
	return g.End != nil && g.End.Before(now)
}

func (r *ClientRegistration) ToFHIR(ns fhir.Namespace) (*fhir.Device, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal registration: %w", err)
	}
	ids := []fhir.Identifier{
		ns.Identifier(fhir.IDClientID, r.ClientID),
		ns.Identifier(fhir.IDSub, r.SoftwareStatementSub),
		ns.Identifier(fhir.IDClientName, r.ClientName),
	}
	for _, u := range r.RedirectURIs {
		ids = append(ids, ns.Identifier(fhir.IDRedirectURI, u))
	}
	return &fhir.Device{
		ResourceType: "Device",
		Meta:         ns.Meta(),
		Identifier:   ids,
		Status:       "active",
		DeviceName:   []fhir.DeviceName{{Name: r.ClientName, Type: "user-friendly-name"}},
		URL:          r.EndorsementSub,
		Extension:    []fhir.Extension{{URL: ns.Extension(extRegistration), ValueString: string(payload)}},
	}, nil
}

func ClientRegistrationFromFHIR(dev *fhir.Device, ns fhir.Namespace) (*ClientRegistration, error) {
	ext, ok := fhir.FindExtension(dev.Extension, ns.Extension(extRegistration))
	if !ok {
		return nil, fmt.Errorf("device %s has no registration extension", dev.ID)
	}
	var r ClientRegistration
	if err := json.Unmarshal([]byte(ext.ValueString), &r); err != nil {
		return nil, fmt.Errorf("decode registration of device %s: %w", dev.ID, err)
	}
	return &r, nil
}

func (g *Grant) ToFHIR(ns fhir.Namespace) (*fhir.Consent, error) {
	session, err := json.Marshal(g.Session)
	if err != nil {
		return nil, fmt.Errorf("marshal grant session: %w", err)
	}
	issued := g.CodeIssuedAt
	c := &fhir.Consent{
		ResourceType: "Consent",
		ID:           g.ID,
		Meta:         ns.Meta(),
		Status:       g.Status,
		Scope: &fhir.CodeableConcept{Coding: []fhir.Coding{{
			System: "http://terminology.hl7.org/CodeSystem/consentscope",
			Code:   "patient-privacy",
		}}},
		Category: []fhir.CodeableConcept{{Coding: []fhir.Coding{{
			System: "http://loinc.org",
			Code:   "59284-0",
		}}}},
		DateTime:  &issued,
		Extension: []fhir.Extension{{URL: ns.Extension(extGrantSession), ValueString: string(session)}},
	}

	if g.Status == GrantActive && g.Token != nil {
		c.Identifier = []fhir.Identifier{ns.Identifier(fhir.IDAccessToken, g.Token.AccessToken)}
		tok, err := json.Marshal(g.Token)
		if err != nil {
			return nil, fmt.Errorf("marshal access token: %w", err)
		}
		c.Extension = append(c.Extension, fhir.Extension{URL: ns.Extension(extAccessToken), ValueString: string(tok)})
		c.Provision = &fhir.ConsentProvision{Period: &fhir.Period{Start: g.Start, End: g.End}}
	} else {
		c.Identifier = []fhir.Identifier{ns.Identifier(fhir.IDAuthorizationCode, g.Code)}
	}
	return c, nil
}

func GrantFromFHIR(c *fhir.Consent, ns fhir.Namespace) (*Grant, error) {
	g := &Grant{
		ID:     c.ID,
		Status: c.Status,
		Code:   ns.Value(c.Identifier, fhir.IDAuthorizationCode),
	}
	if c.DateTime != nil {
		g.CodeIssuedAt = *c.DateTime
	}
	ext, ok := fhir.FindExtension(c.Extension, ns.Extension(extGrantSession))
	if !ok {
		return nil, fmt.Errorf("consent %s has no session extension", c.ID)
	}
	if err := json.Unmarshal([]byte(ext.ValueString), &g.Session); err != nil {
		return nil, fmt.Errorf("decode session of consent %s: %w", c.ID, err)
	}
	if ext, ok := fhir.FindExtension(c.Extension, ns.Extension(extAccessToken)); ok {
		var tok AccessToken
		if err := json.Unmarshal([]byte(ext.ValueString), &tok); err != nil {
			return nil, fmt.Errorf("decode access token of consent %s: %w", c.ID, err)
		}
		g.Token = &tok
	}
	if c.Provision != nil && c.Provision.Period != nil {
		g.Start = c.Provision.Period.Start
		g.End = c.Provision.Period.End
	}
	return g, nil
}
