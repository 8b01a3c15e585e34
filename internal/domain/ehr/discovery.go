package ehr

import "strings"

// Discovery describes the EHR's authorization endpoints for the SMART
// configuration document.
type Discovery struct {
	BaseURL          string
	CertificationURI string
}

func (d Discovery) endpoint(path string) string {
	return strings.TrimRight(d.BaseURL, "/") + path
}

func (d Discovery) RegistrationEndpoint() string { return d.endpoint("/api/oauth/register") }
func (d Discovery) AuthorizationEndpoint() string { return d.endpoint("/api/oauth/authorize") }
func (d Discovery) TokenEndpoint() string         { return d.endpoint("/api/oauth/token") }

// SmartConfiguration is served at .well-known/smart-configuration.
func (d Discovery) SmartConfiguration() map[string]interface{} {
	certs := []string{}
	if d.CertificationURI != "" {
		certs = append(certs, d.CertificationURI)
	}
	return map[string]interface{}{
		"issuer":                                d.BaseURL,
		"authorization_endpoint":                d.AuthorizationEndpoint(),
		"token_endpoint":                        d.TokenEndpoint(),
		"registration_endpoint":                 d.RegistrationEndpoint(),
		"token_endpoint_auth_methods_supported": []string{"private_key_jwt"},
		"token_endpoint_auth_signing_alg_values_supported": []string{"RS256", "RS384", "ES256", "ES384"},
		"grant_types_supported":                 []string{"authorization_code"},
		"response_types_supported":              []string{"code"},
		"scopes_supported": []string{
			"launch/patient", "patient/*.read", "patient/*.rs", "user/*.read", "user/*.rs",
		},
		"capabilities": []string{
			"launch-standalone",
			"client-confidential-asymmetric",
			"permission-patient",
			"permission-user",
			"permission-v1",
			"permission-v2",
		},
		"udap_versions_supported":       []string{"1"},
		"udap_profiles_supported":       []string{"udap_dcr", "udap_authn", "udap_authz"},
		"udap_certifications_supported": certs,
		"udap_certifications_required":  certs,
	}
}
