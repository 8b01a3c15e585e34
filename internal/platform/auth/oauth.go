package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// OAuth 2.0 error codes (RFC 6749 §5.2, RFC 7591 §3.2.2).
const (
	ErrInvalidRequest              = "invalid_request"
	ErrInvalidClient               = "invalid_client"
	ErrInvalidGrant                = "invalid_grant"
	ErrUnsupportedGrantType        = "unsupported_grant_type"
	ErrUnsupportedResponseType     = "unsupported_response_type"
	ErrAccessDenied                = "access_denied"
	ErrInvalidToken                = "invalid_token"
	ErrInsufficientScope           = "insufficient_scope"
	ErrServerError                 = "server_error"
	ErrInvalidRedirectURI          = "invalid_redirect_uri"
	ErrInvalidClientMetadata       = "invalid_client_metadata"
	ErrInvalidSoftwareStatement    = "invalid_software_statement"
	ErrUnapprovedSoftwareStatement = "unapproved_software_statement"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	ResponseTypeCode           = "code"
	ClientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	AuthMethodPrivateKeyJWT    = "private_key_jwt"
)

// OAuthError is the JSON error body of the OAuth endpoints.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
