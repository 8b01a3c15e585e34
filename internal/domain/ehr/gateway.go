package ehr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// Gateway admits bearer-token requests to the FHIR server. The token is
// resolved to an active grant and never forwarded upstream.
type Gateway struct {
	grants        GrantRepository
	upstream      *url.URL
	proxy         *httputil.ReverseProxy
	enforceScopes bool
	logger        zerolog.Logger
	now           func() time.Time
}

// NewGateway creates a Gateway forwarding to upstream. With enforceScopes
// set, the grant's SMART scopes must cover each request's resource type
// and operation; otherwise any non-empty scope admits the request.
func NewGateway(grants GrantRepository, upstream string, enforceScopes bool, logger zerolog.Logger) (*Gateway, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid FHIR upstream %q", upstream)
	}
	g := &Gateway{
		grants:        grants,
		upstream:      target,
		enforceScopes: enforceScopes,
		logger:        logger.With().Str("component", "gateway").Logger(),
		now:           time.Now,
	}
	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Header.Del(echo.HeaderAuthorization)
			r.Out.Header.Del("Cookie")
		},
		ErrorHandler: g.proxyError,
	}
	return g, nil
}

// Serve is mounted on ANY {fhir base}/*.
func (g *Gateway) Serve(c echo.Context) error {
	token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return g.deny(c, http.StatusUnauthorized, auth.ErrInvalidToken, "bearer token is required")
	}

	grant, err := g.grants.GetByAccessToken(c.Request().Context(), token)
	if err != nil {
		if errors.Is(err, fhirstore.ErrNotFound) || errors.Is(err, fhirstore.ErrAmbiguous) {
			return g.deny(c, http.StatusUnauthorized, auth.ErrInvalidToken, "access token is not recognised")
		}
		g.logger.Error().Err(err).Msg("grant lookup failed")
		return c.JSON(http.StatusBadGateway, &auth.OAuthError{Code: auth.ErrServerError, Description: "grant lookup failed"})
	}
	if grant.Status != GrantActive || grant.Token == nil {
		return g.deny(c, http.StatusUnauthorized, auth.ErrInvalidToken, "access token is not active")
	}
	if grant.Expired(g.now()) {
		return g.deny(c, http.StatusUnauthorized, auth.ErrInvalidToken, "access token has expired")
	}
	if strings.TrimSpace(grant.Token.Scope) == "" {
		return g.deny(c, http.StatusForbidden, auth.ErrInsufficientScope, "access token carries no scope")
	}

	path := "/" + strings.TrimLeft(c.Param("*"), "/")
	if g.enforceScopes {
		resourceType := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
		op := auth.OperationForRequest(c.Request().Method, path)
		if !auth.ScopeAllows(auth.ParseSMARTScopes(grant.Token.Scope), resourceType, op) {
			return g.deny(c, http.StatusForbidden, auth.ErrInsufficientScope,
				fmt.Sprintf("scope does not allow %s on %s", op, resourceType))
		}
	}

	out := c.Request().Clone(context.WithValue(c.Request().Context(), grantKey{}, grant.ID))
	out.URL.Path = path
	out.URL.RawPath = ""
	g.proxy.ServeHTTP(c.Response(), out)
	return nil
}

type grantKey struct{}

func (g *Gateway) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	grantID, _ := r.Context().Value(grantKey{}).(string)
	g.logger.Error().Err(err).Str("grant_id", grantID).Str("path", r.URL.Path).Msg("FHIR upstream unreachable")
	w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, `{"error":%q,"error_description":"FHIR server unavailable"}`, auth.ErrServerError)
}

func (g *Gateway) deny(c echo.Context, status int, code, description string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate,
		fmt.Sprintf(`Bearer error=%q, error_description=%q`, code, description))
	return c.JSON(status, &auth.OAuthError{Code: code, Description: description})
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
