package ehr

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/middleware"
)

// Handler serves the EHR authorization server and resource gateway.
type Handler struct {
	registrar  *Registrar
	authorizer *Authorizer
	tokens     *TokenIssuer
	gateway    *Gateway
	discovery  Discovery
	rateLimit  middleware.RateLimitConfig
	logger     zerolog.Logger
}

func NewHandler(registrar *Registrar, authorizer *Authorizer, tokens *TokenIssuer, gateway *Gateway, discovery Discovery, rateLimit middleware.RateLimitConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		registrar:  registrar,
		authorizer: authorizer,
		tokens:     tokens,
		gateway:    gateway,
		discovery:  discovery,
		rateLimit:  rateLimit,
		logger:     logger.With().Str("component", "ehr").Logger(),
	}
}

// RegisterRoutes mounts the EHR routes on g (the /ehr group).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	limited := middleware.RateLimit(h.rateLimit)
	noStore := middleware.NoStore()

	api := g.Group("/api")
	api.GET("/status.json", h.Status)
	api.POST("/oauth/register", h.Register, limited, noStore)
	api.GET("/oauth/authorize", h.Authorize)
	api.POST("/oauth/token", h.Token, limited, noStore)

	api.GET("/authorization/:sessionId", h.GetSession, noStore)
	api.POST("/authorization/:sessionId/approve", h.Approve)
	api.POST("/authorization/:sessionId/decline", h.Decline)

	api.GET("/fhir/.well-known/smart-configuration", h.SmartConfiguration)
	api.Any("/fhir/*", h.gateway.Serve)
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ehr": true})
}

func (h *Handler) SmartConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, h.discovery.SmartConfiguration())
}

func (h *Handler) Register(c echo.Context) error {
	var req RegistrationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{
			Code:        auth.ErrInvalidClientMetadata,
			Description: "request body must be a JSON registration request",
		})
	}
	reg, err := h.registrar.Register(c.Request().Context(), req)
	if err != nil {
		return h.oauthError(c, err, false)
	}
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) Authorize(c echo.Context) error {
	req := AuthorizationRequest{
		ResponseType: c.QueryParam("response_type"),
		ClientID:     c.QueryParam("client_id"),
		RedirectURI:  c.QueryParam("redirect_uri"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
		Aud:          c.QueryParam("aud"),
	}
	location, err := h.authorizer.StartAuthorization(c.Request().Context(), req)
	if err != nil {
		return h.oauthError(c, err, false)
	}
	return c.Redirect(http.StatusFound, location)
}

func (h *Handler) GetSession(c echo.Context) error {
	s, err := h.authorizer.GetSession(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.oauthError(c, err, false)
	}
	return c.JSON(http.StatusOK, s.View())
}

func (h *Handler) Approve(c echo.Context) error {
	location, err := h.authorizer.Approve(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.oauthError(c, err, false)
	}
	return c.Redirect(http.StatusFound, location)
}

func (h *Handler) Decline(c echo.Context) error {
	location, err := h.authorizer.Decline(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.oauthError(c, err, false)
	}
	return c.Redirect(http.StatusFound, location)
}

func (h *Handler) Token(c echo.Context) error {
	req := TokenRequest{
		GrantType:           c.FormValue("grant_type"),
		Code:                c.FormValue("code"),
		RedirectURI:         c.FormValue("redirect_uri"),
		ClientID:            c.FormValue("client_id"),
		ClientAssertionType: c.FormValue("client_assertion_type"),
		ClientAssertion:     c.FormValue("client_assertion"),
	}
	tok, err := h.tokens.Exchange(c.Request().Context(), req)
	if err != nil {
		return h.oauthError(c, err, true)
	}
	return c.JSON(http.StatusOK, tok)
}

// oauthError writes err as an OAuth error body. At the token endpoint
// client authentication failures are 401 and grant failures 400.
func (h *Handler) oauthError(c echo.Context, err error, tokenEndpoint bool) error {
	e, ok := apperr.As(err)
	if !ok {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("unclassified error")
		return c.JSON(http.StatusInternalServerError, &auth.OAuthError{Code: auth.ErrServerError, Description: "internal error"})
	}
	if e.Kind == apperr.KindUpstream {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("upstream failure")
	}
	status := apperr.HTTPStatus(e.Kind)
	if tokenEndpoint && e.Kind != apperr.KindUpstream {
		switch e.Code {
		case auth.ErrInvalidClient:
			status = http.StatusUnauthorized
		default:
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusUnauthorized && e.Code == auth.ErrInvalidClient {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer error="invalid_client"`)
	}
	desc := e.Message
	if e.Kind == apperr.KindUpstream {
		desc = "the authorization server could not complete the request"
	}
	return c.JSON(status, &auth.OAuthError{Code: e.Code, Description: desc})
}
