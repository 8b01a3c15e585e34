package clientapp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
)

type Handler struct {
	app *App
}

func NewHandler(app *App) *Handler {
	return &Handler{app: app}
}

// RegisterRoutes mounts the app under g (normally /app).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/.well-known/jwks.json", h.JWKS)
	g.GET("/oauth-redirect", h.OAuthRedirect)

	api := g.Group("/api")
	api.GET("/config", h.Config)
	api.GET("/developer", h.Developer)
	api.GET("/endorsement", h.Endorsement)
	api.POST("/registerWithEHR", h.RegisterWithEHR)
}

func (h *Handler) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.app.JWKS())
}

func (h *Handler) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, h.app.Settings())
}

func (h *Handler) Developer(c echo.Context) error {
	dev, err := h.app.Developer(c.Request().Context())
	if err != nil {
		return h.upstreamError(c, err)
	}
	return c.JSONBlob(http.StatusOK, dev)
}

func (h *Handler) Endorsement(c echo.Context) error {
	tok, err := h.app.Endorsement(c.Request().Context())
	if err != nil {
		return h.upstreamError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"endorsement": tok})
}

type registerRequest struct {
	EHRRegistrationURL string `json:"ehrRegistrationUrl"`
	EHRTokenURL        string `json:"ehrTokenUrl"`
}

// RegisterWithEHR relays the EHR's registration answer verbatim.
func (h *Handler) RegisterWithEHR(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil || req.EHRRegistrationURL == "" {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{
			Code:        auth.ErrInvalidRequest,
			Description: "ehrRegistrationUrl is required",
		})
	}
	resp, err := h.app.RegisterWithEHR(c.Request().Context(), req.EHRRegistrationURL, req.EHRTokenURL)
	if err != nil {
		return h.upstreamError(c, err)
	}
	return relay(c, resp)
}

// OAuthRedirect receives the authorization response and redeems the code.
func (h *Handler) OAuthRedirect(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{
			Code:        e,
			Description: c.QueryParam("error_description"),
		})
	}
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, &auth.OAuthError{Code: auth.ErrInvalidRequest, Description: "code is required"})
	}
	resp, err := h.app.RedeemCode(c.Request().Context(), code)
	if errors.Is(err, ErrNotRegistered) {
		return c.JSON(http.StatusConflict, &auth.OAuthError{Code: auth.ErrInvalidRequest, Description: err.Error()})
	}
	if err != nil {
		return h.upstreamError(c, err)
	}
	return relay(c, resp)
}

func relay(c echo.Context, resp *Response) error {
	ct := resp.ContentType
	if ct == "" {
		ct = echo.MIMEApplicationJSON
	}
	if !json.Valid(resp.Body) && ct == echo.MIMEApplicationJSON {
		ct = echo.MIMETextPlain
	}
	return c.Blob(resp.Status, ct, resp.Body)
}

func (h *Handler) upstreamError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Status == http.StatusNotFound {
		status = http.StatusNotFound
	}
	h.app.logger.Error().Err(err).Str("path", c.Path()).Msg("upstream call failed")
	return c.JSON(status, &auth.OAuthError{Code: auth.ErrServerError, Description: err.Error()})
}
