package endorser

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

type Handler struct {
	svc *Service
	ns  fhir.Namespace
}

func NewHandler(svc *Service, ns fhir.Namespace) *Handler {
	return &Handler{svc: svc, ns: ns}
}

// RegisterRoutes mounts the endorser under g (normally /endorser).
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/.well-known/jwks.json", h.JWKS)

	api := g.Group("/api")
	api.GET("/status.json", h.Status)
	api.POST("/developer", h.RegisterDeveloper)
	api.GET("/developer/:devId", h.GetDeveloper)
	api.DELETE("/developer/:devId", h.DeleteDeveloper)
	api.POST("/developer/:devId/app", h.RegisterApp)
	api.GET("/developer/:devId/app/:appId", h.GetApp)
	api.GET("/developer/:devId/app/:appId/endorsement", h.GetEndorsement)
}

type developerRequest struct {
	OrganizationName string `json:"organizationName"`
	DeveloperName    string `json:"developerName"`
}

func (h *Handler) RegisterDeveloper(c echo.Context) error {
	var req developerRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, "invalid developer body: "+err.Error())
	}
	d, err := h.svc.RegisterDeveloper(c.Request().Context(), req.OrganizationName, req.DeveloperName)
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, d.ToFHIR(h.ns))
}

func (h *Handler) GetDeveloper(c echo.Context) error {
	d, err := h.svc.GetDeveloper(c.Request().Context(), c.Param("devId"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, d.ToFHIR(h.ns))
}

func (h *Handler) DeleteDeveloper(c echo.Context) error {
	if err := h.svc.DeleteDeveloper(c.Request().Context(), c.Param("devId")); err != nil {
		return errorOutcome(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RegisterApp(c echo.Context) error {
	var req AppRequest
	if err := c.Bind(&req); err != nil {
		return outcome(c, http.StatusBadRequest, "invalid app body: "+err.Error())
	}
	a, err := h.svc.RegisterApp(c.Request().Context(), c.Param("devId"), req)
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, a.ToFHIR(h.ns))
}

func (h *Handler) GetApp(c echo.Context) error {
	a, err := h.svc.GetApp(c.Request().Context(), c.Param("devId"), c.Param("appId"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, a.ToFHIR(h.ns))
}

func (h *Handler) GetEndorsement(c echo.Context) error {
	token, err := h.svc.IssueEndorsement(c.Request().Context(), c.Param("devId"), c.Param("appId"))
	if err != nil {
		return errorOutcome(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"endorsement": token})
}

func (h *Handler) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.JWKS())
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

func errorOutcome(c echo.Context, err error) error {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	msg := err.Error()
	if e, ok := apperr.As(err); ok {
		msg = e.Message
	}
	return outcome(c, status, msg)
}

func outcome(c echo.Context, status int, diagnostics string) error {
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForStatus(status), diagnostics))
}
