package fhirstore

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

// Handler serves a Store over a minimal FHIR REST interface: create, read,
// update, delete and identifier search. Resources that carry an identifier
// system, tag or extension of the reserved namespace are neither accepted
// nor served; they belong to the authorization server.
type Handler struct {
	store    Store
	reserved fhir.Namespace
}

func NewHandler(store Store, reserved fhir.Namespace) *Handler {
	return &Handler{store: store, reserved: reserved}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)
	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
}

func (h *Handler) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
	})
}

func (h *Handler) Create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return outcome(c, http.StatusBadRequest, "cannot read request body")
	}
	if h.isReserved(body) {
		return outcome(c, http.StatusForbidden, "resources in the authorization namespace cannot be written here")
	}
	rec, err := h.store.Create(c.Request().Context(), c.Param("type"), body)
	if err != nil {
		return storeError(c, err)
	}
	c.Response().Header().Set("Location", locationOf(c, rec))
	return c.Blob(http.StatusCreated, fhirJSON, rec.Body)
}

func (h *Handler) Read(c echo.Context) error {
	rec, err := h.read(c)
	if err != nil {
		return storeError(c, err)
	}
	return c.Blob(http.StatusOK, fhirJSON, rec.Body)
}

// read loads the addressed resource, hiding reserved ones.
func (h *Handler) read(c echo.Context) (*Record, error) {
	rec, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if h.isReserved(rec.Body) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (h *Handler) Update(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return outcome(c, http.StatusBadRequest, "cannot read request body")
	}
	if h.isReserved(body) {
		return outcome(c, http.StatusForbidden, "resources in the authorization namespace cannot be written here")
	}
	if _, err := h.read(c); err != nil {
		return storeError(c, err)
	}
	rec, err := h.store.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body)
	if err != nil {
		return storeError(c, err)
	}
	return c.Blob(http.StatusOK, fhirJSON, rec.Body)
}

func (h *Handler) Delete(c echo.Context) error {
	if _, err := h.read(c); err != nil {
		return storeError(c, err)
	}
	if err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return storeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search supports only identifier=system|value.
func (h *Handler) Search(c echo.Context) error {
	token := c.QueryParam("identifier")
	system, value, ok := strings.Cut(token, "|")
	if !ok || value == "" {
		return outcome(c, http.StatusBadRequest, "search requires identifier=system|value")
	}
	if h.reserved.Owns(system) {
		return outcome(c, http.StatusForbidden, "identifier system is reserved")
	}

	recs, err := h.store.FindByIdentifier(c.Request().Context(), c.Param("type"), system, value)
	if err != nil {
		return storeError(c, err)
	}

	resources := make([]json.RawMessage, 0, len(recs))
	urls := make([]string, 0, len(recs))
	for _, rec := range recs {
		if h.isReserved(rec.Body) {
			continue
		}
		resources = append(resources, rec.Body)
		urls = append(urls, locationOf(c, rec))
	}
	bundle := fhir.NewSearchBundle(resources, urls, c.Scheme()+"://"+c.Request().Host+c.Request().URL.String())
	return c.JSON(http.StatusOK, bundle)
}

// isReserved reports whether any "system" or "url" member anywhere in body
// falls in the reserved namespace. Unparseable bodies are left to the store.
func (h *Handler) isReserved(body []byte) bool {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	return h.owns(doc)
}

func (h *Handler) owns(v interface{}) bool {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, child := range v {
			if s, ok := child.(string); ok && (k == "system" || k == "url") && h.reserved.Owns(s) {
				return true
			}
			if h.owns(child) {
				return true
			}
		}
	case []interface{}:
		for _, child := range v {
			if h.owns(child) {
				return true
			}
		}
	}
	return false
}

func locationOf(c echo.Context, rec *Record) string {
	path := c.Request().URL.Path
	if i := strings.LastIndex(path, "/"+rec.ResourceType); i >= 0 {
		path = path[:i]
	}
	return c.Scheme() + "://" + c.Request().Host + path + "/" + fhir.FormatReference(rec.ResourceType, rec.ID)
}

func storeError(c echo.Context, err error) error {
	if errors.Is(err, ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(c.Param("type"), c.Param("id")))
	}
	return outcome(c, http.StatusBadRequest, err.Error())
}

func outcome(c echo.Context, status int, diagnostics string) error {
	return c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeForStatus(status), diagnostics))
}
