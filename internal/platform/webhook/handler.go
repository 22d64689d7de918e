package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eclinic/qrid/pkg/pagination"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Register)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/pause", h.Pause)
	g.POST("/:id/resume", h.Resume)
	g.POST("/:id/test", h.Test)
	g.GET("/:id/deliveries", h.Deliveries)
}

type registerRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// Register responds with the secret; it is never shown again.
func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.mgr.Register(c.Request().Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	eps, err := h.mgr.store.ListEndpoints(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for i, ep := range eps {
		eps[i] = ep.Redacted()
	}
	return c.JSON(http.StatusOK, eps)
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.mgr.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, ep.Redacted())
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.mgr.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	return h.setStatus(c, StatusPaused)
}

func (h *Handler) Resume(c echo.Context) error {
	return h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	if err := h.mgr.SetStatus(c.Request().Context(), c.Param("id"), status); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) Test(c echo.Context) error {
	d, err := h.mgr.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.mgr.store.GetEndpoint(ctx, id); err != nil {
		return storeError(err)
	}
	out, err := h.mgr.store.ListDeliveries(ctx, id, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.Page(out, pagination.FromContext(c), c.Request().URL.Path))
}

func storeError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
