package scanflow

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eclinic/qrid/internal/domain/scanaudit"
	"github.com/eclinic/qrid/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	roles := make([]string, 0, len(scanaudit.ScanRoles))
	for _, r := range scanaudit.ScanRoles {
		roles = append(roles, string(r))
	}
	g := api.Group("/scan-sessions", auth.RequireRole(roles...))
	g.POST("", h.Open)
	g.GET("/:id", h.Get)
	g.POST("/:id/scan", h.Scan)
	g.POST("/:id/rescan", h.Rescan)
	g.POST("/:id/retry", h.Retry)
	g.DELETE("/:id", h.Close)
}

type openRequest struct {
	Role        string                 `json:"role"`
	DeviceInfo  string                 `json:"device_info"`
	Geolocation *scanaudit.Geolocation `json:"geolocation"`
}

type scanRequest struct {
	Raw string `json:"raw"`
}

// actorFor resolves the scanning actor from the authenticated caller. A
// caller holding several scan roles picks one with requested.
func actorFor(c echo.Context, requested string) (scanaudit.Actor, error) {
	ctx := c.Request().Context()
	actor := scanaudit.Actor{ID: auth.UserIDFromContext(ctx)}
	roles := auth.RolesFromContext(ctx)

	if requested != "" {
		role, err := scanaudit.ParseRole(requested)
		if err != nil {
			return actor, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if auth.HasRole(roles, string(role)) {
			actor.Role = role
			return actor, nil
		}
		return actor, echo.NewHTTPError(http.StatusForbidden, "caller does not hold role "+string(role))
	}

	for _, has := range roles {
		if role, err := scanaudit.ParseRole(has); err == nil {
			actor.Role = role
			return actor, nil
		}
	}
	return actor, echo.NewHTTPError(http.StatusForbidden, "caller holds no scanning role")
}

func (h *Handler) Open(c echo.Context) error {
	var req openRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor, err := actorFor(c, req.Role)
	if err != nil {
		return err
	}
	actor.DeviceInfo = req.DeviceInfo
	if actor.DeviceInfo == "" {
		actor.DeviceInfo = c.Request().UserAgent()
	}
	actor.Geo = req.Geolocation

	s, err := h.mgr.Open(c.Request().Context(), actor, ClientSource{})
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, s.Snapshot())
}

func (h *Handler) session(c echo.Context) (*Session, error) {
	s, err := h.mgr.Get(c.Param("id"), auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return nil, sessionError(err)
	}
	return s, nil
}

func (h *Handler) Get(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) Scan(c echo.Context) error {
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.Submit(c.Request().Context(), req.Raw)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Rescan(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.Rescan()
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Retry(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	snap, err := s.Retry()
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Close(c echo.Context) error {
	if err := h.mgr.Close(c.Param("id"), auth.UserIDFromContext(c.Request().Context())); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "scan session not found")
	case errors.Is(err, ErrSessionClosed):
		return echo.NewHTTPError(http.StatusGone, "scan session closed")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrTooManySessions):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrCaptureUnavailable), errors.Is(err, ErrManagerClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, scanaudit.ErrInvalidActor):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
