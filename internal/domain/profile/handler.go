package profile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the profile routes. session carries cookie
// authentication for the portals, bearer carries header authentication for
// the admin API.
func (h *Handler) RegisterRoutes(session, bearer *echo.Group) {
	me := session.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	me.GET("/me", h.GetMe)
	me.PUT("/me", h.UpdateMe)

	admin := bearer.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/users", h.ListUsers)
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/role", h.SetRole)
}

type meResponse struct {
	*Profile
	Degraded bool `json:"role_degraded,omitempty"`
}

func (h *Handler) GetMe(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	if p == nil {
		return auth.HTTPError(auth.Authorize(nil))
	}
	prof, err := h.svc.Me(c.Request().Context(), p)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, meResponse{Profile: prof, Degraded: p.Degraded})
}

type contactRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

func (h *Handler) UpdateMe(c echo.Context) error {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return auth.HTTPError(auth.Authorize(nil))
	}
	var req contactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	prof, err := h.svc.UpdateContact(c.Request().Context(), id, req.FullName, req.Phone)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, prof)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProfiles(c.Request().Context(), c.QueryParam("role"), pg.Limit, pg.Offset)
	if errors.Is(err, auth.ErrUnknownRole) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return internalError(c, err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	prof, err := h.svc.GetProfile(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, prof)
}

type roleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) SetRole(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return auth.HTTPError(auth.Authorize(nil))
	}
	var req roleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	prof, err := h.svc.SetRole(c.Request().Context(), actor, id, req.Role)
	switch {
	case errors.Is(err, auth.ErrUnknownRole):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSelfDemotion):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	case err != nil:
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, prof)
}

// internalError logs err and answers 500 without exposing store details.
func internalError(c echo.Context, err error) error {
	zerolog.Ctx(c.Request().Context()).Error().Err(err).
		Str("path", c.Path()).
		Msg("profile request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
