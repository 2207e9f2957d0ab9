package order

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

// RegisterRoutes mounts the order routes. session carries cookie
// authentication for the portals, bearer carries header authentication for
// the admin API.
func (h *Handler) RegisterRoutes(session, bearer *echo.Group) {
	patient := session.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/orders", h.CreateOrder)
	patient.GET("/orders", h.ListMyOrders)
	patient.POST("/orders/:id/cancel", h.CancelOrder)

	read := session.Group("", auth.RequireRole(auth.RolePatient, auth.RoleAdmin))
	read.GET("/orders/:id", h.GetOrder)

	admin := bearer.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/orders", h.ListOrders)
	admin.GET("/orders/:id", h.GetOrder)
	admin.PUT("/orders/:id/status", h.UpdateStatus)
}

// errorFor maps service errors to HTTP errors.
func errorFor(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrNotOwner):
		return auth.HTTPError(auth.Verdict{Reason: auth.ReasonForbidden})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStatusChanged), errors.Is(err, ErrDuplicateNumber):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return internalError(c, err)
	}
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, auth.HTTPError(auth.Verdict{Reason: auth.ReasonUnauthenticated})
	}
	return id, nil
}

type createOrderRequest struct {
	PrescriptionID  *uuid.UUID  `json:"prescription_id"`
	ShippingAddress string      `json:"shipping_address"`
	Notes           string      `json:"notes"`
	Items           []OrderItem `json:"items"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o := &Order{
		PatientID:       patientID,
		PrescriptionID:  req.PrescriptionID,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
		Items:           req.Items,
	}
	if err := h.svc.CreateOrder(c.Request().Context(), o); err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.GetOrderFor(c.Request().Context(), auth.PrincipalFromContext(c.Request().Context()), id)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListMyOrders(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientOrders(c.Request().Context(), patientID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrders(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) CancelOrder(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.CancelOrder(c.Request().Context(), patientID, id)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func orEmpty(items []*Order) []*Order {
	if items == nil {
		return []*Order{}
	}
	return items
}

// internalError logs err and answers 500 without exposing store details.
func internalError(c echo.Context, err error) error {
	zerolog.Ctx(c.Request().Context()).Error().Err(err).
		Str("path", c.Path()).
		Msg("order request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
