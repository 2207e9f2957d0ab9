package prescription

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/internal/platform/blobstore"
	"github.com/rxportal/rxportal/internal/platform/middleware"
	"github.com/rxportal/rxportal/pkg/pagination"
)

// reviewPolicy gates the doctor portal. Admins can review too.
var reviewPolicy = auth.MustCompilePolicy(`principal.role in ['doctor', 'admin']`)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the prescription routes on the cookie-authenticated
// portal group.
func (h *Handler) RegisterRoutes(session *echo.Group) {
	patient := session.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/prescriptions", h.Submit)
	patient.GET("/prescriptions", h.ListMine)

	read := session.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	read.GET("/prescriptions/:id", h.Get)
	read.GET("/prescriptions/:id/file", h.GetFileURL)

	doctor := session.Group("/doctor", auth.RequireExpr(reviewPolicy))
	doctor.GET("/prescriptions", h.ListForReview)
	doctor.POST("/prescriptions/:id/approve", h.Approve)
	doctor.POST("/prescriptions/:id/reject", h.Reject)
}

// errorFor maps service and blob store errors to HTTP errors.
func errorFor(c echo.Context, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, ErrInvalid),
		errors.Is(err, blobstore.ErrEmptyFile),
		errors.Is(err, blobstore.ErrMissingFileName),
		errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.Is(err, ErrNotOwner):
		return auth.HTTPError(auth.Verdict{Reason: auth.ReasonForbidden})
	case errors.Is(err, ErrAlreadyReviewed), errors.Is(err, ErrDuplicateNumber):
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

// Submit accepts a multipart form with a "file" part and optional "notes".
func (h *Handler) Submit(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "a file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	content, contentType, err := sniffContentType(f, fh.Header.Get(echo.HeaderContentType))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rx, err := h.svc.Submit(c.Request().Context(), patientID, Upload{
		FileName:    middleware.SanitizeString(fh.Filename),
		ContentType: contentType,
		Content:     content,
		Notes:       middleware.SanitizeString(c.FormValue("notes")),
	})
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusCreated, rx)
}

// sniffContentType trusts a declared type unless it is missing or generic,
// in which case the first 512 bytes decide.
func sniffContentType(r io.Reader, declared string) (io.Reader, string, error) {
	if declared != "" && declared != echo.MIMEOctetStream {
		return r, declared, nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", err
	}
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), r), http.DetectContentType(head), nil
}

func (h *Handler) ListMine(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatient(c.Request().Context(), patientID, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rx, err := h.svc.GetFor(c.Request().Context(), auth.PrincipalFromContext(c.Request().Context()), id)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) GetFileURL(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	signed, err := h.svc.FileURL(c.Request().Context(), auth.PrincipalFromContext(c.Request().Context()), id)
	if err != nil {
		return errorFor(c, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, signed)
}

func (h *Handler) ListForReview(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForReview(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orEmpty(items), total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) Approve(c echo.Context) error {
	return h.review(c, h.svc.Approve)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.review(c, h.svc.Reject)
}

func (h *Handler) review(c echo.Context, decide func(ctx context.Context, doctorID, id uuid.UUID, notes string) (*Prescription, error)) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rx, err := decide(c.Request().Context(), doctorID, id, req.Notes)
	if err != nil {
		return errorFor(c, err)
	}
	return c.JSON(http.StatusOK, rx)
}

func orEmpty(items []*Prescription) []*Prescription {
	if items == nil {
		return []*Prescription{}
	}
	return items
}

// internalError logs err and answers 500 without exposing store details.
func internalError(c echo.Context, err error) error {
	zerolog.Ctx(c.Request().Context()).Error().Err(err).
		Str("path", c.Path()).
		Msg("prescription request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
