package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxportal/rxportal/internal/platform/auth"
)

// AuditEntry records who changed or fetched what.
type AuditEntry struct {
	UserID     string
	Role       string
	Degraded   bool
	Resource   string
	ResourceID string
	Action     string // create, update, delete, download
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating /api/v1 request and every prescription file
// download. The principal is read after the handler chain runs, since
// authentication happens on the route groups below this middleware.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			action := auditAction(req.Method, path)
			if action == "" {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				Action:     action,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				} else {
					entry.StatusCode = http.StatusInternalServerError
				}
			}
			if p := auth.PrincipalFromContext(c.Request().Context()); p != nil {
				entry.UserID = p.UserID
				entry.Role = p.Role.String()
				entry.Degraded = p.Degraded
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.Resource, entry.ResourceID = auditResource(path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Bool("degraded", entry.Degraded).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

// auditAction returns "" for requests that are not audited.
func auditAction(method, path string) string {
	if !strings.HasPrefix(path, "/api/v1/") {
		return ""
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	case http.MethodGet:
		if strings.HasPrefix(path, "/api/v1/prescriptions/") && strings.HasSuffix(path, "/file") {
			return "download"
		}
	}
	return ""
}

// auditResource extracts the resource name and id from paths like
// /api/v1/orders/<id>/cancel or /api/v1/admin/users/<id>/role.
func auditResource(path string) (resource, id string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1"), "/"), "/")
	if len(segs) > 0 && (segs[0] == "admin" || segs[0] == "doctor") {
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return "", ""
	}
	resource = segs[0]
	if len(segs) > 1 {
		if _, err := uuid.Parse(segs[1]); err == nil {
			id = segs[1]
		}
	}
	return resource, id
}
