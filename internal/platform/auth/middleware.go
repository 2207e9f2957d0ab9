package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the principal resolved for this request, or
// nil when the route is not authenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// UserIDFromContext returns the caller's user id or "".
func UserIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// ErrorBody is the JSON body for authentication and authorization failures.
// Code is stable and meant for clients to branch on.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var (
	unauthenticatedBody = ErrorBody{Code: "unauthenticated", Message: "authentication required"}
	forbiddenBody       = ErrorBody{Code: "forbidden", Message: "access denied"}
	unavailableBody     = ErrorBody{Code: "service_unavailable", Message: "authorization temporarily unavailable"}
)

// HTTPError maps a denied verdict to 401 or 403. It returns nil for an
// allowed verdict.
func HTTPError(v Verdict) *echo.HTTPError {
	switch v.Reason {
	case ReasonOK:
		return nil
	case ReasonForbidden:
		return echo.NewHTTPError(http.StatusForbidden, forbiddenBody)
	default:
		return echo.NewHTTPError(http.StatusUnauthorized, unauthenticatedBody)
	}
}

// ErrorFromResolve maps a ResolvePrincipal error to an HTTP error.
func ErrorFromResolve(err error) *echo.HTTPError {
	if errors.Is(err, ErrServiceUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, unavailableBody)
	}
	return echo.NewHTTPError(http.StatusUnauthorized, unauthenticatedBody)
}

// Authenticate resolves the caller from the given credential source and puts
// the principal on the request context. Routes pick bearer or cookie; the
// other source is never consulted.
func Authenticate(a *Authorizer, source CredentialSource, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cred, err := Extract(c.Request(), source, cookieName)
			if err != nil {
				return ErrorFromResolve(err)
			}
			p, err := a.ResolvePrincipal(c.Request().Context(), cred)
			if err != nil {
				return ErrorFromResolve(err)
			}
			c.Set("user_id", p.UserID)
			c.Set("role", string(p.Role))
			c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// RequireRole allows the request only when the resolved principal holds one
// of roles. It must run after Authenticate.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			v := Authorize(PrincipalFromContext(c.Request().Context()), roles...)
			if httpErr := HTTPError(v); httpErr != nil {
				return httpErr
			}
			return next(c)
		}
	}
}
