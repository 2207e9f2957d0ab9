package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// RouteLimit overrides the body limit for requests whose path starts with
// Prefix and whose method matches Method.
type RouteLimit struct {
	Method string
	Prefix string
	Limit  string
}

// BodyLimit caps request bodies. Limits are human-readable sizes such as
// "1M" or "512K" (K, M, G suffixes; a bare number is bytes). The first
// matching RouteLimit wins over defaultLimit. Oversized requests get 413.
func BodyLimit(defaultLimit string, routes ...RouteLimit) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	type routeBytes struct {
		method, prefix string
		limit          int64
	}
	overrides := make([]routeBytes, 0, len(routes))
	for _, r := range routes {
		overrides = append(overrides, routeBytes{r.Method, r.Prefix, parseLimit(r.Limit)})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			for _, o := range overrides {
				if req.Method == o.method && strings.HasPrefix(req.URL.Path, o.prefix) {
					limit = o.limit
					break
				}
			}

			if req.ContentLength > limit {
				return errPayloadTooLarge
			}

			// Content-Length may be missing or wrong.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

var errPayloadTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, errPayloadTooLarge
	}

	// Read one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, errPayloadTooLarge
	}
	return n, err
}

// parseLimit parses "1M", "512K", "10MB" and bare byte counts. Anything
// unparseable falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
