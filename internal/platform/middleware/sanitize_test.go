package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newSanitizeEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.Use(Sanitize(logger))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET("/*", ok)
	e.POST("/*", ok)
	return e
}

func withQuery(path, key, value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	q := req.URL.Query()
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
	return req
}

func TestSanitize_Rejects(t *testing.T) {
	e := newSanitizeEcho(zerolog.Nop())

	withHeader := func(name, value string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.Header.Set(name, value)
		return req
	}

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"dot dot", httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil)},
		{"encoded dot dot", httptest.NewRequest(http.MethodGet, "/%2e%2e/%2e%2e/etc/passwd", nil)},
		{"double encoded", httptest.NewRequest(http.MethodGet, "/api/%252e%252e/secret", nil)},
		{"null byte in path", httptest.NewRequest(http.MethodGet, "/api/v1/orders%00", nil)},
		{"null byte in query", withQuery("/api/v1/orders", "status", "pending\x00")},
		{"header newline", withHeader("X-Custom", "a\r\nSet-Cookie: x=y")},
		{"oversized header", withHeader("X-Big", strings.Repeat("a", maxHeaderValueSize+1))},
		{"script tag", withQuery("/api/v1/orders", "status", "<script>alert(1)</script>")},
		{"javascript uri", withQuery("/api/v1/orders", "next", "javascript:alert(1)")},
		{"event handler", withQuery("/api/v1/orders", "q", "onload=alert(1)")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var body SanitizeError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unexpected body %q: %v", rec.Body.String(), err)
			}
			if body.Code != "invalid_request" || body.Message == "" {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}

func TestSanitize_PassesNormalRequests(t *testing.T) {
	e := newSanitizeEcho(zerolog.Nop())
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/v1/orders?status=pending&limit=20", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/6f1c2a4e-1b7d-4a7e-9f3e-2d9b8c7a6e5f/file", nil),
		withQuery("/api/v1/doctor/prescriptions", "status", "all"),
		httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"notes":"leave at door"}`)),
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s %s: expected 200, got %d", req.Method, req.URL, rec.Code)
		}
	}
}

func TestSanitize_SQLPatternLoggedNotBlocked(t *testing.T) {
	var buf bytes.Buffer
	e := newSanitizeEcho(zerolog.New(&buf))

	for _, v := range []string{"'; DROP TABLE orders;--", "1 UNION SELECT * FROM profiles", "' OR 1=1--"} {
		buf.Reset()
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, withQuery("/api/v1/orders", "q", v))
		if rec.Code != http.StatusOK {
			t.Errorf("%q: expected pass-through, got %d", v, rec.Code)
		}
		if !strings.Contains(buf.String(), "suspicious query parameter") {
			t.Errorf("%q: expected a warning, got %q", v, buf.String())
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := map[string]string{
		"hello\x00world":          "helloworld",
		"a\x07b\x1bc":             "abc",
		"line1\nline2\tend\r":     "line1\nline2\tend",
		"  refill please  ":       "refill please",
		"":                        "",
		"\x00\x00":                "",
		"Amoxicillin 500mg ✓ 日本": "Amoxicillin 500mg ✓ 日本",
	}
	for in, want := range tests {
		if got := SanitizeString(in); got != want {
			t.Errorf("SanitizeString(%q) = %q, want %q", in, got, want)
		}
	}
}
