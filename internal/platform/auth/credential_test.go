package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc.def.ghi")
	cred, err := ExtractBearer(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "abc.def.ghi" || cred.Source != SourceBearer {
		t.Errorf("unexpected credential: %+v", cred)
	}

	for _, h := range []string{"", "Bearer", "Bearer   ", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		if _, err := ExtractBearer(req); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("header %q: expected ErrUnauthenticated, got %v", h, err)
		}
	}
}

func TestExtractCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sb-session", Value: "tok"})

	cred, err := ExtractCookie(req, "sb-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "tok" || cred.Source != SourceCookie {
		t.Errorf("unexpected credential: %+v", cred)
	}

	if _, err := ExtractCookie(req, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("default cookie name should not match sb-session, got %v", err)
	}

	empty := httptest.NewRequest(http.MethodGet, "/", nil)
	empty.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: ""})
	if _, err := ExtractCookie(empty, ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for empty cookie, got %v", err)
	}
}

func TestExtract_UnknownSource(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := Extract(req, "header", ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}
