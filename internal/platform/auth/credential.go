package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// CredentialSource selects where a route reads the caller's token from.
// Each route uses exactly one source.
type CredentialSource string

const (
	SourceBearer CredentialSource = "bearer"
	SourceCookie CredentialSource = "cookie"
)

// DefaultSessionCookie is the cookie the portals store the access token in.
const DefaultSessionCookie = "rx-session"

// Credential is an opaque token plus where it came from.
type Credential struct {
	Token  string
	Source CredentialSource
}

// ExtractBearer reads an "Authorization: Bearer <token>" header.
func ExtractBearer(r *http.Request) (Credential, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Credential{}, fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Credential{}, fmt.Errorf("%w: invalid authorization format", ErrUnauthenticated)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty bearer token", ErrUnauthenticated)
	}
	return Credential{Token: token, Source: SourceBearer}, nil
}

// ExtractCookie reads the session token stored in the named cookie.
func ExtractCookie(r *http.Request, name string) (Credential, error) {
	if name == "" {
		name = DefaultSessionCookie
	}
	ck, err := r.Cookie(name)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: missing session cookie", ErrUnauthenticated)
	}
	token := strings.TrimSpace(ck.Value)
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty session cookie", ErrUnauthenticated)
	}
	return Credential{Token: token, Source: SourceCookie}, nil
}

// Extract reads the credential for the given source.
func Extract(r *http.Request, source CredentialSource, cookieName string) (Credential, error) {
	switch source {
	case SourceCookie:
		return ExtractCookie(r, cookieName)
	case SourceBearer:
		return ExtractBearer(r)
	default:
		return Credential{}, fmt.Errorf("%w: unknown credential source %q", ErrUnauthenticated, source)
	}
}
