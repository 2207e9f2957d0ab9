package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the portal a user belongs to.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// LowestPrivilegeRole is assigned when the role store cannot answer and the
// authorizer runs with FailOpen.
const LowestPrivilegeRole = RolePatient

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrRoleNotFound       = errors.New("role not found")
	ErrLookupDegraded     = errors.New("role lookup degraded")
	ErrServiceUnavailable = errors.New("authorization service unavailable")
	ErrUnknownRole        = errors.New("unknown role")
)

// ParseRole converts a stored role value into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Principal is the resolved identity of the caller. It lives for one request.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
	// Degraded is set when Role came from the fail-open default rather than
	// the role store.
	Degraded bool `json:"-"`
}

// Reason explains an authorization verdict.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonForbidden       Reason = "forbidden"
	ReasonUnauthenticated Reason = "unauthenticated"
)

// Verdict is the outcome of evaluating a principal against a role set.
type Verdict struct {
	Allowed   bool       `json:"allowed"`
	Principal *Principal `json:"principal,omitempty"`
	Reason    Reason     `json:"reason"`
}

// Err returns the sentinel error matching the verdict, or nil when allowed.
func (v Verdict) Err() error {
	switch v.Reason {
	case ReasonOK:
		return nil
	case ReasonForbidden:
		return ErrForbidden
	default:
		return ErrUnauthenticated
	}
}

// Authorize decides whether principal holds one of the required roles.
// It is a pure function: a nil principal is unauthenticated, a principal
// outside the set is forbidden.
func Authorize(principal *Principal, required ...Role) Verdict {
	if principal == nil {
		return Verdict{Reason: ReasonUnauthenticated}
	}
	for _, r := range required {
		if principal.Role == r {
			return Verdict{Allowed: true, Principal: principal, Reason: ReasonOK}
		}
	}
	return Verdict{Principal: principal, Reason: ReasonForbidden}
}
