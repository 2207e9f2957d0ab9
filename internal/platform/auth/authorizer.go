package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LookupPolicy decides what happens when the role store cannot answer.
type LookupPolicy string

const (
	// FailOpen resolves the caller as LowestPrivilegeRole when the role
	// lookup errors or finds no row. Changing it changes who can reach
	// patient routes while the role store is down.
	FailOpen LookupPolicy = "fail-open"
	// FailClosed rejects the request: a missing profile is unauthenticated,
	// any other lookup error is ErrServiceUnavailable.
	FailClosed LookupPolicy = "fail-closed"
)

// DefaultLookupPolicy keeps the behaviour the portals were built against.
const DefaultLookupPolicy = FailOpen

// ParseLookupPolicy validates a configured policy name.
func ParseLookupPolicy(s string) (LookupPolicy, error) {
	switch p := LookupPolicy(s); p {
	case FailOpen, FailClosed:
		return p, nil
	case "":
		return DefaultLookupPolicy, nil
	default:
		return "", fmt.Errorf("unknown role lookup policy %q", s)
	}
}

const tracerName = "github.com/rxportal/rxportal/internal/platform/auth"

// Config carries everything the Authorizer trusts.
type Config struct {
	Identity IdentityProvider
	Roles    PrivilegedReader
	Policy   LookupPolicy
	// LookupTimeout bounds the role read. Zero means the caller's deadline.
	LookupTimeout time.Duration
	Logger        zerolog.Logger
}

// Authorizer resolves credentials to principals and checks them against
// role sets. It holds no per-request state and is safe for concurrent use.
type Authorizer struct {
	identity      IdentityProvider
	roles         PrivilegedReader
	policy        LookupPolicy
	lookupTimeout time.Duration
	logger        zerolog.Logger
	tracer        trace.Tracer
}

// NewAuthorizer validates cfg and returns an Authorizer.
func NewAuthorizer(cfg Config) (*Authorizer, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("authorizer: identity provider is required")
	}
	if cfg.Roles == nil {
		return nil, fmt.Errorf("authorizer: privileged role reader is required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = DefaultLookupPolicy
	}
	if policy != FailOpen && policy != FailClosed {
		return nil, fmt.Errorf("authorizer: unknown lookup policy %q", policy)
	}
	return &Authorizer{
		identity:      cfg.Identity,
		roles:         cfg.Roles,
		policy:        policy,
		lookupTimeout: cfg.LookupTimeout,
		logger:        cfg.Logger,
		tracer:        otel.Tracer(tracerName),
	}, nil
}

// Policy returns the configured lookup policy.
func (a *Authorizer) Policy() LookupPolicy { return a.policy }

// ResolvePrincipal validates cred with the identity provider and reads the
// role through the privileged reader. Exactly one attempt is made against
// each collaborator.
//
// Errors: ErrUnauthenticated for an absent or rejected credential. Under
// FailClosed a lookup failure also returns ErrUnauthenticated (no profile) or
// ErrServiceUnavailable, both wrapping ErrLookupDegraded.
func (a *Authorizer) ResolvePrincipal(ctx context.Context, cred Credential) (*Principal, error) {
	ctx, span := a.tracer.Start(ctx, "auth.resolve_principal",
		trace.WithAttributes(attribute.String("auth.source", string(cred.Source))))
	defer span.End()

	if cred.Token == "" {
		span.SetStatus(codes.Error, "missing credential")
		return nil, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	id, err := a.identity.ValidateCredential(ctx, cred.Token)
	if err != nil {
		span.SetStatus(codes.Error, "credential rejected")
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if id.UserID == "" {
		span.SetStatus(codes.Error, "credential has no subject")
		return nil, fmt.Errorf("%w: identity provider returned no user id", ErrUnauthenticated)
	}

	role, lookupErr := a.lookupRole(ctx, id.UserID)
	if lookupErr == nil {
		span.SetAttributes(attribute.String("auth.role", string(role)), attribute.Bool("auth.degraded", false))
		return &Principal{UserID: id.UserID, Email: id.Email, Role: role}, nil
	}

	span.SetAttributes(attribute.Bool("auth.degraded", true))
	span.RecordError(lookupErr)

	if a.policy == FailOpen {
		a.logger.Warn().
			Err(lookupErr).
			Str("user_id", id.UserID).
			Str("fallback_role", string(LowestPrivilegeRole)).
			Msg("role lookup degraded, falling back to lowest privilege")
		span.SetAttributes(attribute.String("auth.role", string(LowestPrivilegeRole)))
		return &Principal{UserID: id.UserID, Email: id.Email, Role: LowestPrivilegeRole, Degraded: true}, nil
	}

	a.logger.Error().
		Err(lookupErr).
		Str("user_id", id.UserID).
		Msg("role lookup failed, rejecting request")
	span.SetStatus(codes.Error, "role lookup failed")
	if errors.Is(lookupErr, ErrRoleNotFound) {
		return nil, fmt.Errorf("%w: %w: %w", ErrUnauthenticated, ErrLookupDegraded, lookupErr)
	}
	return nil, fmt.Errorf("%w: %w: %w", ErrServiceUnavailable, ErrLookupDegraded, lookupErr)
}

func (a *Authorizer) lookupRole(ctx context.Context, userID string) (Role, error) {
	if a.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.lookupTimeout)
		defer cancel()
	}
	role, err := a.roles.GetRole(ctx, userID)
	if err != nil {
		return "", err
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return role, nil
}

// Authorize is the method form of the package-level Authorize.
func (a *Authorizer) Authorize(principal *Principal, required ...Role) Verdict {
	return Authorize(principal, required...)
}

// Evaluate resolves cred and authorizes it in one step. The returned error is
// non-nil only when the authorizer could not reach a verdict
// (ErrServiceUnavailable); authentication failures become an
// unauthenticated verdict.
func (a *Authorizer) Evaluate(ctx context.Context, cred Credential, required ...Role) (Verdict, error) {
	p, err := a.ResolvePrincipal(ctx, cred)
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) {
			return Verdict{Reason: ReasonUnauthenticated}, err
		}
		return Authorize(nil, required...), nil
	}
	return Authorize(p, required...), nil
}
