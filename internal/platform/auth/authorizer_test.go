package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	users map[string]Identity
	calls atomic.Int32
}

func (f *fakeIdentity) ValidateCredential(_ context.Context, token string) (Identity, error) {
	f.calls.Add(1)
	id, ok := f.users[token]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}
	return id, nil
}

type fakeRoles struct {
	roles map[string]Role
	err   error
	calls atomic.Int32
}

func (f *fakeRoles) GetRole(ctx context.Context, userID string) (Role, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, ok := f.roles[userID]
	if !ok {
		return "", ErrRoleNotFound
	}
	return r, nil
}

type slowRoles struct{}

func (slowRoles) GetRole(ctx context.Context, _ string) (Role, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newTestAuthorizer(t *testing.T, roles PrivilegedReader, policy LookupPolicy) (*Authorizer, *fakeIdentity) {
	t.Helper()
	idp := &fakeIdentity{users: map[string]Identity{
		"tok-patient": {UserID: "u-patient", Email: "pat@example.com"},
		"tok-doctor":  {UserID: "u-doctor", Email: "doc@example.com"},
		"tok-admin":   {UserID: "u-admin", Email: "admin@example.com"},
		"tok-orphan":  {UserID: "u-orphan"},
	}}
	a, err := NewAuthorizer(Config{
		Identity: idp,
		Roles:    roles,
		Policy:   policy,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return a, idp
}

func defaultRoles() *fakeRoles {
	return &fakeRoles{roles: map[string]Role{
		"u-patient": RolePatient,
		"u-doctor":  RoleDoctor,
		"u-admin":   RoleAdmin,
	}}
}

func TestNewAuthorizer_Validation(t *testing.T) {
	_, err := NewAuthorizer(Config{Roles: defaultRoles()})
	assert.Error(t, err)

	_, err = NewAuthorizer(Config{Identity: &fakeIdentity{}})
	assert.Error(t, err)

	_, err = NewAuthorizer(Config{Identity: &fakeIdentity{}, Roles: defaultRoles(), Policy: "maybe"})
	assert.Error(t, err)

	a, err := NewAuthorizer(Config{Identity: &fakeIdentity{}, Roles: defaultRoles()})
	require.NoError(t, err)
	assert.Equal(t, FailOpen, a.Policy())
}

func TestResolvePrincipal_Roles(t *testing.T) {
	a, _ := newTestAuthorizer(t, defaultRoles(), FailOpen)

	tests := []struct {
		token string
		user  string
		role  Role
	}{
		{"tok-patient", "u-patient", RolePatient},
		{"tok-doctor", "u-doctor", RoleDoctor},
		{"tok-admin", "u-admin", RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			p, err := a.ResolvePrincipal(context.Background(), Credential{Token: tt.token, Source: SourceBearer})
			require.NoError(t, err)
			assert.Equal(t, tt.user, p.UserID)
			assert.Equal(t, tt.role, p.Role)
			assert.False(t, p.Degraded)
		})
	}
}

func TestResolvePrincipal_Unauthenticated(t *testing.T) {
	roles := defaultRoles()
	a, _ := newTestAuthorizer(t, roles, FailOpen)

	for _, token := range []string{"", "garbage", "tok-unknown"} {
		_, err := a.ResolvePrincipal(context.Background(), Credential{Token: token, Source: SourceCookie})
		assert.ErrorIs(t, err, ErrUnauthenticated, "token %q", token)

		v, err := a.Evaluate(context.Background(), Credential{Token: token}, RolePatient, RoleDoctor, RoleAdmin)
		require.NoError(t, err)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonUnauthenticated, v.Reason)
		assert.Nil(t, v.Principal)
	}
	assert.Zero(t, roles.calls.Load(), "role store must not be read for rejected credentials")
}

func TestResolvePrincipal_FailOpenOnLookupError(t *testing.T) {
	roles := &fakeRoles{err: errors.New("connection refused")}
	a, _ := newTestAuthorizer(t, roles, FailOpen)

	p, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok-admin", Source: SourceBearer})
	require.NoError(t, err)
	assert.Equal(t, LowestPrivilegeRole, p.Role)
	assert.True(t, p.Degraded)
	assert.Equal(t, int32(1), roles.calls.Load(), "lookup is attempted exactly once")

	v := a.Authorize(p, RoleAdmin)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonForbidden, v.Reason)
}

func TestResolvePrincipal_FailOpenOnMissingProfile(t *testing.T) {
	a, _ := newTestAuthorizer(t, defaultRoles(), FailOpen)

	p, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok-orphan"})
	require.NoError(t, err)
	assert.Equal(t, RolePatient, p.Role)
	assert.True(t, p.Degraded)
}

func TestResolvePrincipal_FailOpenOnUnknownRole(t *testing.T) {
	roles := &fakeRoles{roles: map[string]Role{"u-doctor": "pharmacist"}}
	a, _ := newTestAuthorizer(t, roles, FailOpen)

	p, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok-doctor"})
	require.NoError(t, err)
	assert.Equal(t, RolePatient, p.Role)
}

func TestResolvePrincipal_FailClosed(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		a, _ := newTestAuthorizer(t, &fakeRoles{err: errors.New("timeout")}, FailClosed)
		_, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok-doctor"})
		assert.ErrorIs(t, err, ErrServiceUnavailable)
		assert.ErrorIs(t, err, ErrLookupDegraded)

		v, err := a.Evaluate(context.Background(), Credential{Token: "tok-doctor"}, RoleDoctor)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
		assert.False(t, v.Allowed)
	})

	t.Run("missing profile", func(t *testing.T) {
		a, _ := newTestAuthorizer(t, defaultRoles(), FailClosed)
		_, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok-orphan"})
		assert.ErrorIs(t, err, ErrUnauthenticated)
		assert.ErrorIs(t, err, ErrRoleNotFound)

		v, err := a.Evaluate(context.Background(), Credential{Token: "tok-orphan"}, RolePatient)
		require.NoError(t, err)
		assert.Equal(t, ReasonUnauthenticated, v.Reason)
	})
}

func TestResolvePrincipal_LookupTimeout(t *testing.T) {
	idp := &fakeIdentity{users: map[string]Identity{"tok": {UserID: "u1"}}}
	a, err := NewAuthorizer(Config{
		Identity:      idp,
		Roles:         slowRoles{},
		LookupTimeout: 20 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	start := time.Now()
	p, err := a.ResolvePrincipal(context.Background(), Credential{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, RolePatient, p.Role)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvaluate_Allowed(t *testing.T) {
	a, _ := newTestAuthorizer(t, defaultRoles(), FailOpen)

	v, err := a.Evaluate(context.Background(), Credential{Token: "tok-doctor"}, RoleDoctor, RoleAdmin)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, ReasonOK, v.Reason)
	require.NotNil(t, v.Principal)
	assert.Equal(t, "u-doctor", v.Principal.UserID)

	v, err = a.Evaluate(context.Background(), Credential{Token: "tok-patient"}, RoleAdmin)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonForbidden, v.Reason)
}

func TestParseLookupPolicy(t *testing.T) {
	p, err := ParseLookupPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLookupPolicy, p)

	p, err = ParseLookupPolicy("fail-closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	_, err = ParseLookupPolicy("fail-sideways")
	assert.Error(t, err)
}
