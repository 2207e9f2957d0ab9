package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PrivilegedReader reads a user's role without row-level filtering. It is
// handed only to the Authorizer: the ordinary per-user read path may itself
// depend on the role, so reading the role through it would be circular.
type PrivilegedReader interface {
	GetRole(ctx context.Context, userID string) (Role, error)
}

// pgRow is the subset of pgx.Row the reader uses.
type pgRow interface {
	Scan(dest ...any) error
}

// pgQuerier lets tests substitute the privileged pool.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
}

type poolQuerier struct {
	pool *pgxpool.Pool
}

func (q poolQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return q.pool.QueryRow(ctx, sql, args...)
}

// PGRoleReader reads profiles.role over a service-role connection pool.
// The pool must be opened with credentials that bypass row-level security.
type PGRoleReader struct {
	db pgQuerier
}

// NewPGRoleReader wraps the privileged pool.
func NewPGRoleReader(pool *pgxpool.Pool) *PGRoleReader {
	return &PGRoleReader{db: poolQuerier{pool: pool}}
}

// GetRole returns ErrRoleNotFound when the user has no profile row.
func (r *PGRoleReader) GetRole(ctx context.Context, userID string) (Role, error) {
	const query = `SELECT role FROM profiles WHERE id = $1`

	var raw string
	if err := r.db.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRoleNotFound
		}
		return "", fmt.Errorf("get role: %w", err)
	}
	return ParseRole(raw)
}

// StaticRoleReader serves roles from memory. Used in development mode and
// tests.
type StaticRoleReader struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewStaticRoleReader copies roles into a new reader.
func NewStaticRoleReader(roles map[string]Role) *StaticRoleReader {
	m := make(map[string]Role, len(roles))
	for k, v := range roles {
		m[k] = v
	}
	return &StaticRoleReader{roles: m}
}

// Set assigns a role to a user.
func (s *StaticRoleReader) Set(userID string, role Role) {
	s.mu.Lock()
	s.roles[userID] = role
	s.mu.Unlock()
}

func (s *StaticRoleReader) GetRole(_ context.Context, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[userID]
	if !ok {
		return "", ErrRoleNotFound
	}
	return r, nil
}
