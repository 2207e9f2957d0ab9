package profile

import (
	"context"

	"github.com/google/uuid"

	"github.com/rxportal/rxportal/internal/platform/auth"
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	// Upsert creates the profile on first sight of a user and otherwise
	// refreshes email. Role is never changed by Upsert.
	Upsert(ctx context.Context, p *Profile) error
	UpdateContact(ctx context.Context, id uuid.UUID, fullName, phone string) (*Profile, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role auth.Role) (*Profile, error)
	// List filters by role when role is non-empty.
	List(ctx context.Context, role auth.Role, limit, offset int) ([]*Profile, int, error)
}
