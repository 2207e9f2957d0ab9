package profile

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rxportal/rxportal/internal/platform/auth"
)

var (
	ErrNotFound     = errors.New("profile not found")
	ErrSelfDemotion = errors.New("admins cannot change their own role")
)

// Profile maps to the profiles table. ID is the identity provider's user id.
type Profile struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Role      auth.Role `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
