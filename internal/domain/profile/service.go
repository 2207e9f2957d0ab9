package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rxportal/rxportal/internal/platform/auth"
)

type Service struct {
	profiles Repository
}

func NewService(profiles Repository) *Service {
	return &Service{profiles: profiles}
}

// Me returns the caller's profile, creating it on first visit. The role on
// the returned profile is the one the authorizer resolved for this request,
// which differs from the stored role only when the lookup was degraded.
func (s *Service) Me(ctx context.Context, p *auth.Principal) (*Profile, error) {
	id, err := uuid.Parse(p.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q", p.UserID)
	}

	prof, err := s.profiles.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		prof = &Profile{ID: id, Email: p.Email, Role: auth.LowestPrivilegeRole}
		if err := s.profiles.Upsert(ctx, prof); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	out := *prof
	out.Role = p.Role
	return &out, nil
}

func (s *Service) UpdateContact(ctx context.Context, id uuid.UUID, fullName, phone string) (*Profile, error) {
	fullName = strings.TrimSpace(fullName)
	phone = strings.TrimSpace(phone)
	if fullName == "" {
		return nil, fmt.Errorf("full_name is required")
	}
	if len(fullName) > 255 {
		return nil, fmt.Errorf("full_name must be at most 255 characters")
	}
	if len(phone) > 32 {
		return nil, fmt.Errorf("phone must be at most 32 characters")
	}
	return s.profiles.UpdateContact(ctx, id, fullName, phone)
}

func (s *Service) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return s.profiles.GetByID(ctx, id)
}

func (s *Service) ListProfiles(ctx context.Context, role string, limit, offset int) ([]*Profile, int, error) {
	var r auth.Role
	if role != "" {
		parsed, err := auth.ParseRole(role)
		if err != nil {
			return nil, 0, err
		}
		r = parsed
	}
	return s.profiles.List(ctx, r, limit, offset)
}

// SetRole changes a user's role. An admin cannot change their own role, so
// the last admin cannot lock everyone out by accident.
func (s *Service) SetRole(ctx context.Context, actor uuid.UUID, id uuid.UUID, role string) (*Profile, error) {
	r, err := auth.ParseRole(role)
	if err != nil {
		return nil, err
	}
	if actor == id {
		return nil, ErrSelfDemotion
	}
	return s.profiles.UpdateRole(ctx, id, r)
}
