package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rxportal/rxportal/internal/platform/auth"
)

// ── Mock Repository ──

type mockProfileRepo struct {
	data map[uuid.UUID]*Profile
	err  error
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{data: make(map[uuid.UUID]*Profile)}
}

func (m *mockProfileRepo) GetByID(_ context.Context, id uuid.UUID) (*Profile, error) {
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.data[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}
func (m *mockProfileRepo) Upsert(_ context.Context, p *Profile) error {
	if existing, ok := m.data[p.ID]; ok {
		existing.Email = p.Email
		*p = *existing
		return nil
	}
	if p.Role == "" {
		p.Role = auth.LowestPrivilegeRole
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.data[p.ID] = &cp
	return nil
}
func (m *mockProfileRepo) UpdateContact(_ context.Context, id uuid.UUID, fullName, phone string) (*Profile, error) {
	p, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.FullName, p.Phone = fullName, phone
	cp := *p
	return &cp, nil
}
func (m *mockProfileRepo) UpdateRole(_ context.Context, id uuid.UUID, role auth.Role) (*Profile, error) {
	p, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.Role = role
	cp := *p
	return &cp, nil
}
func (m *mockProfileRepo) List(_ context.Context, role auth.Role, limit, offset int) ([]*Profile, int, error) {
	var out []*Profile
	for _, p := range m.data {
		if role == "" || p.Role == role {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockProfileRepo) seed(role auth.Role) *Profile {
	p := &Profile{ID: uuid.New(), Email: string(role) + "@example.com", Role: role}
	m.data[p.ID] = p
	return p
}

func newTestService() (*Service, *mockProfileRepo) {
	repo := newMockProfileRepo()
	return NewService(repo), repo
}

// ── Tests ──

func TestService_Me_CreatesProfileOnFirstVisit(t *testing.T) {
	svc, repo := newTestService()
	id := uuid.New()
	p := &auth.Principal{UserID: id.String(), Email: "new@example.com", Role: auth.RolePatient}

	prof, err := svc.Me(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prof.ID != id || prof.Email != "new@example.com" {
		t.Errorf("unexpected profile: %+v", prof)
	}
	if stored, ok := repo.data[id]; !ok || stored.Role != auth.RolePatient {
		t.Errorf("expected stored patient profile, got %+v", stored)
	}
}

func TestService_Me_ReportsResolvedRole(t *testing.T) {
	svc, repo := newTestService()
	stored := repo.seed(auth.RoleDoctor)

	// A degraded lookup resolves the caller as patient even though the
	// stored role is doctor; /me reflects what the request is allowed to do.
	p := &auth.Principal{UserID: stored.ID.String(), Role: auth.RolePatient, Degraded: true}
	prof, err := svc.Me(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prof.Role != auth.RolePatient {
		t.Errorf("expected resolved role patient, got %s", prof.Role)
	}
	if repo.data[stored.ID].Role != auth.RoleDoctor {
		t.Error("stored role must not change")
	}
}

func TestService_Me_InvalidUserID(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Me(context.Background(), &auth.Principal{UserID: "not-a-uuid"}); err == nil {
		t.Error("expected error for non-uuid user id")
	}
}

func TestService_Me_StoreError(t *testing.T) {
	svc, repo := newTestService()
	repo.err = errors.New("connection refused")
	if _, err := svc.Me(context.Background(), &auth.Principal{UserID: uuid.NewString()}); err == nil {
		t.Error("expected store error")
	}
}

func TestService_UpdateContact(t *testing.T) {
	svc, repo := newTestService()
	p := repo.seed(auth.RolePatient)

	got, err := svc.UpdateContact(context.Background(), p.ID, "  Ada Lovelace ", "+44 20 7946 0000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.FullName != "Ada Lovelace" {
		t.Errorf("expected trimmed name, got %q", got.FullName)
	}

	if _, err := svc.UpdateContact(context.Background(), p.ID, " ", ""); err == nil {
		t.Error("expected error for blank name")
	}
	if _, err := svc.UpdateContact(context.Background(), uuid.New(), "X", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ListProfiles_FilterByRole(t *testing.T) {
	svc, repo := newTestService()
	repo.seed(auth.RolePatient)
	repo.seed(auth.RolePatient)
	repo.seed(auth.RoleDoctor)

	items, total, err := svc.ListProfiles(context.Background(), "patient", 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 patients, got %d", total)
	}

	_, total, _ = svc.ListProfiles(context.Background(), "", 20, 0)
	if total != 3 {
		t.Errorf("expected 3 profiles, got %d", total)
	}

	if _, _, err := svc.ListProfiles(context.Background(), "pharmacist", 20, 0); !errors.Is(err, auth.ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestService_SetRole(t *testing.T) {
	svc, repo := newTestService()
	admin := repo.seed(auth.RoleAdmin)
	user := repo.seed(auth.RolePatient)

	got, err := svc.SetRole(context.Background(), admin.ID, user.ID, "doctor")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != auth.RoleDoctor {
		t.Errorf("expected doctor, got %s", got.Role)
	}

	if _, err := svc.SetRole(context.Background(), admin.ID, admin.ID, "patient"); !errors.Is(err, ErrSelfDemotion) {
		t.Errorf("expected ErrSelfDemotion, got %v", err)
	}
	if _, err := svc.SetRole(context.Background(), admin.ID, user.ID, "superuser"); !errors.Is(err, auth.ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := svc.SetRole(context.Background(), admin.ID, uuid.New(), "doctor"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
