package prescription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/internal/platform/blobstore"
	"github.com/rxportal/rxportal/internal/platform/idgen"
)

// NumberSource mints prescription numbers. *idgen.Generator satisfies it.
type NumberSource interface {
	Prescription() idgen.Identifier
}

const (
	maxNotes       = 2000
	maxReviewNotes = 2000
)

type Service struct {
	prescriptions Repository
	blobs         blobstore.BlobStore
	numbers       NumberSource
	urlTTL        time.Duration
	now           func() time.Time
}

func NewService(prescriptions Repository, blobs blobstore.BlobStore, numbers NumberSource, urlTTL time.Duration) *Service {
	return &Service{
		prescriptions: prescriptions,
		blobs:         blobs,
		numbers:       numbers,
		urlTTL:        urlTTL,
		now:           time.Now,
	}
}

// Upload is a file submitted by a patient.
type Upload struct {
	FileName    string
	ContentType string
	Content     io.Reader
	Notes       string
}

// Submit stores the file and records a pending prescription. It mints
// exactly one prescription number, which also scopes the object key. When
// the insert fails the stored file is removed again.
func (s *Service) Submit(ctx context.Context, patientID uuid.UUID, up Upload) (*Prescription, error) {
	if patientID == uuid.Nil {
		return nil, invalid("patient_id is required")
	}
	up.Notes = strings.TrimSpace(up.Notes)
	if len(up.Notes) > maxNotes {
		return nil, invalid("notes must be at most %d characters", maxNotes)
	}

	number := s.numbers.Prescription().Value
	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		Key:         blobstore.ObjectKey(patientID.String(), number, up.FileName),
		FileName:    up.FileName,
		ContentType: up.ContentType,
		OwnerID:     patientID.String(),
	}, up.Content)
	if err != nil {
		return nil, err
	}

	p := &Prescription{
		PrescriptionNumber: number,
		PatientID:          patientID,
		Status:             StatusPending,
		FileKey:            meta.Key,
		FileName:           meta.FileName,
		ContentType:        meta.ContentType,
		FileSize:           meta.Size,
		Notes:              up.Notes,
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		if delErr := s.blobs.Delete(ctx, meta.Key); delErr != nil {
			zerolog.Ctx(ctx).Warn().Err(delErr).Str("file_key", meta.Key).Msg("orphaned prescription file")
		}
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("prescription_id", p.ID.String()).
		Str("prescription_number", p.PrescriptionNumber).
		Int64("size", p.FileSize).
		Msg("prescription submitted")
	return p, nil
}

// CanView reports whether p may see rx: the owner, doctors and admins.
func CanView(p *auth.Principal, rx *Prescription) bool {
	if p == nil {
		return false
	}
	switch p.Role {
	case auth.RoleDoctor, auth.RoleAdmin:
		return true
	}
	return p.UserID == rx.PatientID.String()
}

func (s *Service) GetFor(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Prescription, error) {
	rx, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(p, rx) {
		return nil, ErrNotOwner
	}
	return rx, nil
}

// SignedFile is a short-lived download link for a prescription file.
type SignedFile struct {
	URL       string    `json:"url"`
	FileName  string    `json:"file_name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FileURL presigns the prescription file for p.
func (s *Service) FileURL(ctx context.Context, p *auth.Principal, id uuid.UUID) (*SignedFile, error) {
	rx, err := s.GetFor(ctx, p, id)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.SignedURL(ctx, rx.FileKey, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", rx.FileKey, err)
	}
	return &SignedFile{URL: url, FileName: rx.FileName, ExpiresAt: s.now().Add(s.urlTTL).UTC()}, nil
}

func (s *Service) ListPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Prescription, int, error) {
	st, err := parseStatusFilter(status)
	if err != nil {
		return nil, 0, err
	}
	return s.prescriptions.List(ctx, ListFilter{PatientID: patientID, Status: st}, limit, offset)
}

// ListForReview lists prescriptions across patients; status defaults to
// pending, and "all" removes the filter.
func (s *Service) ListForReview(ctx context.Context, status string, limit, offset int) ([]*Prescription, int, error) {
	var st Status
	switch status {
	case "":
		st = StatusPending
	case "all":
	default:
		parsed, err := parseStatusFilter(status)
		if err != nil {
			return nil, 0, err
		}
		st = parsed
	}
	return s.prescriptions.List(ctx, ListFilter{Status: st}, limit, offset)
}

// Approve marks a pending prescription approved by doctorID.
func (s *Service) Approve(ctx context.Context, doctorID, id uuid.UUID, notes string) (*Prescription, error) {
	return s.review(ctx, doctorID, id, StatusApproved, notes)
}

// Reject marks a pending prescription rejected. A reason is required so
// the patient can act on it.
func (s *Service) Reject(ctx context.Context, doctorID, id uuid.UUID, reason string) (*Prescription, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("a reason is required to reject a prescription")
	}
	return s.review(ctx, doctorID, id, StatusRejected, reason)
}

func (s *Service) review(ctx context.Context, doctorID, id uuid.UUID, to Status, notes string) (*Prescription, error) {
	notes = strings.TrimSpace(notes)
	if len(notes) > maxReviewNotes {
		return nil, invalid("notes must be at most %d characters", maxReviewNotes)
	}
	rx, err := s.prescriptions.Review(ctx, id, Decision{
		DoctorID:   doctorID,
		Status:     to,
		Notes:      notes,
		ReviewedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("prescription_id", id.String()).
		Str("doctor_id", doctorID.String()).
		Str("status", string(to)).
		Msg("prescription reviewed")
	return rx, nil
}

// ApprovedForPatient reports whether id is an approved prescription of
// patientID. Orders use it to validate prescription_id.
func (s *Service) ApprovedForPatient(ctx context.Context, id, patientID uuid.UUID) (bool, error) {
	rx, err := s.prescriptions.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rx.PatientID == patientID && rx.Status == StatusApproved, nil
}

func parseStatusFilter(s string) (Status, error) {
	if s == "" {
		return "", nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", invalid("unknown status %q", s)
	}
	return st, nil
}

// invalid wraps a validation failure in ErrInvalid.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
