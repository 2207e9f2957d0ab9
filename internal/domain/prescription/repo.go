package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts p. A clash on (patient_id, prescription_number)
	// returns ErrDuplicateNumber.
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// Review records the decision on a pending prescription and fails with
	// ErrAlreadyReviewed when it is no longer pending.
	Review(ctx context.Context, id uuid.UUID, d Decision) (*Prescription, error)
	// List filters by patient and status when they are non-zero. Pending
	// lists are ordered oldest first, everything else newest first.
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Prescription, int, error)
}

type ListFilter struct {
	PatientID uuid.UUID
	Status    Status
}

// Decision is a doctor's review outcome.
type Decision struct {
	DoctorID   uuid.UUID
	Status     Status
	Notes      string
	ReviewedAt time.Time
}
