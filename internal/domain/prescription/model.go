package prescription

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalid         = errors.New("invalid prescription")
	ErrNotFound        = errors.New("prescription not found")
	ErrNotOwner        = errors.New("prescription belongs to another patient")
	ErrAlreadyReviewed = errors.New("prescription has already been reviewed")
	ErrDuplicateNumber = errors.New("prescription number already exists for patient")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Prescription maps to the prescriptions table. The uploaded file lives in
// the blob store under FileKey.
type Prescription struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PrescriptionNumber string     `db:"prescription_number" json:"prescription_number"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID           *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Status             Status     `db:"status" json:"status"`
	FileKey            string     `db:"file_key" json:"-"`
	FileName           string     `db:"file_name" json:"file_name"`
	ContentType        string     `db:"content_type" json:"content_type"`
	FileSize           int64      `db:"file_size" json:"file_size"`
	Notes              string     `db:"notes" json:"notes,omitempty"`
	ReviewNotes        string     `db:"review_notes" json:"review_notes,omitempty"`
	ReviewedAt         *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}
