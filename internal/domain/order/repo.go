package order

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the order and its items. A clash on order_number
	// returns ErrDuplicateNumber.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// UpdateStatus moves the order from one status to another and fails
	// with ErrStatusChanged when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Order, error)
	// List filters by patient and status when they are non-zero.
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Order, int, error)
}

type ListFilter struct {
	PatientID uuid.UUID
	Status    Status
}
