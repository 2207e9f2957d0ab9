package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalid           = errors.New("invalid order")
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusChanged     = errors.New("order status changed concurrently")
	ErrNotOwner          = errors.New("order belongs to another patient")
	ErrDuplicateNumber   = errors.New("order number already exists")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the statuses reachable from each status. Delivered and
// cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an order in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order maps to the orders table.
type Order struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	OrderNumber     string      `db:"order_number" json:"order_number"`
	PatientID       uuid.UUID   `db:"patient_id" json:"patient_id"`
	PrescriptionID  *uuid.UUID  `db:"prescription_id" json:"prescription_id,omitempty"`
	Status          Status      `db:"status" json:"status"`
	TotalAmount     float64     `db:"total_amount" json:"total_amount"`
	ShippingAddress string      `db:"shipping_address" json:"shipping_address"`
	Notes           string      `db:"notes" json:"notes,omitempty"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem maps to the order_items table.
type OrderItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OrderID     uuid.UUID `db:"order_id" json:"order_id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UnitPrice   float64   `db:"unit_price" json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (i OrderItem) Subtotal() float64 {
	return float64(i.Quantity) * i.UnitPrice
}
