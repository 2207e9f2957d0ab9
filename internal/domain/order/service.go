package order

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/internal/platform/db"
	"github.com/rxportal/rxportal/internal/platform/idgen"
)

// NumberSource mints order numbers. *idgen.Generator satisfies it.
type NumberSource interface {
	Order() idgen.Identifier
}

// PrescriptionChecker reports whether a prescription exists, belongs to the
// patient and is approved, so an order may reference it.
type PrescriptionChecker interface {
	ApprovedForPatient(ctx context.Context, prescriptionID, patientID uuid.UUID) (bool, error)
}

const (
	maxItems           = 50
	maxQuantity        = 1000
	maxShippingAddress = 1000
)

type Service struct {
	orders        Repository
	tx            db.Beginner
	numbers       NumberSource
	prescriptions PrescriptionChecker
}

// NewService wires the order service. tx may be nil, in which case writes
// run without an explicit transaction (tests with in-memory repositories).
func NewService(orders Repository, tx db.Beginner, numbers NumberSource) *Service {
	return &Service{orders: orders, tx: tx, numbers: numbers}
}

// SetPrescriptionChecker enables validation of prescription_id on create.
func (s *Service) SetPrescriptionChecker(pc PrescriptionChecker) {
	s.prescriptions = pc
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return db.InTx(ctx, s.tx, fn)
}

// CreateOrder validates o, mints exactly one order number and inserts the
// order with its items. The total is computed from the items; an order with
// no items must reference a prescription and starts at zero until priced.
// A clash on the order number surfaces as ErrDuplicateNumber; it is not
// retried here.
func (s *Service) CreateOrder(ctx context.Context, o *Order) error {
	if o.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	o.ShippingAddress = strings.TrimSpace(o.ShippingAddress)
	if o.ShippingAddress == "" {
		return invalid("shipping_address is required")
	}
	if len(o.ShippingAddress) > maxShippingAddress {
		return invalid("shipping_address must be at most %d characters", maxShippingAddress)
	}
	if len(o.Items) == 0 && o.PrescriptionID == nil {
		return invalid("an order needs at least one item or a prescription_id")
	}
	if len(o.Items) > maxItems {
		return invalid("an order may have at most %d items", maxItems)
	}

	var total float64
	for i := range o.Items {
		it := &o.Items[i]
		it.ProductName = strings.TrimSpace(it.ProductName)
		if it.ProductName == "" {
			return invalid("items[%d].product_name is required", i)
		}
		if it.Quantity <= 0 || it.Quantity > maxQuantity {
			return invalid("items[%d].quantity must be between 1 and %d", i, maxQuantity)
		}
		if it.UnitPrice < 0 || math.IsNaN(it.UnitPrice) || math.IsInf(it.UnitPrice, 0) {
			return invalid("items[%d].unit_price must be >= 0", i)
		}
		total += it.Subtotal()
	}
	o.TotalAmount = math.Round(total*100) / 100

	if o.PrescriptionID != nil && s.prescriptions != nil {
		ok, err := s.prescriptions.ApprovedForPatient(ctx, *o.PrescriptionID, o.PatientID)
		if err != nil {
			return fmt.Errorf("check prescription: %w", err)
		}
		if !ok {
			return invalid("prescription_id must reference an approved prescription of the patient")
		}
	}

	o.Status = StatusPending
	o.OrderNumber = s.numbers.Order().Value

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.orders.Create(ctx, o)
	}); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Int("items", len(o.Items)).
		Msg("order created")
	return nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

// GetOrderFor returns the order when p owns it or is an admin.
func (s *Service) GetOrderFor(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(p, o) {
		return nil, ErrNotOwner
	}
	return o, nil
}

// CanView reports whether p may read o: admins see every order, patients
// only their own.
func CanView(p *auth.Principal, o *Order) bool {
	if p == nil {
		return false
	}
	return p.Role == auth.RoleAdmin || p.UserID == o.PatientID.String()
}

func (s *Service) ListPatientOrders(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Order, int, error) {
	st, err := parseStatusFilter(status)
	if err != nil {
		return nil, 0, err
	}
	return s.orders.List(ctx, ListFilter{PatientID: patientID, Status: st}, limit, offset)
}

func (s *Service) ListOrders(ctx context.Context, status string, limit, offset int) ([]*Order, int, error) {
	st, err := parseStatusFilter(status)
	if err != nil {
		return nil, 0, err
	}
	return s.orders.List(ctx, ListFilter{Status: st}, limit, offset)
}

// CancelOrder lets a patient cancel their own order while it is pending.
func (s *Service) CancelOrder(ctx context.Context, patientID, id uuid.UUID) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PatientID != patientID {
		return nil, ErrNotOwner
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: only pending orders can be cancelled (status %s)", ErrInvalidTransition, o.Status)
	}
	return s.orders.UpdateStatus(ctx, id, StatusPending, StatusCancelled)
}

// UpdateStatus moves an order along the fulfilment workflow.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, next string) (*Order, error) {
	to := Status(next)
	if !to.Valid() {
		return nil, invalid("unknown status %q", next)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	updated, err := s.orders.UpdateStatus(ctx, id, o.Status, to)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().
		Str("order_id", id.String()).
		Str("from", string(o.Status)).
		Str("to", string(to)).
		Msg("order status changed")
	return updated, nil
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
