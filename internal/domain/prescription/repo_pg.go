package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxportal/rxportal/internal/platform/db"
)

const numberConstraint = "prescriptions_patient_number_key"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const rxCols = `id, prescription_number, patient_id, doctor_id, status, file_key, file_name,
	content_type, file_size, notes, review_notes, reviewed_at, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var status string
	err := row.Scan(&p.ID, &p.PrescriptionNumber, &p.PatientID, &p.DoctorID, &status, &p.FileKey, &p.FileName,
		&p.ContentType, &p.FileSize, &p.Notes, &p.ReviewNotes, &p.ReviewedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, prescription_number, patient_id, status, file_key, file_name,
			content_type, file_size, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.PrescriptionNumber, p.PatientID, string(p.Status), p.FileKey, p.FileName,
		p.ContentType, p.FileSize, p.Notes).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, numberConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, p.PrescriptionNumber)
		}
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescriptions WHERE id = $1`, id))
}

func (r *prescriptionRepoPG) Review(ctx context.Context, id uuid.UUID, d Decision) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions
		SET status=$2, doctor_id=$3, review_notes=$4, reviewed_at=$5, updated_at=NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+rxCols,
		id, string(d.Status), d.DoctorID, d.Notes, d.ReviewedAt))
	if errors.Is(err, ErrNotFound) {
		// Either missing or already reviewed; tell them apart.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyReviewed
	}
	return p, err
}

func (r *prescriptionRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Prescription, int, error) {
	var clauses []string
	var args []interface{}
	if filter.PatientID != uuid.Nil {
		args = append(args, filter.PatientID)
		clauses = append(clauses, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	order := "created_at DESC"
	if filter.Status == StatusPending {
		order = "created_at ASC"
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+rxCols+` FROM prescriptions%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		where, order, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
