package profile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxportal/rxportal/internal/platform/auth"
	"github.com/rxportal/rxportal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const profileCols = `id, email, full_name, phone, role, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var role string
	if err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.Phone, &role, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if db.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Role = auth.Role(role)
	return &p, nil
}

func (r *profileRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	return scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM profiles WHERE id = $1`, id))
}

func (r *profileRepoPG) Upsert(ctx context.Context, p *Profile) error {
	if p.Role == "" {
		p.Role = auth.LowestPrivilegeRole
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO profiles (id, email, full_name, phone, role)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
		RETURNING `+profileCols,
		p.ID, p.Email, p.FullName, p.Phone, string(p.Role))
	out, err := scanProfile(row)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	*p = *out
	return nil
}

func (r *profileRepoPG) UpdateContact(ctx context.Context, id uuid.UUID, fullName, phone string) (*Profile, error) {
	return scanProfile(r.conn(ctx).QueryRow(ctx, `
		UPDATE profiles SET full_name=$2, phone=$3, updated_at=NOW()
		WHERE id = $1
		RETURNING `+profileCols,
		id, fullName, phone))
}

func (r *profileRepoPG) UpdateRole(ctx context.Context, id uuid.UUID, role auth.Role) (*Profile, error) {
	return scanProfile(r.conn(ctx).QueryRow(ctx, `
		UPDATE profiles SET role=$2, updated_at=NOW()
		WHERE id = $1
		RETURNING `+profileCols,
		id, string(role)))
}

func (r *profileRepoPG) List(ctx context.Context, role auth.Role, limit, offset int) ([]*Profile, int, error) {
	where, args := "", []interface{}{}
	if role != "" {
		where = ` WHERE role = $1`
		args = append(args, string(role))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM profiles`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+profileCols+` FROM profiles%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
