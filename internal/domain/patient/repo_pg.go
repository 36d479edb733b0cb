package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ecgreview/internal/platform/db"
)

type directoryPG struct {
	pool *pgxpool.Pool
}

// NewPGDirectory returns a Directory over the patient table.
func NewPGDirectory(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

func (d *directoryPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, d.pool)
}

const patientCols = `id, mrn, display_name, birth_date, history, allergies, heart_rate, blood_pressure, created_at`

func (d *directoryPG) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(d.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (d *directoryPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := d.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := d.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient ORDER BY display_name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p   Patient
		mrn *string
		bp  *string
	)
	err := row.Scan(&p.ID, &mrn, &p.DisplayName, &p.BirthDate, &p.History, &p.Allergies,
		&p.Vitals.HeartRate, &bp, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if mrn != nil {
		p.MRN = *mrn
	}
	if bp != nil {
		p.Vitals.BloodPressure = *bp
	}
	return &p, nil
}
