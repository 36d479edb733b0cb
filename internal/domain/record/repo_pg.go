package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by the ecg_record table.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const recordCols = `id, patient_id, draft_id, seq, captured_at,
	record_type, status, heart_rate, pr_interval, qrs_duration, qt_interval,
	findings, recommendations, priority, confidence, classified_by, rule_name, fallback_reason, exportable,
	reviewed, reviewed_at, reviewed_by,
	technician_note, lead_configuration, voltage_scale, paper_speed, clinical_reason,
	signals, image_refs, content_hash, operator_id, created_at`

func (s *storePG) Append(ctx context.Context, r *Record) error {
	if len(r.ImageRefs) == 0 {
		return ErrNoImages
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO ecg_record (
			id, patient_id, draft_id, captured_at,
			record_type, status, heart_rate, pr_interval, qrs_duration, qt_interval,
			findings, recommendations, priority, confidence, classified_by, rule_name, fallback_reason, exportable,
			technician_note, lead_configuration, voltage_scale, paper_speed, clinical_reason,
			signals, image_refs, content_hash, operator_id, created_at
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,$8,$9,$10,
			$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,
			$24,$25,$26,$27,$28
		) RETURNING seq`,
		r.ID, r.PatientID, r.DraftID, r.CapturedAt,
		string(r.RecordType), string(r.Status), r.Metrics.HeartRate, r.Metrics.PRInterval, r.Metrics.QRSDuration, r.Metrics.QTInterval,
		r.Findings, r.Recommendations, r.Priority, r.Confidence, string(r.ClassifiedBy), r.Rule, r.FallbackReason, r.Exportable,
		r.TechnicianNote, r.Acquisition.LeadConfiguration, r.Acquisition.VoltageScale, r.Acquisition.PaperSpeed, r.Acquisition.ClinicalReason,
		r.Signals, r.ImageRefs, r.ContentHash, r.OperatorID, r.CreatedAt,
	).Scan(&r.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *storePG) SetReviewed(ctx context.Context, id uuid.UUID, by string, at time.Time) (*Record, bool, error) {
	var (
		out     *Record
		changed bool
	)
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		r, err := scanRecord(s.conn(ctx).QueryRow(ctx,
			`SELECT `+recordCols+` FROM ecg_record WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if r.Reviewed {
			out = r
			return nil
		}

		r, err = scanRecord(s.conn(ctx).QueryRow(ctx, `
			UPDATE ecg_record SET reviewed = TRUE, reviewed_at = $2, reviewed_by = $3
			WHERE id = $1 RETURNING `+recordCols, id, at.UTC(), by))
		if err != nil {
			return fmt.Errorf("set reviewed: %w", err)
		}
		out, changed = r, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (s *storePG) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(s.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM ecg_record WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *storePG) ByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM ecg_record WHERE patient_id = $1 ORDER BY captured_at ASC, seq ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r                                    Record
		recordType, status, source           string
		reviewedBy                           *string
		findings, recommendations, sig, refs []string
	)
	err := row.Scan(
		&r.ID, &r.PatientID, &r.DraftID, &r.Seq, &r.CapturedAt,
		&recordType, &status, &r.Metrics.HeartRate, &r.Metrics.PRInterval, &r.Metrics.QRSDuration, &r.Metrics.QTInterval,
		&findings, &recommendations, &r.Priority, &r.Confidence, &source, &r.Rule, &r.FallbackReason, &r.Exportable,
		&r.Reviewed, &r.ReviewedAt, &reviewedBy,
		&r.TechnicianNote, &r.Acquisition.LeadConfiguration, &r.Acquisition.VoltageScale, &r.Acquisition.PaperSpeed, &r.Acquisition.ClinicalReason,
		&sig, &refs, &r.ContentHash, &r.OperatorID, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RecordType = capture.RecordType(recordType)
	r.Status = classification.Status(status)
	r.ClassifiedBy = classification.Source(source)
	if reviewedBy != nil {
		r.ReviewedBy = *reviewedBy
	}
	r.Findings = cloneStrings(findings)
	r.Recommendations = cloneStrings(recommendations)
	r.Signals = cloneStrings(sig)
	r.ImageRefs = cloneStrings(refs)
	return &r, nil
}
