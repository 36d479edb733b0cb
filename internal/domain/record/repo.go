package record

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the append-only record collection. Records are never deleted and
// their clinical content is never rewritten; corrections are new records.
type Store interface {
	// Append stores r and assigns its insertion sequence.
	Append(ctx context.Context, r *Record) error
	// SetReviewed marks the record reviewed. It is idempotent: the returned
	// bool is false when the record was already reviewed, and the first
	// reviewer and time are kept.
	SetReviewed(ctx context.Context, id uuid.UUID, by string, at time.Time) (*Record, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// ByPatient returns the patient's records ascending by capturedAt, ties
	// in insertion order.
	ByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error)
}
