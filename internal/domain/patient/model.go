package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

// Vitals is the latest vitals snapshot on file.
type Vitals struct {
	HeartRate     *float64 `json:"heart_rate,omitempty"`
	BloodPressure string   `json:"blood_pressure,omitempty"`
}

// Patient is read-only here; patients are registered by another system.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	MRN         string     `json:"mrn,omitempty"`
	DisplayName string     `json:"display_name"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	History     []string   `json:"history"`
	Allergies   []string   `json:"allergies"`
	Vitals      Vitals     `json:"vitals"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Directory looks patients up.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
