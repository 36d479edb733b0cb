package patient

import (
	"time"

	"github.com/google/uuid"
)

// DemoPatients returns fixed patients for development deployments without a
// patient database. IDs are stable across restarts.
func DemoPatients() []*Patient {
	hr := func(v float64) *float64 { return &v }
	dob := func(y int, m time.Month, d int) *time.Time {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &t
	}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []*Patient{
		{
			ID:          uuid.MustParse("6f1c2a4e-8b3d-4c1a-9e2f-0a1b2c3d4e01"),
			MRN:         "MRN-1001",
			DisplayName: "Ana Souza",
			BirthDate:   dob(1958, time.April, 12),
			History:     []string{"hypertension", "type 2 diabetes"},
			Allergies:   []string{"penicillin"},
			Vitals:      Vitals{HeartRate: hr(78), BloodPressure: "142/88"},
			CreatedAt:   created,
		},
		{
			ID:          uuid.MustParse("6f1c2a4e-8b3d-4c1a-9e2f-0a1b2c3d4e02"),
			MRN:         "MRN-1002",
			DisplayName: "Jonas Berg",
			BirthDate:   dob(1971, time.September, 3),
			History:     []string{"prior myocardial infarction"},
			Allergies:   []string{},
			Vitals:      Vitals{HeartRate: hr(64), BloodPressure: "128/80"},
			CreatedAt:   created,
		},
		{
			ID:          uuid.MustParse("6f1c2a4e-8b3d-4c1a-9e2f-0a1b2c3d4e03"),
			MRN:         "MRN-1003",
			DisplayName: "Mei Tanaka",
			BirthDate:   dob(1990, time.January, 27),
			History:     []string{},
			Allergies:   []string{"latex"},
			Vitals:      Vitals{HeartRate: hr(88)},
			CreatedAt:   created,
		},
	}
}
