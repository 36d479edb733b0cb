package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("record already exists")
	ErrNoImages       = errors.New("record requires at least one image")
	ErrInvalidOutcome = errors.New("invalid classification outcome")
)

// Acquisition is the metadata the tracing was captured with.
type Acquisition struct {
	LeadConfiguration string `json:"lead_configuration"`
	VoltageScale      string `json:"voltage_scale"`
	PaperSpeed        string `json:"paper_speed"`
	ClinicalReason    string `json:"clinical_reason"`
}

// Record is the durable outcome of one classified submission. Only the
// reviewed fields change after creation.
type Record struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	DraftID    uuid.UUID `json:"draft_id"`
	Seq        int64     `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`

	RecordType      capture.RecordType     `json:"record_type"`
	Status          classification.Status  `json:"status"`
	Metrics         classification.Metrics `json:"metrics"`
	Findings        []string               `json:"findings"`
	Recommendations []string               `json:"recommendations"`
	Priority        string                 `json:"priority"`
	Confidence      float64                `json:"confidence"`
	ClassifiedBy    classification.Source  `json:"classified_by"`
	Rule            string                 `json:"rule,omitempty"`
	FallbackReason  string                 `json:"fallback_reason,omitempty"`
	Exportable      bool                   `json:"exportable"`

	Reviewed   bool       `json:"reviewed"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`

	TechnicianNote *string     `json:"technician_note,omitempty"`
	Acquisition    Acquisition `json:"acquisition"`
	Signals        []string    `json:"signals,omitempty"`
	ImageRefs      []string    `json:"image_refs"`
	ContentHash    string      `json:"content_hash"`
	OperatorID     string      `json:"operator_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

// New builds the record for a classified submission. imageRefs are the
// blob keys of the stored images, one per submitted image.
func New(sub capture.Submission, out classification.Outcome, imageRefs []string, now time.Time) (*Record, error) {
	if sub.ImageCount() == 0 || len(imageRefs) == 0 {
		return nil, ErrNoImages
	}
	if len(imageRefs) != sub.ImageCount() {
		return nil, fmt.Errorf("%d image refs for %d images", len(imageRefs), sub.ImageCount())
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidOutcome, out.Status)
	}
	if err := out.Metrics.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}

	meta := sub.Metadata()
	r := &Record{
		ID:              uuid.New(),
		PatientID:       sub.PatientID(),
		DraftID:         sub.DraftID(),
		CapturedAt:      sub.CapturedAt(),
		RecordType:      meta.RecordType,
		Status:          out.Status,
		Metrics:         out.Metrics,
		Findings:        cloneStrings(out.Findings),
		Recommendations: cloneStrings(out.Recommendations),
		Priority:        out.Priority,
		Confidence:      out.Confidence,
		ClassifiedBy:    out.Source,
		Rule:            out.Rule,
		FallbackReason:  out.FallbackReason,
		// critical and pending tracings are never exportable
		Exportable: out.Exportable && out.Status.DefaultExportable(),
		Acquisition: Acquisition{
			LeadConfiguration: meta.LeadConfiguration,
			VoltageScale:      meta.VoltageScale,
			PaperSpeed:        meta.PaperSpeed,
			ClinicalReason:    meta.Reason(),
		},
		Signals:     cloneStrings(meta.Signals),
		ImageRefs:   cloneStrings(imageRefs),
		ContentHash: sub.ContentHash(),
		OperatorID:  sub.OperatorID(),
		CreatedAt:   now.UTC(),
	}
	if meta.TechnicianNote != "" {
		note := meta.TechnicianNote
		r.TechnicianNote = &note
	}
	return r, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	out.Findings = cloneStrings(r.Findings)
	out.Recommendations = cloneStrings(r.Recommendations)
	out.Signals = cloneStrings(r.Signals)
	out.ImageRefs = cloneStrings(r.ImageRefs)
	if r.ReviewedAt != nil {
		at := *r.ReviewedAt
		out.ReviewedAt = &at
	}
	if r.TechnicianNote != nil {
		note := *r.TechnicianNote
		out.TechnicianNote = &note
	}
	return &out
}

// Before reports whether r sorts before o in capture order. Ties on
// capturedAt fall back to insertion order.
func (r *Record) Before(o *Record) bool {
	if !r.CapturedAt.Equal(o.CapturedAt) {
		return r.CapturedAt.Before(o.CapturedAt)
	}
	return r.Seq < o.Seq
}

func cloneStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
