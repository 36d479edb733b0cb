// Package report presents classified records to the reviewing clinician. A
// report is either generated or reviewed; acknowledging moves it to reviewed
// once and never back. Export is offered only for records the classification
// marked exportable.
package report

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/record"
)

var (
	ErrNotExportable     = errors.New("record is not exportable")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// State is the review state of a report.
type State string

const (
	StateGenerated State = "generated"
	StateReviewed  State = "reviewed"
)

// Action names an operation the presenter offers on a report.
type Action string

const (
	ActionAcknowledge Action = "acknowledge"
	ActionExport      Action = "export"
)

// ActionState says whether an action is currently available and, if not, why.
type ActionState struct {
	Name    Action `json:"name"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// MetricLine is one derived metric formatted for display.
type MetricLine struct {
	Key     classification.MetricKey `json:"key"`
	Label   string                   `json:"label"`
	Unit    string                   `json:"unit"`
	Value   float64                  `json:"value"`
	Display string                   `json:"display"`
}

// Report is the clinician-facing view of one record.
type Report struct {
	RecordID        uuid.UUID             `json:"record_id"`
	PatientID       uuid.UUID             `json:"patient_id"`
	CapturedAt      time.Time             `json:"captured_at"`
	RecordType      capture.RecordType    `json:"record_type"`
	State           State                 `json:"state"`
	Status          classification.Status `json:"status"`
	Priority        string                `json:"priority"`
	Confidence      float64               `json:"confidence"`
	ClassifiedBy    classification.Source `json:"classified_by"`
	Rule            string                `json:"rule,omitempty"`
	Findings        []string              `json:"findings"`
	Recommendations []string              `json:"recommendations"`
	Metrics         []MetricLine          `json:"metrics"`
	Acquisition     record.Acquisition    `json:"acquisition"`
	TechnicianNote  *string               `json:"technician_note,omitempty"`
	ImageRefs       []string              `json:"image_refs"`
	Exportable      bool                  `json:"exportable"`
	ReviewedAt      *time.Time            `json:"reviewed_at,omitempty"`
	ReviewedBy      string                `json:"reviewed_by,omitempty"`
	Actions         []ActionState         `json:"actions"`
}

// Present builds the report view of r.
func Present(r *record.Record) Report {
	r = r.Clone()
	state := StateGenerated
	if r.Reviewed {
		state = StateReviewed
	}

	rep := Report{
		RecordID:        r.ID,
		PatientID:       r.PatientID,
		CapturedAt:      r.CapturedAt,
		RecordType:      r.RecordType,
		State:           state,
		Status:          r.Status,
		Priority:        r.Priority,
		Confidence:      r.Confidence,
		ClassifiedBy:    r.ClassifiedBy,
		Rule:            r.Rule,
		Findings:        r.Findings,
		Recommendations: r.Recommendations,
		Metrics:         MetricLines(r.Metrics),
		Acquisition:     r.Acquisition,
		TechnicianNote:  r.TechnicianNote,
		ImageRefs:       r.ImageRefs,
		Exportable:      r.Exportable,
		ReviewedAt:      r.ReviewedAt,
		ReviewedBy:      r.ReviewedBy,
	}
	rep.Actions = []ActionState{acknowledgeAction(state), exportAction(r)}
	return rep
}

func acknowledgeAction(s State) ActionState {
	if s == StateReviewed {
		return ActionState{Name: ActionAcknowledge, Reason: "already reviewed"}
	}
	return ActionState{Name: ActionAcknowledge, Enabled: true}
}

func exportAction(r *record.Record) ActionState {
	if r.Exportable {
		return ActionState{Name: ActionExport, Enabled: true}
	}
	return ActionState{Name: ActionExport, Reason: "withheld by classification (" + string(r.Status) + ")"}
}

// Enabled reports whether action a is available on the report.
func (r Report) Enabled(a Action) bool {
	for _, s := range r.Actions {
		if s.Name == a {
			return s.Enabled
		}
	}
	return false
}

// MetricLines formats m in display order.
func MetricLines(m classification.Metrics) []MetricLine {
	lines := make([]MetricLine, 0, len(classification.MetricDefs))
	for _, d := range classification.MetricDefs {
		v, _ := m.Value(d.Key)
		lines = append(lines, MetricLine{
			Key:     d.Key,
			Label:   d.Label,
			Unit:    d.Unit,
			Value:   v,
			Display: strconv.FormatFloat(v, 'f', -1, 64) + " " + d.Unit,
		})
	}
	return lines
}
