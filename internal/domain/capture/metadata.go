package capture

import (
	"sort"
	"strings"
	"time"
)

// RecordType is the kind of tracing being recorded.
type RecordType string

const (
	RecordTypeResting         RecordType = "resting"
	RecordTypeExtendedMonitor RecordType = "extended-monitor"
	RecordTypeStress          RecordType = "stress"
)

var validRecordTypes = map[RecordType]bool{
	RecordTypeResting:         true,
	RecordTypeExtendedMonitor: true,
	RecordTypeStress:          true,
}

func (t RecordType) Valid() bool { return validRecordTypes[t] }

// ClinicalReasonOther is the reason value that requires free text.
const ClinicalReasonOther = "other"

// Metadata holds the operator-supplied acquisition fields of a draft.
type Metadata struct {
	RecordType        RecordType `json:"record_type,omitempty"`
	LeadConfiguration string     `json:"lead_configuration"`
	VoltageScale      string     `json:"voltage_scale"`
	PaperSpeed        string     `json:"paper_speed"`
	ClinicalReason    string     `json:"clinical_reason"`
	OtherReasonText   string     `json:"other_reason_text,omitempty"`
	TechnicianNote    string     `json:"technician_note,omitempty"`
	// Signals are indicator tags the operator observed on the tracing,
	// e.g. "st-elevation" or "sinus-rhythm".
	Signals    []string   `json:"signals,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// Normalized returns a copy with whitespace trimmed, signals lower-cased,
// de-duplicated and sorted, and the record type defaulted to resting.
func (m Metadata) Normalized() Metadata {
	out := m
	out.LeadConfiguration = strings.TrimSpace(m.LeadConfiguration)
	out.VoltageScale = strings.TrimSpace(m.VoltageScale)
	out.PaperSpeed = strings.TrimSpace(m.PaperSpeed)
	out.ClinicalReason = strings.TrimSpace(m.ClinicalReason)
	out.OtherReasonText = strings.TrimSpace(m.OtherReasonText)
	out.TechnicianNote = strings.TrimSpace(m.TechnicianNote)
	if out.RecordType == "" {
		out.RecordType = RecordTypeResting
	}
	out.Signals = NormalizeSignals(m.Signals)
	if m.CapturedAt != nil {
		t := *m.CapturedAt
		out.CapturedAt = &t
	}
	return out
}

// Check returns a MetadataError listing every missing or invalid field, or nil.
func (m Metadata) Check() error {
	n := m.Normalized()
	fields := map[string]string{}
	if n.LeadConfiguration == "" {
		fields["lead_configuration"] = "lead configuration is required"
	}
	if n.VoltageScale == "" {
		fields["voltage_scale"] = "voltage scale is required"
	}
	if n.PaperSpeed == "" {
		fields["paper_speed"] = "paper speed is required"
	}
	if n.ClinicalReason == "" {
		fields["clinical_reason"] = "clinical reason is required"
	} else if strings.EqualFold(n.ClinicalReason, ClinicalReasonOther) && n.OtherReasonText == "" {
		fields["other_reason_text"] = "describe the clinical reason"
	}
	if !n.RecordType.Valid() {
		fields["record_type"] = "record type must be resting, extended-monitor or stress"
	}
	if len(fields) == 0 {
		return nil
	}
	return &MetadataError{Fields: fields}
}

// Reason returns the clinical reason as it should be reported, substituting
// the free text when the reason is "other".
func (m Metadata) Reason() string {
	if strings.EqualFold(strings.TrimSpace(m.ClinicalReason), ClinicalReasonOther) {
		return strings.TrimSpace(m.OtherReasonText)
	}
	return strings.TrimSpace(m.ClinicalReason)
}

// NormalizeSignals lower-cases, trims, de-duplicates and sorts indicator tags.
func NormalizeSignals(signals []string) []string {
	if len(signals) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(signals))
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
