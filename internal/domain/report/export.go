package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format is an export encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a query value to a Format. Empty selects text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText, "txt":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	}
	return "text/plain; charset=utf-8"
}

func (f Format) extension() string {
	if f == FormatText {
		return "txt"
	}
	return string(f)
}

// FileName is the download name for rep in format f.
func FileName(rep Report, f Format) string {
	return fmt.Sprintf("ecg_%s_%s.%s", rep.CapturedAt.UTC().Format("20060102"), rep.RecordID.String()[:8], f.extension())
}

// Export writes rep to w. Reports whose export action is disabled are refused.
func Export(rep Report, f Format, w io.Writer) error {
	if !rep.Exportable {
		return ErrNotExportable
	}
	switch f {
	case FormatText:
		return writeText(rep, w)
	case FormatJSON:
		return writeJSON(rep, w)
	case FormatCSV:
		return writeCSV(rep, w)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

func writeJSON(rep Report, w io.Writer) error {
	out := rep
	out.Actions = nil
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("report export json: %w", err)
	}
	return nil
}

func writeCSV(rep Report, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"record_id", "captured_at", "status", "metric", "value", "unit"}); err != nil {
		return fmt.Errorf("report export csv: write header: %w", err)
	}
	for _, m := range rep.Metrics {
		row := []string{
			rep.RecordID.String(),
			rep.CapturedAt.UTC().Format(time.RFC3339),
			string(rep.Status),
			string(m.Key),
			strconv.FormatFloat(m.Value, 'f', -1, 64),
			m.Unit,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report export csv: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeText(rep Report, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "ECG REPORT %s\n", rep.RecordID)
	fmt.Fprintf(&b, "Patient:      %s\n", rep.PatientID)
	fmt.Fprintf(&b, "Captured:     %s\n", rep.CapturedAt.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Type:         %s\n", rep.RecordType)
	fmt.Fprintf(&b, "Status:       %s (priority %s, confidence %.0f%%)\n", rep.Status, rep.Priority, rep.Confidence*100)
	fmt.Fprintf(&b, "Classified by %s", rep.ClassifiedBy)
	if rep.Rule != "" {
		fmt.Fprintf(&b, " rule %s", rep.Rule)
	}
	b.WriteString("\n\nAcquisition\n")
	fmt.Fprintf(&b, "  Leads:        %s\n", rep.Acquisition.LeadConfiguration)
	fmt.Fprintf(&b, "  Voltage:      %s\n", rep.Acquisition.VoltageScale)
	fmt.Fprintf(&b, "  Paper speed:  %s\n", rep.Acquisition.PaperSpeed)
	fmt.Fprintf(&b, "  Reason:       %s\n", rep.Acquisition.ClinicalReason)

	b.WriteString("\nMeasurements\n")
	for _, m := range rep.Metrics {
		fmt.Fprintf(&b, "  %-14s %s\n", m.Label+":", m.Display)
	}
	writeList(&b, "Findings", rep.Findings)
	writeList(&b, "Recommendations", rep.Recommendations)

	if rep.TechnicianNote != nil {
		fmt.Fprintf(&b, "\nTechnician note: %s\n", *rep.TechnicianNote)
	}
	if rep.State == StateReviewed && rep.ReviewedAt != nil {
		fmt.Fprintf(&b, "\nReviewed by %s at %s\n", rep.ReviewedBy, rep.ReviewedAt.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("\nNot yet reviewed\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeList(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n%s\n", title)
	if len(items) == 0 {
		b.WriteString("  none\n")
		return
	}
	for i, s := range items {
		fmt.Fprintf(b, "  %d. %s\n", i+1, s)
	}
}
