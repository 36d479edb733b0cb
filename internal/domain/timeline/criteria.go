package timeline

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/record"
)

var ErrInvalidCriteria = errors.New("invalid filter criteria")

const dateLayout = "2006-01-02"

// Criteria is a conjunctive filter over records. Nil fields match everything.
type Criteria struct {
	DateFrom   *time.Time             `json:"date_from,omitempty"`
	DateTo     *time.Time             `json:"date_to,omitempty"`
	RecordType *capture.RecordType    `json:"record_type,omitempty"`
	Status     *classification.Status `json:"status,omitempty"`
	Reviewed   *bool                  `json:"reviewed,omitempty"`
	Exportable *bool                  `json:"exportable,omitempty"`
}

// Validate rejects an inverted date range.
func (c Criteria) Validate() error {
	if c.DateFrom != nil && c.DateTo != nil && c.DateFrom.After(*c.DateTo) {
		return fmt.Errorf("%w: date_from is after date_to", ErrInvalidCriteria)
	}
	return nil
}

// Match reports whether r satisfies every set criterion. Date bounds are inclusive.
func (c Criteria) Match(r *record.Record) bool {
	if c.DateFrom != nil && r.CapturedAt.Before(*c.DateFrom) {
		return false
	}
	if c.DateTo != nil && r.CapturedAt.After(*c.DateTo) {
		return false
	}
	if c.RecordType != nil && r.RecordType != *c.RecordType {
		return false
	}
	if c.Status != nil && r.Status != *c.Status {
		return false
	}
	if c.Reviewed != nil && r.Reviewed != *c.Reviewed {
		return false
	}
	if c.Exportable != nil && r.Exportable != *c.Exportable {
		return false
	}
	return true
}

// ParseCriteria reads criteria from query parameters: from, to (RFC 3339 or
// YYYY-MM-DD; a date-only "to" covers the whole day), type, status, reviewed
// and exportable. Empty values and "any" leave a criterion unset.
func ParseCriteria(q url.Values) (Criteria, error) {
	var c Criteria
	var err error

	if c.DateFrom, err = parseTime(q.Get("from"), false); err != nil {
		return c, fmt.Errorf("%w: from: %v", ErrInvalidCriteria, err)
	}
	if c.DateTo, err = parseTime(q.Get("to"), true); err != nil {
		return c, fmt.Errorf("%w: to: %v", ErrInvalidCriteria, err)
	}
	if v := value(q, "type"); v != "" {
		rt := capture.RecordType(v)
		if !rt.Valid() {
			return c, fmt.Errorf("%w: unknown record type %q", ErrInvalidCriteria, v)
		}
		c.RecordType = &rt
	}
	if v := value(q, "status"); v != "" {
		st := classification.Status(v)
		if !st.Valid() {
			return c, fmt.Errorf("%w: unknown status %q", ErrInvalidCriteria, v)
		}
		c.Status = &st
	}
	if c.Reviewed, err = parseBool(value(q, "reviewed")); err != nil {
		return c, fmt.Errorf("%w: reviewed: %v", ErrInvalidCriteria, err)
	}
	if c.Exportable, err = parseBool(value(q, "exportable")); err != nil {
		return c, fmt.Errorf("%w: exportable: %v", ErrInvalidCriteria, err)
	}
	return c, c.Validate()
}

// Query encodes the set criteria back into query parameters.
func (c Criteria) Query() url.Values {
	q := url.Values{}
	if c.DateFrom != nil {
		q.Set("from", c.DateFrom.UTC().Format(time.RFC3339Nano))
	}
	if c.DateTo != nil {
		q.Set("to", c.DateTo.UTC().Format(time.RFC3339Nano))
	}
	if c.RecordType != nil {
		q.Set("type", string(*c.RecordType))
	}
	if c.Status != nil {
		q.Set("status", string(*c.Status))
	}
	if c.Reviewed != nil {
		q.Set("reviewed", strconv.FormatBool(*c.Reviewed))
	}
	if c.Exportable != nil {
		q.Set("exportable", strconv.FormatBool(*c.Exportable))
	}
	return q
}

func value(q url.Values, key string) string {
	v := strings.ToLower(strings.TrimSpace(q.Get(key)))
	if v == "any" {
		return ""
	}
	return v
}

func parseTime(s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 or %s, got %q", dateLayout, s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
