package classification

import (
	"errors"
	"fmt"
	"math"
)

// Status is the triage outcome of a classification.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusAbnormal Status = "abnormal"
	StatusCritical Status = "critical"
	StatusPending  Status = "pending"
)

var validStatuses = map[Status]bool{
	StatusNormal:   true,
	StatusAbnormal: true,
	StatusCritical: true,
	StatusPending:  true,
}

func (s Status) Valid() bool { return validStatuses[s] }

// DefaultExportable is the exportability of a status when the classifier
// does not say otherwise.
func (s Status) DefaultExportable() bool {
	return s == StatusNormal || s == StatusAbnormal
}

// Source names the strategy that produced an outcome.
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// MetricKey identifies one derived metric.
type MetricKey string

const (
	MetricHeartRate   MetricKey = "heart_rate"
	MetricPRInterval  MetricKey = "pr_interval"
	MetricQRSDuration MetricKey = "qrs_duration"
	MetricQTInterval  MetricKey = "qt_interval"
)

// MetricDef describes how a metric is labelled and displayed.
type MetricDef struct {
	Key   MetricKey `json:"key"`
	Label string    `json:"label"`
	Unit  string    `json:"unit"`
}

// MetricDefs lists the derived metrics in display order.
var MetricDefs = []MetricDef{
	{Key: MetricHeartRate, Label: "Heart rate", Unit: "bpm"},
	{Key: MetricPRInterval, Label: "PR interval", Unit: "ms"},
	{Key: MetricQRSDuration, Label: "QRS duration", Unit: "ms"},
	{Key: MetricQTInterval, Label: "QT interval", Unit: "ms"},
}

// LookupMetric returns the definition for key.
func LookupMetric(key MetricKey) (MetricDef, bool) {
	for _, d := range MetricDefs {
		if d.Key == key {
			return d, true
		}
	}
	return MetricDef{}, false
}

// Metrics are the numeric measurements derived from a tracing.
type Metrics struct {
	HeartRate   float64 `json:"heart_rate" yaml:"heart_rate"`
	PRInterval  float64 `json:"pr_interval" yaml:"pr_interval"`
	QRSDuration float64 `json:"qrs_duration" yaml:"qrs_duration"`
	QTInterval  float64 `json:"qt_interval" yaml:"qt_interval"`
}

// Value returns the metric for key.
func (m Metrics) Value(key MetricKey) (float64, bool) {
	switch key {
	case MetricHeartRate:
		return m.HeartRate, true
	case MetricPRInterval:
		return m.PRInterval, true
	case MetricQRSDuration:
		return m.QRSDuration, true
	case MetricQTInterval:
		return m.QTInterval, true
	}
	return 0, false
}

func (m *Metrics) set(key MetricKey, v float64) {
	switch key {
	case MetricHeartRate:
		m.HeartRate = v
	case MetricPRInterval:
		m.PRInterval = v
	case MetricQRSDuration:
		m.QRSDuration = v
	case MetricQTInterval:
		m.QTInterval = v
	}
}

// Validate rejects negative or non-finite measurements.
func (m Metrics) Validate() error {
	for _, d := range MetricDefs {
		v, _ := m.Value(d.Key)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("metric %s: invalid value %v", d.Key, v)
		}
	}
	return nil
}

// Outcome is the result of classifying one submission.
type Outcome struct {
	Status          Status   `json:"status"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
	Priority        string   `json:"priority"`
	Confidence      float64  `json:"confidence"`
	Metrics         Metrics  `json:"metrics"`
	Exportable      bool     `json:"exportable"`
	Source          Source   `json:"source"`
	// Rule names the local rule that matched, or is empty for remote outcomes.
	Rule string `json:"rule,omitempty"`
	// FallbackReason is set when the local strategy ran because the remote one failed.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// ErrorKind discriminates remote classification failures.
type ErrorKind string

const (
	TransportFailure  ErrorKind = "transport_failure"
	MalformedResponse ErrorKind = "malformed_response"
)

var (
	ErrTransportFailure  = errors.New("classifier transport failure")
	ErrMalformedResponse = errors.New("classifier returned a malformed response")
)

// Error is a failure of a classification strategy.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classification %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	sentinel := ErrTransportFailure
	if e.Kind == MalformedResponse {
		sentinel = ErrMalformedResponse
	}
	return []error{sentinel, e.Err}
}
