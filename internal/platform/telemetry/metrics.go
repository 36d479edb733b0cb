package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ecg"

// Collector holds every metric the service exports. All methods are safe on a
// nil receiver so domain code can run without metrics in tests.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	ClassificationsTotal   *prometheus.CounterVec
	ClassificationDuration *prometheus.HistogramVec
	FallbacksTotal         *prometheus.CounterVec

	ValidationFailures  *prometheus.CounterVec
	CaptureSessionsOpen prometheus.Gauge
	RecordsCreated      *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
}

// NewCollector registers the metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		ClassificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classification",
			Name:      "outcomes_total",
			Help:      "Classification outcomes by producing strategy and status.",
		}, []string{"source", "status"}),

		ClassificationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classification",
			Name:      "duration_seconds",
			Help:      "Time spent classifying a submission, fallback included.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		FallbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classification",
			Name:      "fallbacks_total",
			Help:      "Remote classification failures recovered by the local rule table.",
		}, []string{"reason"}),

		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "validation_failures_total",
			Help:      "Rejected image batches by failure kind.",
		}, []string{"kind"}),

		CaptureSessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "sessions_open",
			Help:      "Capture device sessions currently held. Alert if it does not return to zero.",
		}),

		RecordsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "created_total",
			Help:      "Records appended to the store by status.",
		}, []string{"status"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Record events handed to the broker by result.",
		}, []string{"result"}),
	}
}

func (m *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Collector) ObserveClassification(source, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ClassificationsTotal.WithLabelValues(source, status).Inc()
	m.ClassificationDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Collector) IncFallback(reason string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

func (m *Collector) IncValidationFailure(kind string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(kind).Inc()
}

func (m *Collector) SetCaptureSessions(n int64) {
	if m == nil {
		return
	}
	m.CaptureSessionsOpen.Set(float64(n))
}

func (m *Collector) IncRecordCreated(status string) {
	if m == nil {
		return
	}
	m.RecordsCreated.WithLabelValues(status).Inc()
}

func (m *Collector) IncEventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}
