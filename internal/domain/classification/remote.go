package classification

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ecgreview/internal/domain/capture"
)

// maxResponseBytes caps how much of a classifier response is read.
const maxResponseBytes = 1 << 20

// RemoteConfig configures the remote classification strategy.
type RemoteConfig struct {
	URL           string
	Timeout       time.Duration
	EncodeWorkers int
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before trying again.
	OpenTimeout time.Duration
	Client      *http.Client
}

// RemoteStrategy posts submissions to a classification endpoint behind a
// circuit breaker.
type RemoteStrategy struct {
	url     string
	client  *http.Client
	workers int
	breaker *gobreaker.CircuitBreaker[Outcome]
}

func NewRemoteStrategy(cfg RemoteConfig) *RemoteStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.EncodeWorkers <= 0 {
		cfg.EncodeWorkers = 3
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	threshold := cfg.FailureThreshold

	return &RemoteStrategy{
		url:     cfg.URL,
		client:  client,
		workers: cfg.EncodeWorkers,
		breaker: gobreaker.NewCircuitBreaker[Outcome](gobreaker.Settings{
			Name:        "remote-classifier",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

func (s *RemoteStrategy) Name() string { return string(SourceRemote) }

// BreakerState reports the circuit breaker state.
func (s *RemoteStrategy) BreakerState() string { return s.breaker.State().String() }

type remoteImage struct {
	MediaType string `json:"mediaType"`
	SHA256    string `json:"sha256"`
	Data      string `json:"data"`
}

type remoteRequest struct {
	Images            []remoteImage `json:"images"`
	LeadConfiguration string        `json:"leadConfiguration"`
	VoltageScale      string        `json:"voltageScale"`
	PaperSpeed        string        `json:"paperSpeed"`
	ClinicalReason    string        `json:"clinicalReason"`
	RecordType        string        `json:"recordType"`
	Signals           []string      `json:"signals,omitempty"`
}

type remoteMetrics struct {
	HeartRate   *float64 `json:"heartRate"`
	PRInterval  *float64 `json:"prInterval"`
	QRSDuration *float64 `json:"qrsDuration"`
	QTInterval  *float64 `json:"qtInterval"`
}

type remoteResponse struct {
	Status          string         `json:"status"`
	Findings        []string       `json:"findings"`
	Recommendations []string       `json:"recommendations"`
	Confidence      *float64       `json:"confidence"`
	DerivedMetrics  *remoteMetrics `json:"derivedMetrics"`
	Exportable      *bool          `json:"exportable"`
	Priority        string         `json:"priority"`
}

func (s *RemoteStrategy) Classify(ctx context.Context, sub capture.Submission) (Outcome, error) {
	body, err := s.encode(ctx, sub)
	if err != nil {
		return Outcome{}, err
	}

	out, err := s.breaker.Execute(func() (Outcome, error) {
		return s.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Outcome{}, &Error{Kind: TransportFailure, Err: err}
	}
	return out, err
}

// encode builds the request body. Images are base64-encoded concurrently.
func (s *RemoteStrategy) encode(ctx context.Context, sub capture.Submission) ([]byte, error) {
	images := sub.Images()
	encoded := make([]remoteImage, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, img := range images {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			encoded[i] = remoteImage{
				MediaType: img.MediaType(),
				SHA256:    img.Checksum(),
				Data:      base64.StdEncoding.EncodeToString(img.Bytes()),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := sub.Metadata()
	return json.Marshal(remoteRequest{
		Images:            encoded,
		LeadConfiguration: meta.LeadConfiguration,
		VoltageScale:      meta.VoltageScale,
		PaperSpeed:        meta.PaperSpeed,
		ClinicalReason:    meta.Reason(),
		RecordType:        string(meta.RecordType),
		Signals:           meta.Signals,
	})
}

func (s *RemoteStrategy) post(ctx context.Context, body []byte) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &Error{Kind: TransportFailure, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, &Error{Kind: TransportFailure, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Outcome{}, &Error{Kind: TransportFailure, Err: fmt.Errorf("classifier returned status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, &Error{Kind: TransportFailure, Err: err}
	}
	return decodeOutcome(raw)
}

// decodeOutcome validates a classifier response and converts it to an Outcome.
func decodeOutcome(raw []byte) (Outcome, error) {
	var r remoteResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return Outcome{}, &Error{Kind: MalformedResponse, Err: err}
	}
	status := Status(r.Status)
	if !status.Valid() {
		return Outcome{}, &Error{Kind: MalformedResponse, Err: fmt.Errorf("unknown status %q", r.Status)}
	}
	if r.Confidence == nil || *r.Confidence < 0 || *r.Confidence > 1 {
		return Outcome{}, &Error{Kind: MalformedResponse, Err: errors.New("confidence missing or outside [0,1]")}
	}
	dm := r.DerivedMetrics
	if dm == nil || dm.HeartRate == nil || dm.PRInterval == nil || dm.QRSDuration == nil || dm.QTInterval == nil {
		return Outcome{}, &Error{Kind: MalformedResponse, Err: errors.New("derivedMetrics incomplete")}
	}
	metrics := Metrics{
		HeartRate:   *dm.HeartRate,
		PRInterval:  *dm.PRInterval,
		QRSDuration: *dm.QRSDuration,
		QTInterval:  *dm.QTInterval,
	}
	if err := metrics.Validate(); err != nil {
		return Outcome{}, &Error{Kind: MalformedResponse, Err: err}
	}

	// the classifier may withhold export but cannot release a critical or pending tracing
	exportable := status.DefaultExportable()
	if r.Exportable != nil {
		exportable = exportable && *r.Exportable
	}
	priority := r.Priority
	if priority == "" {
		priority = defaultPriority(status)
	}
	return Outcome{
		Status:          status,
		Findings:        nonNil(r.Findings),
		Recommendations: nonNil(r.Recommendations),
		Priority:        priority,
		Confidence:      *r.Confidence,
		Metrics:         metrics,
		Exportable:      exportable,
		Source:          SourceRemote,
	}, nil
}

func defaultPriority(s Status) string {
	switch s {
	case StatusCritical:
		return "high"
	case StatusAbnormal:
		return "medium"
	}
	return "low"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
