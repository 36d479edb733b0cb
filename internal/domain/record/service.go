package record

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/platform/events"
	"github.com/ehr/ecgreview/internal/platform/telemetry"
)

// Service appends classified submissions and records review acknowledgments.
type Service struct {
	store     Store
	publisher events.Publisher
	metrics   *telemetry.Collector
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, publisher events.Publisher, metrics *telemetry.Collector, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Create appends exactly one record for a classified submission. Event
// publication is best effort and never fails the append.
func (s *Service) Create(ctx context.Context, sub capture.Submission, out classification.Outcome, imageRefs []string) (*Record, error) {
	r, err := New(sub, out, imageRefs, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, r); err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}
	s.metrics.IncRecordCreated(string(r.Status))
	s.logger.Info().
		Str("record_id", r.ID.String()).
		Str("patient_id", r.PatientID.String()).
		Str("status", string(r.Status)).
		Str("classified_by", string(r.ClassifiedBy)).
		Msg("record created")

	s.publish(ctx, events.TypeRecordCreated, r, r.OperatorID)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ByPatient returns the patient's records in capture order.
func (s *Service) ByPatient(ctx context.Context, patientID uuid.UUID) ([]*Record, error) {
	return s.store.ByPatient(ctx, patientID)
}

// MarkReviewed sets the one-way reviewed flag. Repeating it is not an error;
// changed reports whether this call made the transition.
func (s *Service) MarkReviewed(ctx context.Context, id uuid.UUID, by string) (r *Record, changed bool, err error) {
	r, changed, err = s.store.SetReviewed(ctx, id, by, s.now())
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.logger.Info().Str("record_id", r.ID.String()).Str("reviewed_by", by).Msg("record reviewed")
		s.publish(ctx, events.TypeRecordReviewed, r, by)
	}
	return r, changed, nil
}

func (s *Service) publish(ctx context.Context, typ string, r *Record, actor string) {
	evt := events.RecordEvent{
		Type:         typ,
		RecordID:     r.ID.String(),
		PatientID:    r.PatientID.String(),
		Status:       string(r.Status),
		RecordType:   string(r.RecordType),
		Exportable:   r.Exportable,
		ClassifiedBy: string(r.ClassifiedBy),
		CapturedAt:   r.CapturedAt,
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.IncEventPublished("error")
		s.logger.Error().Err(err).Str("record_id", evt.RecordID).Str("type", typ).Msg("failed to publish record event")
		return
	}
	s.metrics.IncEventPublished("ok")
}
