package classification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/platform/telemetry"
)

// Strategy classifies a submission.
type Strategy interface {
	Name() string
	Classify(ctx context.Context, sub capture.Submission) (Outcome, error)
}

var tracer = otel.Tracer("github.com/ehr/ecgreview/internal/domain/classification")

// Engine runs the primary strategy and falls back to the local rule table when
// it fails. Only cancellation of ctx is returned as an error.
type Engine struct {
	primary Strategy
	local   *LocalStrategy
	logger  zerolog.Logger
	metrics *telemetry.Collector
}

// NewEngine returns an engine. primary may be nil, in which case the local
// strategy answers every submission.
func NewEngine(local *LocalStrategy, primary Strategy, logger zerolog.Logger, metrics *telemetry.Collector) *Engine {
	return &Engine{
		primary: primary,
		local:   local,
		logger:  logger.With().Str("component", "classification").Logger(),
		metrics: metrics,
	}
}

// Mode names the configured primary strategy.
func (e *Engine) Mode() string {
	if e.primary == nil {
		return e.local.Name()
	}
	return e.primary.Name()
}

func (e *Engine) Classify(ctx context.Context, sub capture.Submission) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "classification.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("draft.id", sub.DraftID().String()),
		attribute.Int("submission.images", sub.ImageCount()),
		attribute.String("classification.mode", e.Mode()),
	)

	start := time.Now()
	out, err := e.classify(ctx, sub)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	span.SetAttributes(
		attribute.String("classification.source", string(out.Source)),
		attribute.String("classification.status", string(out.Status)),
	)
	e.metrics.ObserveClassification(string(out.Source), string(out.Status), time.Since(start))
	return out, nil
}

func (e *Engine) classify(ctx context.Context, sub capture.Submission) (Outcome, error) {
	if e.primary == nil {
		return e.local.Classify(ctx, sub)
	}

	primaryCtx, cancel := reserveForFallback(ctx)
	out, err := e.primary.Classify(primaryCtx, sub)
	cancel()
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}

	reason := string(TransportFailure)
	var ce *Error
	if errors.As(err, &ce) {
		reason = string(ce.Kind)
	}
	e.logger.Warn().Err(err).
		Str("draft_id", sub.DraftID().String()).
		Str("reason", reason).
		Msg("remote classification failed, using local rules")
	e.metrics.IncFallback(reason)

	out, err = e.local.Classify(ctx, sub)
	if err != nil {
		return Outcome{}, err
	}
	out.FallbackReason = reason
	return out, nil
}

// maxFallbackReserve caps the time held back from the primary strategy for
// the local rules.
const maxFallbackReserve = 250 * time.Millisecond

// reserveForFallback shortens ctx's deadline so a primary that runs out the
// clock still leaves time for the local rules. Without a deadline ctx is
// returned unchanged.
func reserveForFallback(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	remaining := time.Until(deadline)
	reserve := remaining / 4
	if reserve > maxFallbackReserve {
		reserve = maxFallbackReserve
	}
	if reserve <= 0 {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}
