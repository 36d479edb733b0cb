package report

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/domain/record"
)

// Records is the part of the record service the presenter needs.
type Records interface {
	Get(ctx context.Context, id uuid.UUID) (*record.Record, error)
	MarkReviewed(ctx context.Context, id uuid.UUID, by string) (*record.Record, bool, error)
}

type Presenter struct {
	records Records
	logger  zerolog.Logger
}

func NewPresenter(records Records, logger zerolog.Logger) *Presenter {
	return &Presenter{records: records, logger: logger.With().Str("component", "report").Logger()}
}

func (p *Presenter) Report(ctx context.Context, id uuid.UUID) (Report, error) {
	r, err := p.records.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return Present(r), nil
}

// Acknowledge moves the report to reviewed. A report that is already
// reviewed is returned as is, keeping its original reviewer.
func (p *Presenter) Acknowledge(ctx context.Context, id uuid.UUID, by string) (Report, error) {
	r, err := p.records.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if r.Reviewed {
		p.logger.Debug().Str("record_id", id.String()).Str("user_id", by).Msg("acknowledge ignored, already reviewed")
		return Present(r), nil
	}
	r, _, err = p.records.MarkReviewed(ctx, id, by)
	if err != nil {
		return Report{}, err
	}
	return Present(r), nil
}

// Export writes the record's report to w in format f.
func (p *Presenter) Export(ctx context.Context, id uuid.UUID, f Format, w io.Writer) (Report, error) {
	rep, err := p.Report(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if !rep.Enabled(ActionExport) {
		return rep, ErrNotExportable
	}
	return rep, Export(rep, f, w)
}
