// Package intake runs submission drafts from acquisition to record: it owns
// the live drafts, their capture sessions and previews, serializes
// classification per draft and stores the result.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/patient"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/platform/blobstore"
	"github.com/ehr/ecgreview/internal/platform/device"
	"github.com/ehr/ecgreview/internal/platform/telemetry"
)

var (
	ErrDraftNotFound       = errors.New("draft not found")
	ErrCaptureInProgress   = errors.New("a capture session is already open for this draft")
	ErrNoCaptureSession    = errors.New("no capture session is open for this draft")
	ErrCaptureCancelled    = errors.New("capture cancelled")
	ErrSubmissionCancelled = errors.New("submission cancelled")
	ErrClosed              = errors.New("intake service is shut down")
)

var tracer = otel.Tracer("github.com/ehr/ecgreview/internal/domain/intake")

// Classifier resolves a submission to an outcome; classification.Engine satisfies it.
type Classifier interface {
	Classify(ctx context.Context, sub capture.Submission) (classification.Outcome, error)
}

// RecordCreator appends the record for a classified submission.
type RecordCreator interface {
	Create(ctx context.Context, sub capture.Submission, out classification.Outcome, imageRefs []string) (*record.Record, error)
}

// PatientLookup resolves the patient a draft is opened for.
type PatientLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Config struct {
	// CaptureTimeout bounds both waiting for the device and how long an
	// opened session may stay idle before it is released.
	CaptureTimeout time.Duration
	UploadWorkers  int
}

// Components are the collaborators of the intake service.
type Components struct {
	Acquirer   *capture.Acquirer
	Previews   *capture.PreviewRegistry
	Classifier Classifier
	Blobs      blobstore.BlobStore
	Records    RecordCreator
	Patients   PatientLookup
	Metrics    *telemetry.Collector
}

// draftEntry is one live draft and the resources attached to it. All fields
// are guarded by mu. captureGen and submitGen are bumped whenever the
// corresponding operation is ended, so work that finishes afterwards can
// tell that it is stale.
type draftEntry struct {
	mu    sync.Mutex
	draft *capture.Draft

	session       *device.Session
	captureTimer  *time.Timer
	captureCancel context.CancelFunc
	captureGen    uint64

	classifyCancel context.CancelFunc
	submitGen      uint64
}

// Service holds the live drafts. Lock order is entry before service.
type Service struct {
	acquirer   *capture.Acquirer
	previews   *capture.PreviewRegistry
	classifier Classifier
	blobs      blobstore.BlobStore
	records    RecordCreator
	patients   PatientLookup
	metrics    *telemetry.Collector
	logger     zerolog.Logger
	now        func() time.Time

	captureTimeout time.Duration
	uploadWorkers  int

	mu     sync.Mutex
	drafts map[uuid.UUID]*draftEntry
	closed bool
}

func NewService(cfg Config, c Components, logger zerolog.Logger) *Service {
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 2 * time.Minute
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = capture.MaxAssets
	}
	previews := c.Previews
	if previews == nil {
		previews = capture.NewPreviewRegistry()
	}
	return &Service{
		acquirer:       c.Acquirer,
		previews:       previews,
		classifier:     c.Classifier,
		blobs:          c.Blobs,
		records:        c.Records,
		patients:       c.Patients,
		metrics:        c.Metrics,
		logger:         logger.With().Str("component", "intake").Logger(),
		now:            time.Now,
		captureTimeout: cfg.CaptureTimeout,
		uploadWorkers:  cfg.UploadWorkers,
		drafts:         make(map[uuid.UUID]*draftEntry),
	}
}

// lock returns the live entry for id with its mutex held.
func (s *Service) lock(id uuid.UUID) (*draftEntry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := s.drafts[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrDraftNotFound
	}

	e.mu.Lock()
	if st := e.draft.State; st == capture.DraftSubmitted || st == capture.DraftCancelled {
		e.mu.Unlock()
		return nil, ErrDraftNotFound
	}
	return e, nil
}

func (s *Service) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.drafts, id)
	s.mu.Unlock()
}

// Create opens an empty draft for a patient.
func (s *Service) Create(ctx context.Context, patientID uuid.UUID, operatorID string) (capture.DraftView, error) {
	if _, err := s.patients.Get(ctx, patientID); err != nil {
		return capture.DraftView{}, err
	}
	d := capture.NewDraft(patientID, operatorID, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return capture.DraftView{}, ErrClosed
	}
	s.drafts[d.ID] = &draftEntry{draft: d}
	s.logger.Debug().Str("draft_id", d.ID.String()).Str("patient_id", patientID.String()).Msg("draft created")
	return d.View(), nil
}

func (s *Service) Get(id uuid.UUID) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	defer e.mu.Unlock()
	return e.draft.View(), nil
}

func (s *Service) UpdateMetadata(id uuid.UUID, m capture.Metadata) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	defer e.mu.Unlock()
	if err := e.draft.SetMetadata(m, s.now()); err != nil {
		return capture.DraftView{}, err
	}
	return e.draft.View(), nil
}

// AddFiles validates files as one batch against the images already held and
// adds all of them or none. drop marks them as dropped rather than selected.
func (s *Service) AddFiles(id uuid.UUID, files []capture.FileInput, drop bool) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	defer e.mu.Unlock()

	accept := s.acquirer.AcceptFiles
	if drop {
		accept = s.acquirer.AcceptDrop
	}
	assets, err := accept(files, e.draft.Assets())
	if err != nil {
		s.observeValidation(err)
		return capture.DraftView{}, err
	}
	s.previews.Attach(assets)
	if err := e.draft.AddAssets(assets, s.now()); err != nil {
		s.previews.Detach(assets)
		s.observeValidation(err)
		return capture.DraftView{}, err
	}
	return e.draft.View(), nil
}

// RemoveImage drops the image at index and releases its preview.
func (s *Service) RemoveImage(id uuid.UUID, index int) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	defer e.mu.Unlock()

	removed, err := e.draft.RemoveAsset(index, s.now())
	if err != nil {
		return capture.DraftView{}, err
	}
	s.previews.Detach([]capture.ImageAsset{removed})
	return e.draft.View(), nil
}

// Preview returns the preview bytes of the image at index.
func (s *Service) Preview(id uuid.UUID, index int) ([]byte, string, error) {
	e, err := s.lock(id)
	if err != nil {
		return nil, "", err
	}
	defer e.mu.Unlock()

	asset, err := e.draft.Asset(index)
	if err != nil {
		return nil, "", err
	}
	return s.previews.Open(asset.Preview)
}

// OpenCapture acquires the capture device for the draft. Waiting for the
// device is bounded by the capture timeout and ends early when the capture
// is cancelled. Only one session may be open per draft.
func (s *Service) OpenCapture(ctx context.Context, id uuid.UUID) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	if e.draft.State == capture.DraftCapturing {
		e.mu.Unlock()
		return capture.DraftView{}, ErrCaptureInProgress
	}
	if err := e.draft.Transition(capture.DraftCapturing, s.now()); err != nil {
		e.mu.Unlock()
		return capture.DraftView{}, err
	}
	e.captureGen++
	gen := e.captureGen
	openCtx, cancel := context.WithTimeout(ctx, s.captureTimeout)
	e.captureCancel = cancel
	e.mu.Unlock()

	sess, openErr := s.acquirer.OpenSession(openCtx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.captureGen != gen || e.draft.State != capture.DraftCapturing {
		cancel()
		if sess != nil {
			_ = sess.Release()
			s.syncSessions()
		}
		return e.draft.View(), ErrCaptureCancelled
	}
	if openErr != nil {
		if errors.Is(openErr, context.DeadlineExceeded) && ctx.Err() == nil {
			openErr = &capture.AcquisitionError{Kind: capture.DeviceUnavailable, Err: fmt.Errorf("no device response within %s", s.captureTimeout)}
		}
		s.endCapture(e, "open failed")
		s.logger.Info().Err(openErr).Str("draft_id", id.String()).Msg("capture device not acquired")
		return e.draft.View(), openErr
	}

	cancel()
	e.captureCancel = nil
	e.session = sess
	e.captureTimer = time.AfterFunc(s.captureTimeout, func() { s.expireCapture(e, sess) })
	s.syncSessions()
	s.logger.Debug().Str("draft_id", id.String()).Str("device", sess.Device()).Msg("capture session opened")
	return e.draft.View(), nil
}

// CaptureFrame returns a live preview frame from the open session without
// adding it to the draft.
func (s *Service) CaptureFrame(ctx context.Context, id uuid.UUID) ([]byte, string, error) {
	e, err := s.lock(id)
	if err != nil {
		return nil, "", err
	}
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return nil, "", ErrNoCaptureSession
	}

	asset, err := s.acquirer.Snapshot(ctx, sess)
	if err != nil {
		if errors.Is(err, device.ErrStreamClosed) {
			return nil, "", ErrNoCaptureSession
		}
		return nil, "", err
	}
	return asset.Data, asset.MediaType, nil
}

// Snapshot takes a frame from the open session, adds it to the draft and
// releases the session. The frame passes the same validation gate as files.
func (s *Service) Snapshot(ctx context.Context, id uuid.UUID) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	sess := e.session
	e.mu.Unlock()
	if sess == nil {
		return capture.DraftView{}, ErrNoCaptureSession
	}

	asset, snapErr := s.acquirer.Snapshot(ctx, sess)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != sess {
		return e.draft.View(), ErrNoCaptureSession
	}
	if snapErr != nil {
		if ctx.Err() == nil {
			s.endCapture(e, "snapshot failed")
		}
		return e.draft.View(), snapErr
	}

	assets := []capture.ImageAsset{asset}
	s.previews.Attach(assets)
	addErr := e.draft.CompleteCapture(assets[0], s.now())
	if addErr != nil {
		s.previews.Detach(assets)
		s.observeValidation(addErr)
	}
	s.endCapture(e, "captured")
	return e.draft.View(), addErr
}

// CancelCapture ends the open or opening capture session of the draft.
func (s *Service) CancelCapture(id uuid.UUID) (capture.DraftView, error) {
	e, err := s.lock(id)
	if err != nil {
		return capture.DraftView{}, err
	}
	defer e.mu.Unlock()
	if e.draft.State != capture.DraftCapturing {
		return e.draft.View(), ErrNoCaptureSession
	}
	s.endCapture(e, "cancelled")
	return e.draft.View(), nil
}

func (s *Service) expireCapture(e *draftEntry, sess *device.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == sess {
		s.endCapture(e, "timeout")
	}
}

// endCapture is the single release path for capture sessions: snapshot,
// cancel, error, timeout, draft cancel and shutdown all end here. e.mu must
// be held.
func (s *Service) endCapture(e *draftEntry, reason string) {
	active := e.session != nil || e.captureCancel != nil
	e.captureGen++
	if e.captureCancel != nil {
		e.captureCancel()
		e.captureCancel = nil
	}
	if e.captureTimer != nil {
		e.captureTimer.Stop()
		e.captureTimer = nil
	}
	if e.session != nil {
		if err := e.session.Release(); err != nil {
			s.logger.Warn().Err(err).Str("draft_id", e.draft.ID.String()).Msg("capture device release failed")
		}
		e.session = nil
	}
	if e.draft.State == capture.DraftCapturing {
		_ = e.draft.Transition(capture.DraftIdle, s.now())
	}
	s.syncSessions()
	if active {
		s.logger.Debug().Str("draft_id", e.draft.ID.String()).Str("reason", reason).Msg("capture session closed")
	}
}

// Submit assembles the draft, classifies it and stores the record. Only one
// submission may be in flight per draft. A classification that completes
// after the draft was cancelled is discarded.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "intake.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("draft.id", id.String()))

	rec, err := s.submit(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", rec.ID.String()), attribute.String("record.status", string(rec.Status)))
	return rec, nil
}

func (s *Service) submit(ctx context.Context, id uuid.UUID) (*record.Record, error) {
	e, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	sub, err := capture.Assemble(e.draft, s.now())
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.draft.Transition(capture.DraftClassifying, s.now()); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.submitGen++
	gen := e.submitGen
	classifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.classifyCancel = cancel
	e.mu.Unlock()

	out, classifyErr := s.classifier.Classify(classifyCtx, sub)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitGen != gen || e.draft.State != capture.DraftClassifying {
		s.logger.Info().Str("draft_id", id.String()).Msg("discarding classification of a cancelled draft")
		return nil, ErrSubmissionCancelled
	}
	e.classifyCancel = nil
	if classifyErr != nil {
		s.reopen(e)
		return nil, fmt.Errorf("classify: %w", classifyErr)
	}

	refs, err := s.storeImages(ctx, sub)
	if err != nil {
		s.reopen(e)
		return nil, err
	}
	rec, err := s.records.Create(ctx, sub, out, refs)
	if err != nil {
		s.reopen(e)
		return nil, err
	}

	_ = e.draft.Transition(capture.DraftSubmitted, s.now())
	s.previews.Detach(e.draft.Release())
	s.remove(id)
	s.logger.Info().
		Str("draft_id", id.String()).
		Str("record_id", rec.ID.String()).
		Str("status", string(rec.Status)).
		Msg("draft submitted")
	return rec, nil
}

// reopen returns a draft whose submission failed to idle so it can be retried.
func (s *Service) reopen(e *draftEntry) {
	_ = e.draft.Transition(capture.DraftIdle, s.now())
}

// storeImages uploads the submission's images and returns their blob keys in order.
func (s *Service) storeImages(ctx context.Context, sub capture.Submission) ([]string, error) {
	images := sub.Images()
	refs := make([]string, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadWorkers)
	for i, img := range images {
		g.Go(func() error {
			meta, err := s.blobs.Upload(gctx, blobstore.BlobMetadata{
				FileName:    fmt.Sprintf("%s-%d%s", sub.DraftID(), i+1, extension(img.MediaType())),
				ContentType: img.MediaType(),
				PatientID:   sub.PatientID().String(),
				DraftID:     sub.DraftID().String(),
				CreatedBy:   sub.OperatorID(),
			}, img.Reader())
			if err != nil {
				return fmt.Errorf("store image %d: %w", i+1, err)
			}
			refs[i] = meta.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func extension(mediaType string) string {
	if mediaType == capture.MediaTypePNG {
		return ".png"
	}
	return ".jpg"
}

// Cancel discards the draft, ending any capture session and dropping any
// classification still in flight.
func (s *Service) Cancel(id uuid.UUID) error {
	e, err := s.lock(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	s.discard(e, "cancelled")
	s.remove(id)
	return nil
}

// discard moves a draft to cancelled and frees everything it holds. e.mu must be held.
func (s *Service) discard(e *draftEntry, reason string) {
	if e.classifyCancel != nil {
		e.classifyCancel()
		e.classifyCancel = nil
	}
	e.submitGen++
	s.endCapture(e, reason)
	_ = e.draft.Transition(capture.DraftCancelled, s.now())
	s.previews.Detach(e.draft.Release())
	s.logger.Debug().Str("draft_id", e.draft.ID.String()).Str("reason", reason).Msg("draft discarded")
}

// Sweep discards idle drafts untouched for longer than maxAge and returns
// how many it removed.
func (s *Service) Sweep(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range s.entries() {
		e.mu.Lock()
		if e.draft.State == capture.DraftIdle && e.draft.UpdatedAt.Before(cutoff) {
			s.discard(e, "expired")
			s.remove(e.draft.ID)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

func (s *Service) entries() []*draftEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*draftEntry, 0, len(s.drafts))
	for _, e := range s.drafts {
		out = append(out, e)
	}
	return out
}

// Close discards every live draft, releasing capture sessions and previews.
// Later calls fail with ErrClosed.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := make([]*draftEntry, 0, len(s.drafts))
	for _, e := range s.drafts {
		live = append(live, e)
	}
	s.drafts = make(map[uuid.UUID]*draftEntry)
	s.mu.Unlock()

	for _, e := range live {
		e.mu.Lock()
		s.discard(e, "shutdown")
		e.mu.Unlock()
	}
	s.logger.Info().Int("drafts", len(live)).Msg("intake closed")
}

// DraftCount returns the number of live drafts.
func (s *Service) DraftCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

// PreviewCount returns the number of unreleased preview handles.
func (s *Service) PreviewCount() int { return s.previews.Count() }

// OpenSessions returns the number of capture sessions currently holding a device.
func (s *Service) OpenSessions() int64 { return s.acquirer.Tracker().Open() }

func (s *Service) syncSessions() {
	s.metrics.SetCaptureSessions(s.OpenSessions())
}

func (s *Service) observeValidation(err error) {
	var ve *capture.ValidationError
	if errors.As(err, &ve) {
		s.metrics.IncValidationFailure(string(ve.Kind))
	}
}
