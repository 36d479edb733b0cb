package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/patient"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/platform/auth"
	"github.com/ehr/ecgreview/internal/platform/blobstore"
	"github.com/ehr/ecgreview/internal/platform/device"
	"github.com/ehr/ecgreview/internal/platform/events"
)

func tracingImage(shade uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 2, color.RGBA{R: shade, A: 255})
	return img
}

func pngData(t *testing.T, shade uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, tracingImage(shade)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func gifData(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, tracingImage(10), nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func pngFile(t *testing.T, name string, shade uint8) capture.FileInput {
	data := pngData(t, shade)
	return capture.FileInput{Name: name, MediaType: capture.MediaTypePNG, Size: int64(len(data)), Data: data}
}

func metadata(reason string, signals ...string) capture.Metadata {
	return capture.Metadata{
		LeadConfiguration: "12-lead",
		VoltageScale:      "10 mm/mV",
		PaperSpeed:        "25 mm/s",
		ClinicalReason:    reason,
		Signals:           signals,
	}
}

type fixture struct {
	svc       *Service
	records   *record.Service
	blobs     *blobstore.InMemoryBlobStore
	tracker   *device.Tracker
	patientID uuid.UUID
}

type options struct {
	classifier Classifier
	device     device.Device
	cfg        Config
}

func localEngine(t *testing.T, primary classification.Strategy) *classification.Engine {
	t.Helper()
	rules, err := classification.DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules: %v", err)
	}
	local := classification.NewLocalStrategy(rules, classification.NewSignalSource("operator"))
	return classification.NewEngine(local, primary, zerolog.Nop(), nil)
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	patients := patient.DemoPatients()
	dir := patient.NewMemoryDirectory(patients...)
	records := record.NewService(record.NewMemoryStore(), events.NoopPublisher{}, nil, zerolog.Nop())
	blobs := blobstore.NewInMemoryBlobStore()
	tracker := &device.Tracker{}

	classifier := opts.classifier
	if classifier == nil {
		classifier = localEngine(t, nil)
	}
	svc := NewService(opts.cfg, Components{
		Acquirer:   capture.NewAcquirer(opts.device, tracker),
		Classifier: classifier,
		Blobs:      blobs,
		Records:    records,
		Patients:   dir,
	}, zerolog.Nop())
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, records: records, blobs: blobs, tracker: tracker, patientID: patients[0].ID}
}

func (f *fixture) readyDraft(t *testing.T, m capture.Metadata, files ...capture.FileInput) uuid.UUID {
	t.Helper()
	view, err := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.AddFiles(view.ID, files, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if _, err := f.svc.UpdateMetadata(view.ID, m); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	return view.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmit_CriticalSignalIsWithheld(t *testing.T) {
	f := newFixture(t, options{})
	id := f.readyDraft(t, metadata("chest pain", "st-elevation"), pngFile(t, "lead-ii.png", 200))

	rec, err := f.svc.Submit(context.Background(), id)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Status != classification.StatusCritical {
		t.Errorf("expected status critical, got %s", rec.Status)
	}
	if rec.Exportable {
		t.Error("expected critical record not to be exportable")
	}
	found := false
	for _, r := range rec.Recommendations {
		if r == "Immediate physician review required" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected immediate review recommendation, got %v", rec.Recommendations)
	}
	if len(rec.ImageRefs) != 1 || f.blobs.Len() != 1 {
		t.Errorf("expected 1 stored image, got refs=%v blobs=%d", rec.ImageRefs, f.blobs.Len())
	}

	stored, err := f.records.ByPatient(context.Background(), f.patientID)
	if err != nil {
		t.Fatalf("ByPatient: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != rec.ID {
		t.Errorf("expected the new record in the patient timeline, got %d records", len(stored))
	}
	if _, err := f.svc.Get(id); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected submitted draft to be gone, got %v", err)
	}
	if f.svc.PreviewCount() != 0 {
		t.Errorf("expected previews released, got %d", f.svc.PreviewCount())
	}
}

func TestAddFiles_BatchRejectedWhole(t *testing.T) {
	f := newFixture(t, options{})
	view, err := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	batch := []capture.FileInput{
		pngFile(t, "a.png", 10),
		{Name: "b.gif", MediaType: "image/gif", Data: gifData(t)},
		pngFile(t, "c.png", 30),
	}

	_, err = f.svc.AddFiles(view.ID, batch, false)
	var ve *capture.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Kind != capture.UnsupportedType {
		t.Errorf("expected UnsupportedType, got %s", ve.Kind)
	}
	got, _ := f.svc.Get(view.ID)
	if len(got.Images) != 0 {
		t.Errorf("expected 0 images, got %d", len(got.Images))
	}
	if f.svc.PreviewCount() != 0 {
		t.Errorf("expected no previews, got %d", f.svc.PreviewCount())
	}
}

func TestAddFiles_CountLimitAcrossBatches(t *testing.T) {
	f := newFixture(t, options{})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "a.png", 1), pngFile(t, "b.png", 2)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	_, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "c.png", 3), pngFile(t, "d.png", 4)}, true)
	if !errors.Is(err, capture.ErrCountExceeded) {
		t.Fatalf("expected ErrCountExceeded, got %v", err)
	}
	if f.svc.PreviewCount() != 2 {
		t.Errorf("expected 2 previews, got %d", f.svc.PreviewCount())
	}
}

func TestRemoveImage_ReleasesPreview(t *testing.T) {
	f := newFixture(t, options{})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "a.png", 1), pngFile(t, "b.png", 2)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	data, mediaType, err := f.svc.Preview(view.ID, 1)
	if err != nil || len(data) == 0 || mediaType != capture.MediaTypePNG {
		t.Fatalf("expected png preview, got %d bytes %q %v", len(data), mediaType, err)
	}

	got, err := f.svc.RemoveImage(view.ID, 0)
	if err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	if len(got.Images) != 1 || got.Images[0].FileName != "b.png" {
		t.Errorf("expected b.png to remain, got %+v", got.Images)
	}
	if f.svc.PreviewCount() != 1 {
		t.Errorf("expected 1 preview, got %d", f.svc.PreviewCount())
	}
	if _, err := f.svc.RemoveImage(view.ID, 5); !errors.Is(err, capture.ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
}

func TestOpenCapture_PermissionDeniedLeavesDraftUnchanged(t *testing.T) {
	dev := device.NewSimulated()
	dev.Deny = true
	f := newFixture(t, options{device: dev})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "a.png", 1)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}

	_, err := f.svc.OpenCapture(context.Background(), view.ID)
	var ae *capture.AcquisitionError
	if !errors.As(err, &ae) || ae.Kind != capture.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	got, _ := f.svc.Get(view.ID)
	if got.State != capture.DraftIdle || len(got.Images) != 1 {
		t.Errorf("expected idle draft with 1 image, got %s with %d", got.State, len(got.Images))
	}
	if f.tracker.Open() != 0 {
		t.Errorf("expected no open sessions, got %d", f.tracker.Open())
	}
}

func TestOpenCapture_NoDeviceConfigured(t *testing.T) {
	f := newFixture(t, options{})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	_, err := f.svc.OpenCapture(context.Background(), view.ID)
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestSnapshot_AddsFrameAndReleasesSession(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated()})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")

	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}
	if f.svc.OpenSessions() != 1 {
		t.Fatalf("expected 1 open session, got %d", f.svc.OpenSessions())
	}
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); !errors.Is(err, ErrCaptureInProgress) {
		t.Errorf("expected ErrCaptureInProgress, got %v", err)
	}
	frame, mediaType, err := f.svc.CaptureFrame(context.Background(), view.ID)
	if err != nil || len(frame) == 0 || mediaType != capture.MediaTypePNG {
		t.Fatalf("expected png frame, got %d bytes %q %v", len(frame), mediaType, err)
	}

	got, err := f.svc.Snapshot(context.Background(), view.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got.State != capture.DraftIdle || len(got.Images) != 1 {
		t.Errorf("expected idle draft with 1 image, got %s with %d", got.State, len(got.Images))
	}
	if got.Images[0].Source != capture.SourceDevice {
		t.Errorf("expected device source, got %s", got.Images[0].Source)
	}
	if f.svc.OpenSessions() != 0 {
		t.Errorf("expected session released, got %d open", f.svc.OpenSessions())
	}
	if f.svc.PreviewCount() != 1 {
		t.Errorf("expected 1 preview, got %d", f.svc.PreviewCount())
	}
}

func TestSnapshot_RejectedWhenDraftFull(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated()})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	full := []capture.FileInput{pngFile(t, "a.png", 1), pngFile(t, "b.png", 2), pngFile(t, "c.png", 3)}
	if _, err := f.svc.AddFiles(view.ID, full, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	got, err := f.svc.Snapshot(context.Background(), view.ID)
	if !errors.Is(err, capture.ErrCountExceeded) {
		t.Fatalf("expected ErrCountExceeded, got %v", err)
	}
	if got.State != capture.DraftIdle || len(got.Images) != 3 {
		t.Errorf("expected idle draft with 3 images, got %s with %d", got.State, len(got.Images))
	}
	if f.svc.OpenSessions() != 0 || f.svc.PreviewCount() != 3 {
		t.Errorf("expected no sessions and 3 previews, got %d and %d", f.svc.OpenSessions(), f.svc.PreviewCount())
	}
}

func TestCancelCapture_ReleasesSession(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated()})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	got, err := f.svc.CancelCapture(view.ID)
	if err != nil {
		t.Fatalf("CancelCapture: %v", err)
	}
	if got.State != capture.DraftIdle {
		t.Errorf("expected idle, got %s", got.State)
	}
	if f.svc.OpenSessions() != 0 {
		t.Errorf("expected no open sessions, got %d", f.svc.OpenSessions())
	}
	if _, err := f.svc.CancelCapture(view.ID); !errors.Is(err, ErrNoCaptureSession) {
		t.Errorf("expected ErrNoCaptureSession, got %v", err)
	}
	if _, err := f.svc.Snapshot(context.Background(), view.ID); !errors.Is(err, ErrNoCaptureSession) {
		t.Errorf("expected ErrNoCaptureSession, got %v", err)
	}
}

func TestCapture_TimeoutReleasesSession(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated(), cfg: Config{CaptureTimeout: 30 * time.Millisecond}})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	waitFor(t, "capture timeout", func() bool { return f.svc.OpenSessions() == 0 })
	got, err := f.svc.Get(view.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != capture.DraftIdle {
		t.Errorf("expected idle after timeout, got %s", got.State)
	}
}

func TestCancel_DuringCaptureReleasesEverything(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated()})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "a.png", 1)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	if err := f.svc.Cancel(view.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if f.svc.OpenSessions() != 0 || f.svc.PreviewCount() != 0 || f.svc.DraftCount() != 0 {
		t.Errorf("expected nothing held, got sessions=%d previews=%d drafts=%d",
			f.svc.OpenSessions(), f.svc.PreviewCount(), f.svc.DraftCount())
	}
	if err := f.svc.Cancel(view.ID); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected ErrDraftNotFound, got %v", err)
	}
}

func TestSubmit_IncompleteMetadata(t *testing.T) {
	f := newFixture(t, options{})
	id := f.readyDraft(t, capture.Metadata{ClinicalReason: "other"}, pngFile(t, "a.png", 1))

	_, err := f.svc.Submit(context.Background(), id)
	var me *capture.MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("expected MetadataError, got %v", err)
	}
	for _, field := range []string{"lead_configuration", "voltage_scale", "paper_speed", "other_reason_text"} {
		if _, ok := me.Fields[field]; !ok {
			t.Errorf("expected field %s to be reported", field)
		}
	}
	got, _ := f.svc.Get(id)
	if got.State != capture.DraftIdle {
		t.Errorf("expected draft to stay idle, got %s", got.State)
	}
}

// gatedClassifier blocks until released and ignores cancellation.
type gatedClassifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	out     classification.Outcome
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{
		started: make(chan struct{}),
		release: make(chan struct{}),
		out: classification.Outcome{
			Status:   classification.StatusNormal,
			Priority: "low",
			Metrics:  classification.Metrics{HeartRate: 72, PRInterval: 160, QRSDuration: 90, QTInterval: 400},
			Source:   classification.SourceLocal,
		},
	}
}

func (g *gatedClassifier) Classify(context.Context, capture.Submission) (classification.Outcome, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.out, nil
}

func TestSubmit_CancelDiscardsLateClassification(t *testing.T) {
	gate := newGatedClassifier()
	f := newFixture(t, options{classifier: gate})
	id := f.readyDraft(t, metadata("palpitations"), pngFile(t, "a.png", 1))

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(context.Background(), id)
		done <- err
	}()
	<-gate.started

	if _, err := f.svc.UpdateMetadata(id, metadata("syncope")); !errors.Is(err, capture.ErrDraftBusy) {
		t.Errorf("expected ErrDraftBusy while classifying, got %v", err)
	}
	if _, err := f.svc.Submit(context.Background(), id); !errors.Is(err, capture.ErrDraftBusy) {
		t.Errorf("expected second submit to be refused, got %v", err)
	}
	if err := f.svc.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(gate.release)

	if err := <-done; !errors.Is(err, ErrSubmissionCancelled) {
		t.Fatalf("expected ErrSubmissionCancelled, got %v", err)
	}
	stored, _ := f.records.ByPatient(context.Background(), f.patientID)
	if len(stored) != 0 {
		t.Errorf("expected no record, got %d", len(stored))
	}
	if f.blobs.Len() != 0 || f.svc.PreviewCount() != 0 {
		t.Errorf("expected nothing stored or held, got blobs=%d previews=%d", f.blobs.Len(), f.svc.PreviewCount())
	}
}

func TestSubmit_RemoteTimeoutFallsBackToLocalRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	remote := classification.NewRemoteStrategy(classification.RemoteConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	f := newFixture(t, options{classifier: localEngine(t, remote)})

	submit := func() *record.Record {
		id := f.readyDraft(t, metadata("routine screening", "sinus-rhythm"), pngFile(t, "a.png", 42))
		rec, err := f.svc.Submit(context.Background(), id)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		return rec
	}
	first, second := submit(), submit()

	if first.ClassifiedBy != classification.SourceLocal {
		t.Errorf("expected local classification, got %s", first.ClassifiedBy)
	}
	if first.FallbackReason != string(classification.TransportFailure) {
		t.Errorf("expected transport_failure fallback, got %q", first.FallbackReason)
	}
	if first.Status != second.Status || first.Metrics != second.Metrics || first.Rule != second.Rule {
		t.Errorf("expected identical outcomes for identical input, got %+v and %+v", first.Metrics, second.Metrics)
	}
}

func TestSweep_DiscardsStaleIdleDrafts(t *testing.T) {
	f := newFixture(t, options{})
	clock := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return clock }

	stale, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(stale.ID, []capture.FileInput{pngFile(t, "a.png", 1)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	fresh, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")

	if n := f.svc.Sweep(time.Hour); n != 1 {
		t.Fatalf("expected 1 draft swept, got %d", n)
	}
	if _, err := f.svc.Get(stale.ID); !errors.Is(err, ErrDraftNotFound) {
		t.Errorf("expected stale draft removed, got %v", err)
	}
	if _, err := f.svc.Get(fresh.ID); err != nil {
		t.Errorf("expected fresh draft kept, got %v", err)
	}
	if f.svc.PreviewCount() != 0 {
		t.Errorf("expected previews released, got %d", f.svc.PreviewCount())
	}
}

func TestClose_ReleasesAndRefuses(t *testing.T) {
	f := newFixture(t, options{device: device.NewSimulated()})
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")
	if _, err := f.svc.AddFiles(view.ID, []capture.FileInput{pngFile(t, "a.png", 1)}, false); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if _, err := f.svc.OpenCapture(context.Background(), view.ID); err != nil {
		t.Fatalf("OpenCapture: %v", err)
	}

	f.svc.Close()
	if f.svc.OpenSessions() != 0 || f.svc.PreviewCount() != 0 {
		t.Errorf("expected nothing held after close, got sessions=%d previews=%d", f.svc.OpenSessions(), f.svc.PreviewCount())
	}
	if _, err := f.svc.Create(context.Background(), f.patientID, "tech-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCreate_UnknownPatient(t *testing.T) {
	f := newFixture(t, options{})
	if _, err := f.svc.Create(context.Background(), uuid.New(), "tech-1"); !errors.Is(err, patient.ErrNotFound) {
		t.Errorf("expected patient.ErrNotFound, got %v", err)
	}
}

// --- handler ---

func withUser(req *http.Request, id string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), id, id, roles))
}

func multipartBody(t *testing.T, parts map[string][]byte, types map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
		h.Set("Content-Type", types[name])
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandler_DraftFlow(t *testing.T) {
	f := newFixture(t, options{})
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"patient_id":"` + f.patientID.String() + `"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/drafts", strings.NewReader(body)), "tech-1", auth.RoleTechnician)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateDraft(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var view capture.DraftView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if view.OperatorID != "tech-1" {
		t.Errorf("expected operator tech-1, got %q", view.OperatorID)
	}

	files, ct := multipartBody(t, map[string][]byte{"lead-ii.png": pngData(t, 90)}, map[string]string{"lead-ii.png": capture.MediaTypePNG})
	req = httptest.NewRequest(http.MethodPost, "/", files)
	req.Header.Set(echo.HeaderContentType, ct)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())
	if err := h.AddFiles(c); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	meta, _ := json.Marshal(metadata("chest pain", "st-elevation"))
	req = httptest.NewRequest(http.MethodPut, "/", bytes.NewReader(meta))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())
	if err := h.UpdateMetadata(c); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())
	if err := h.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp struct {
		Record record.Record `json:"record"`
		Report struct {
			Exportable bool `json:"exportable"`
		} `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if resp.Record.Status != classification.StatusCritical || resp.Report.Exportable {
		t.Errorf("expected withheld critical report, got status=%s exportable=%v", resp.Record.Status, resp.Report.Exportable)
	}
}

func TestHandler_AddFilesRejectsGIF(t *testing.T) {
	f := newFixture(t, options{})
	h := NewHandler(f.svc)
	e := echo.New()
	view, _ := f.svc.Create(context.Background(), f.patientID, "tech-1")

	files, ct := multipartBody(t, map[string][]byte{"scan.gif": gifData(t)}, map[string]string{"scan.gif": "image/gif"})
	req := httptest.NewRequest(http.MethodPost, "/", files)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(view.ID.String())

	err := h.AddFiles(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", he.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"draft not found", ErrDraftNotFound, http.StatusNotFound},
		{"busy", capture.ErrDraftBusy, http.StatusConflict},
		{"capture in progress", ErrCaptureInProgress, http.StatusConflict},
		{"permission denied", &capture.AcquisitionError{Kind: capture.PermissionDenied}, http.StatusConflict},
		{"device unavailable", &capture.AcquisitionError{Kind: capture.DeviceUnavailable}, http.StatusServiceUnavailable},
		{"metadata", &capture.MetadataError{Fields: map[string]string{"paper_speed": "required"}}, http.StatusUnprocessableEntity},
		{"closed", ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he, ok := mapError(tt.err).(*echo.HTTPError)
			if !ok {
				t.Fatal("expected HTTPError")
			}
			if he.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, he.Code)
			}
		})
	}
}

func TestHandler_InvalidIDs(t *testing.T) {
	f := newFixture(t, options{})
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "index")
	c.SetParamValues(uuid.New().String(), "x")
	err := h.GetPreview(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad index, got %v", err)
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	err = h.GetDraft(c)
	he, ok = err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %v", err)
	}
}
