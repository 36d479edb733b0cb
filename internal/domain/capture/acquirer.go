package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/ehr/ecgreview/internal/platform/device"
)

// frameQuality is the JPEG quality used when a device frame must be re-encoded.
const frameQuality = 90

// Acquirer turns files, drops and device frames into validated image assets.
// It never mutates a draft; the caller appends what it returns.
type Acquirer struct {
	device  device.Device
	tracker *device.Tracker
}

// NewAcquirer returns an acquirer. dev may be nil when no capture device is configured.
func NewAcquirer(dev device.Device, tracker *device.Tracker) *Acquirer {
	return &Acquirer{device: dev, tracker: tracker}
}

// Tracker exposes the open-session counter.
func (a *Acquirer) Tracker() *device.Tracker { return a.tracker }

// AcceptFiles converts selected files into assets and validates them as one batch.
func (a *Acquirer) AcceptFiles(files []FileInput, existing []ImageAsset) ([]ImageAsset, error) {
	return a.accept(files, existing, SourceFile)
}

// AcceptDrop is AcceptFiles for files dropped onto the drop target.
func (a *Acquirer) AcceptDrop(files []FileInput, existing []ImageAsset) ([]ImageAsset, error) {
	return a.accept(files, existing, SourceDrop)
}

func (a *Acquirer) accept(files []FileInput, existing []ImageAsset, src Source) ([]ImageAsset, error) {
	assets := make([]ImageAsset, len(files))
	for i, f := range files {
		assets[i] = NewAsset(f, src)
	}
	if err := Validate(assets, existing); err != nil {
		return nil, err
	}
	return assets, nil
}

// OpenSession acquires the capture device. Failures are reported as AcquisitionError;
// context cancellation is returned unchanged.
func (a *Acquirer) OpenSession(ctx context.Context) (*device.Session, error) {
	if a.device == nil {
		return nil, &AcquisitionError{Kind: DeviceUnavailable, Err: errors.New("no capture device configured")}
	}
	s, err := device.Acquire(ctx, a.device, a.tracker)
	if err != nil {
		return nil, acquisitionError(err)
	}
	return s, nil
}

// Snapshot takes one frame from an open session and converts it to an asset.
func (a *Acquirer) Snapshot(ctx context.Context, s *device.Session) (ImageAsset, error) {
	f, err := s.Snapshot(ctx)
	if err != nil {
		return ImageAsset{}, acquisitionError(err)
	}
	return FrameAsset(f, s.Device())
}

// RequestDeviceCapture opens the device, takes one frame and releases the
// device before returning.
func (a *Acquirer) RequestDeviceCapture(ctx context.Context) (ImageAsset, error) {
	var asset ImageAsset
	if a.device == nil {
		return asset, &AcquisitionError{Kind: DeviceUnavailable, Err: errors.New("no capture device configured")}
	}
	err := device.WithSession(ctx, a.device, a.tracker, func(s *device.Session) error {
		var err error
		asset, err = a.Snapshot(ctx, s)
		return err
	})
	if err != nil {
		return ImageAsset{}, acquisitionError(err)
	}
	return asset, nil
}

func acquisitionError(err error) error {
	var ae *AcquisitionError
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, device.ErrPermissionDenied):
		return &AcquisitionError{Kind: PermissionDenied, Err: err}
	default:
		return &AcquisitionError{Kind: DeviceUnavailable, Err: err}
	}
}

// FrameAsset converts a device frame into an image asset. Frames that are not
// already JPEG or PNG are decoded and re-encoded as JPEG.
func FrameAsset(f device.Frame, deviceName string) (ImageAsset, error) {
	data := f.Data
	detected := DetectMediaType(data)
	if !acceptedMediaTypes[detected] {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return ImageAsset{}, &AcquisitionError{Kind: DeviceUnavailable, Err: fmt.Errorf("undecodable frame: %w", err)}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: frameQuality}); err != nil {
			return ImageAsset{}, &AcquisitionError{Kind: DeviceUnavailable, Err: fmt.Errorf("encode frame: %w", err)}
		}
		data = buf.Bytes()
		detected = MediaTypeJPEG
	}
	name := fmt.Sprintf("%s-%s%s", deviceName, f.CapturedAt.UTC().Format("20060102T150405"), extensionFor(detected))
	return NewAsset(FileInput{Name: name, MediaType: detected, Data: data}, SourceDevice), nil
}

func extensionFor(mediaType string) string {
	if mediaType == MediaTypePNG {
		return ".png"
	}
	return ".jpg"
}
