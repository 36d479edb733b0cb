package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnsupportedType   = errors.New("unsupported media type")
	ErrSizeExceeded      = errors.New("image exceeds maximum size")
	ErrCountExceeded     = errors.New("too many images")
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	ErrIncompleteMetadata     = errors.New("incomplete acquisition metadata")
	ErrMissingOtherReasonText = errors.New("clinical reason \"other\" requires a description")

	ErrInvalidTransition = errors.New("invalid draft state transition")
	ErrDraftBusy         = errors.New("draft has a submission in flight")
	ErrDraftClosed       = errors.New("draft is no longer editable")
	ErrImageNotFound     = errors.New("image not found in draft")
	ErrPreviewNotFound   = errors.New("preview not found or already released")
)

// ValidationKind discriminates validation gate failures.
type ValidationKind string

const (
	UnsupportedType ValidationKind = "unsupported_type"
	SizeExceeded    ValidationKind = "size_exceeded"
	CountExceeded   ValidationKind = "count_exceeded"
)

// ValidationError reports the first rule a candidate batch violated. Index is
// the offending position in the candidate batch, or -1 for batch-level rules.
type ValidationError struct {
	Kind      ValidationKind
	Index     int
	FileName  string
	MediaType string
	Size      int64
	Count     int
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnsupportedType:
		return fmt.Sprintf("image %q: media type %q is not accepted (jpeg or png only)", e.FileName, e.MediaType)
	case SizeExceeded:
		return fmt.Sprintf("image %q: %d bytes exceeds the %d byte limit", e.FileName, e.Size, MaxAssetBytes)
	case CountExceeded:
		return fmt.Sprintf("a draft holds at most %d images, batch would make %d", MaxAssets, e.Count)
	}
	return "image validation failed"
}

func (e *ValidationError) Unwrap() error {
	switch e.Kind {
	case UnsupportedType:
		return ErrUnsupportedType
	case SizeExceeded:
		return ErrSizeExceeded
	case CountExceeded:
		return ErrCountExceeded
	}
	return nil
}

// AcquisitionKind discriminates device capture failures.
type AcquisitionKind string

const (
	PermissionDenied  AcquisitionKind = "permission_denied"
	DeviceUnavailable AcquisitionKind = "device_unavailable"
)

type AcquisitionError struct {
	Kind AcquisitionKind
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device capture failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("device capture failed (%s)", e.Kind)
}

func (e *AcquisitionError) Unwrap() []error {
	sentinel := ErrDeviceUnavailable
	if e.Kind == PermissionDenied {
		sentinel = ErrPermissionDenied
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// MetadataError carries one message per offending field, keyed by the JSON
// field name so callers can render inline messages.
type MetadataError struct {
	Fields map[string]string
}

func (e *MetadataError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "submission incomplete: " + strings.Join(parts, "; ")
}

func (e *MetadataError) Unwrap() []error {
	var errs []error
	if _, ok := e.Fields["other_reason_text"]; ok {
		errs = append(errs, ErrMissingOtherReasonText)
	}
	if len(e.Fields) > len(errs) {
		errs = append(errs, ErrIncompleteMetadata)
	}
	return errs
}
