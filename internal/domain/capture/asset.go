package capture

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	MediaTypeJPEG = "image/jpeg"
	MediaTypePNG  = "image/png"

	// MaxAssetBytes is the per-image ceiling (5 MiB).
	MaxAssetBytes = 5 << 20
	// MaxAssets is the number of images a draft may hold.
	MaxAssets = 3
)

var acceptedMediaTypes = map[string]bool{
	MediaTypeJPEG: true,
	MediaTypePNG:  true,
}

// Source records how an asset entered the draft.
type Source string

const (
	SourceFile   Source = "file"
	SourceDrop   Source = "drop"
	SourceDevice Source = "device"
)

// ImageAsset is a candidate image held by a draft until submission.
type ImageAsset struct {
	FileName     string        `json:"file_name"`
	MediaType    string        `json:"media_type"`
	DetectedType string        `json:"detected_type,omitempty"`
	Size         int64         `json:"size"`
	Source       Source        `json:"source"`
	Preview      PreviewHandle `json:"preview"`
	Data         []byte        `json:"-"`
}

// FileInput is one selected or dropped file before it becomes an asset.
// Size is the size the client declared; it may exceed len(Data) when the
// transport truncated an oversized upload.
type FileInput struct {
	Name      string
	MediaType string
	Size      int64
	Data      []byte
}

// AcceptedMediaType reports whether mediaType is one of the two accepted types.
func AcceptedMediaType(mediaType string) bool {
	return acceptedMediaTypes[NormalizeMediaType(mediaType)]
}

// NormalizeMediaType lower-cases a media type and strips parameters.
func NormalizeMediaType(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}
	mediaType = strings.ToLower(mediaType)
	switch mediaType {
	case "image/jpg", "image/pjpeg":
		return MediaTypeJPEG
	case "image/apng", "image/vnd.mozilla.apng":
		// animated PNG is still a PNG container
		return MediaTypePNG
	}
	return mediaType
}

// DetectMediaType sniffs the content type of data.
func DetectMediaType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return NormalizeMediaType(mimetype.Detect(data).String())
}

// NewAsset builds an asset from raw input. The declared type wins when present;
// generic declarations fall back to the sniffed type.
func NewAsset(in FileInput, source Source) ImageAsset {
	detected := DetectMediaType(in.Data)
	declared := NormalizeMediaType(in.MediaType)
	if declared == "" || declared == "application/octet-stream" {
		declared = detected
	}
	size := int64(len(in.Data))
	if in.Size > size {
		size = in.Size
	}
	return ImageAsset{
		FileName:     in.Name,
		MediaType:    declared,
		DetectedType: detected,
		Size:         size,
		Source:       source,
		Data:         in.Data,
	}
}
