package capture

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
)

// SubmittedImage is one frozen image of a submission.
type SubmittedImage struct {
	mediaType string
	checksum  string
	data      []byte
}

func (i SubmittedImage) MediaType() string { return i.mediaType }

// Checksum is the hex SHA-256 of the image bytes.
func (i SubmittedImage) Checksum() string { return i.checksum }

func (i SubmittedImage) Size() int64 { return int64(len(i.data)) }

// Reader returns a fresh reader over the image bytes.
func (i SubmittedImage) Reader() io.Reader { return bytes.NewReader(i.data) }

// Bytes returns a copy of the image bytes.
func (i SubmittedImage) Bytes() []byte {
	out := make([]byte, len(i.data))
	copy(out, i.data)
	return out
}

// Submission is the immutable pairing of images and acquisition metadata
// handed to classification. It owns copies of everything it holds.
type Submission struct {
	draftID    uuid.UUID
	patientID  uuid.UUID
	operatorID string
	capturedAt time.Time
	metadata   Metadata
	images     []SubmittedImage
	hash       string
}

func (s Submission) DraftID() uuid.UUID    { return s.draftID }
func (s Submission) PatientID() uuid.UUID  { return s.patientID }
func (s Submission) OperatorID() string    { return s.operatorID }
func (s Submission) CapturedAt() time.Time { return s.capturedAt }
func (s Submission) ImageCount() int       { return len(s.images) }

// ContentHash fingerprints the image bytes of the submission.
func (s Submission) ContentHash() string { return s.hash }

// Metadata returns a copy of the frozen metadata.
func (s Submission) Metadata() Metadata { return s.metadata.Normalized() }

// Images returns the frozen images in draft order.
func (s Submission) Images() []SubmittedImage {
	out := make([]SubmittedImage, len(s.images))
	copy(out, s.images)
	return out
}

// Assemble freezes a draft into a submission. It performs no I/O. Every
// missing field is reported at once, keyed by field name.
func Assemble(d *Draft, now time.Time) (Submission, error) {
	if err := d.editable(); err != nil {
		return Submission{}, err
	}
	var fields map[string]string
	if err := d.Metadata.Check(); err != nil {
		fields = err.(*MetadataError).Fields
	}
	if len(d.assets) == 0 {
		if fields == nil {
			fields = map[string]string{}
		}
		fields["images"] = "at least one image is required"
	}
	if len(fields) > 0 {
		return Submission{}, &MetadataError{Fields: fields}
	}
	return NewSubmission(d.ID, d.PatientID, d.OperatorID, d.Metadata, d.assets, now)
}

// NewSubmission builds a submission from raw parts, re-running the image
// validation gate. It is used by Assemble and by offline tooling.
func NewSubmission(draftID, patientID uuid.UUID, operatorID string, meta Metadata, assets []ImageAsset, now time.Time) (Submission, error) {
	if len(assets) == 0 {
		return Submission{}, &MetadataError{Fields: map[string]string{"images": "at least one image is required"}}
	}
	if err := Validate(assets, nil); err != nil {
		return Submission{}, err
	}
	if err := meta.Check(); err != nil {
		return Submission{}, err
	}
	meta = meta.Normalized()
	capturedAt := now
	if meta.CapturedAt != nil {
		capturedAt = *meta.CapturedAt
	}

	images := make([]SubmittedImage, len(assets))
	digest := sha256.New()
	for i, a := range assets {
		data := make([]byte, len(a.Data))
		copy(data, a.Data)
		sum := sha256.Sum256(data)
		images[i] = SubmittedImage{mediaType: a.MediaType, checksum: hex.EncodeToString(sum[:]), data: data}
		digest.Write(sum[:])
	}

	return Submission{
		draftID:    draftID,
		patientID:  patientID,
		operatorID: operatorID,
		capturedAt: capturedAt.UTC(),
		metadata:   meta,
		images:     images,
		hash:       hex.EncodeToString(digest.Sum(nil)),
	}, nil
}
