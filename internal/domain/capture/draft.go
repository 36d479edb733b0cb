package capture

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DraftState is the lifecycle position of a submission draft.
type DraftState string

const (
	DraftIdle        DraftState = "idle"
	DraftCapturing   DraftState = "capturing"
	DraftClassifying DraftState = "classifying"
	DraftSubmitted   DraftState = "submitted"
	DraftCancelled   DraftState = "cancelled"
)

// draftTransitions defines the reachable states from each state.
var draftTransitions = map[DraftState][]DraftState{
	DraftIdle:        {DraftCapturing, DraftClassifying, DraftCancelled},
	DraftCapturing:   {DraftIdle, DraftCancelled},
	DraftClassifying: {DraftIdle, DraftSubmitted, DraftCancelled},
	DraftSubmitted:   {},
	DraftCancelled:   {},
}

// ValidateTransition checks that a draft may move from one state to another.
func ValidateTransition(from, to DraftState) error {
	allowed, ok := draftTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// Draft is the mutable aggregate of images and metadata that precedes a
// submission. It is not safe for concurrent use; callers serialize access.
type Draft struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	OperatorID string
	State      DraftState
	Metadata   Metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time

	assets []ImageAsset
}

func NewDraft(patientID uuid.UUID, operatorID string, now time.Time) *Draft {
	return &Draft{
		ID:         uuid.New(),
		PatientID:  patientID,
		OperatorID: operatorID,
		State:      DraftIdle,
		Metadata:   Metadata{RecordType: RecordTypeResting},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Assets returns a copy of the held assets in insertion order.
func (d *Draft) Assets() []ImageAsset {
	out := make([]ImageAsset, len(d.assets))
	copy(out, d.assets)
	return out
}

// editable reports whether images and metadata may change.
func (d *Draft) editable() error {
	switch d.State {
	case DraftIdle:
		return nil
	case DraftClassifying:
		return ErrDraftBusy
	case DraftCapturing:
		return fmt.Errorf("%w: capture session open", ErrInvalidTransition)
	default:
		return ErrDraftClosed
	}
}

// AddAssets re-validates candidates against the held assets and appends them
// all, or none.
func (d *Draft) AddAssets(candidates []ImageAsset, now time.Time) error {
	if err := d.editable(); err != nil {
		return err
	}
	return d.appendValidated(candidates, now)
}

func (d *Draft) appendValidated(candidates []ImageAsset, now time.Time) error {
	if err := Validate(candidates, d.assets); err != nil {
		return err
	}
	d.assets = append(d.assets, candidates...)
	d.UpdatedAt = now
	return nil
}

// RemoveAsset drops the asset at index and returns it so its preview can be released.
func (d *Draft) RemoveAsset(index int, now time.Time) (ImageAsset, error) {
	if err := d.editable(); err != nil {
		return ImageAsset{}, err
	}
	if index < 0 || index >= len(d.assets) {
		return ImageAsset{}, ErrImageNotFound
	}
	removed := d.assets[index]
	d.assets = append(d.assets[:index:index], d.assets[index+1:]...)
	d.UpdatedAt = now
	return removed, nil
}

// Asset returns the asset at index.
func (d *Draft) Asset(index int) (ImageAsset, error) {
	if index < 0 || index >= len(d.assets) {
		return ImageAsset{}, ErrImageNotFound
	}
	return d.assets[index], nil
}

// SetMetadata replaces the acquisition metadata. Completeness is checked at assembly.
func (d *Draft) SetMetadata(m Metadata, now time.Time) error {
	if err := d.editable(); err != nil {
		return err
	}
	d.Metadata = m
	d.UpdatedAt = now
	return nil
}

// Transition moves the draft to the given state when the move is allowed.
func (d *Draft) Transition(to DraftState, now time.Time) error {
	if err := ValidateTransition(d.State, to); err != nil {
		if d.State == DraftClassifying {
			return ErrDraftBusy
		}
		if d.State == DraftSubmitted || d.State == DraftCancelled {
			return ErrDraftClosed
		}
		return err
	}
	d.State = to
	d.UpdatedAt = now
	return nil
}

// CompleteCapture appends a device frame and returns the draft to idle. The
// frame is validated like any other candidate; on failure the draft still
// leaves the capturing state with its images unchanged.
func (d *Draft) CompleteCapture(asset ImageAsset, now time.Time) error {
	if d.State != DraftCapturing {
		return fmt.Errorf("%w: no capture session open", ErrInvalidTransition)
	}
	err := d.appendValidated([]ImageAsset{asset}, now)
	d.State = DraftIdle
	d.UpdatedAt = now
	return err
}

// Release empties the draft and returns every asset it held.
func (d *Draft) Release() []ImageAsset {
	out := d.assets
	d.assets = nil
	return out
}

// DraftView is the serializable projection of a draft.
type DraftView struct {
	ID         uuid.UUID    `json:"id"`
	PatientID  uuid.UUID    `json:"patient_id"`
	OperatorID string       `json:"operator_id"`
	State      DraftState   `json:"state"`
	Metadata   Metadata     `json:"metadata"`
	Images     []ImageAsset `json:"images"`
	CanSubmit  bool         `json:"can_submit"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (d *Draft) View() DraftView {
	return DraftView{
		ID:         d.ID,
		PatientID:  d.PatientID,
		OperatorID: d.OperatorID,
		State:      d.State,
		Metadata:   d.Metadata,
		Images:     d.Assets(),
		CanSubmit:  d.State == DraftIdle && len(d.assets) > 0 && d.Metadata.Check() == nil,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}
