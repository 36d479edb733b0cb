package classification

import (
	"encoding/hex"

	"github.com/ehr/ecgreview/internal/domain/capture"
)

// SignalSource derives indicator tags from a submission for rule matching.
type SignalSource interface {
	Name() string
	Signals(sub capture.Submission) []string
}

// OperatorSignals uses the tags the operator recorded with the tracing.
type OperatorSignals struct{}

func (OperatorSignals) Name() string { return "operator" }

func (OperatorSignals) Signals(sub capture.Submission) []string {
	return sub.Metadata().Signals
}

// SimulatedSignals is a development stand-in that picks one tag per submission
// from the image content hash. It carries no clinical meaning.
type SimulatedSignals struct{}

var simulatedTags = []string{"st-elevation", "atrial-fibrillation", "prior-infarct", "sinus-rhythm", ""}

func (SimulatedSignals) Name() string { return "simulated" }

func (SimulatedSignals) Signals(sub capture.Submission) []string {
	b := hashBytes(sub.ContentHash())
	if len(b) == 0 {
		return nil
	}
	if tag := simulatedTags[int(b[0])%len(simulatedTags)]; tag != "" {
		return []string{tag}
	}
	return nil
}

// NewSignalSource returns the source registered under name.
func NewSignalSource(name string) SignalSource {
	if name == "simulated" {
		return SimulatedSignals{}
	}
	return OperatorSignals{}
}

func hashBytes(h string) []byte {
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	return b
}
