package detector

import (
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
)

// Frame is the JSON form of one input frame, as it arrives over HTTP, or
// from a replay file (one frame per line).
//
//	{"timestamp": 0.1, "tensors": [{"dims": [1, 3], "data": [0.1, 0.9, 0.0]}]}
type Frame struct {
	Timestamp float64     `json:"timestamp"` // Seconds
	Tensors   []nn.Tensor `json:"tensors"`
}

// NewFrame creates a frame with a single [1, N] score tensor
func NewFrame(timestamp float64, scores ...float32) Frame {
	return Frame{
		Timestamp: timestamp,
		Tensors:   []nn.Tensor{nn.NewScoreTensor(scores...)},
	}
}

// Inputs returns the input packet payloads for a Runner.
// A frame without a tensors field produces no packet on the TENSORS tag.
func (f *Frame) Inputs() map[string]any {
	inputs := map[string]any{}
	if f.Tensors != nil {
		inputs[TagTensors] = f.Tensors
	}
	return inputs
}

func (f *Frame) PacketTimestamp() graph.Timestamp {
	return graph.TimestampFromSeconds(f.Timestamp)
}
