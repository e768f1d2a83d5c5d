package detector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/gesturenode/pkg/perfstats"
	"github.com/cyclopcam/gesturenode/pkg/stabilizer"
	"github.com/cyclopcam/logs"
)

// Package detector turns classifier score tensors into detection records,
// optionally smoothing the class over time with a stabilizer window.
//
// Input:
//
//	TENSORS: []nn.Tensor (or []nn.ScoreTensor). Only the first tensor is read.
//
// Output:
//
//	0: []nn.Detection, always with exactly one element

// TagTensors is the input tag that carries the score tensors
const TagTensors = "TENSORS"

var ErrMissingInput = errors.New("No packet on input " + TagTensors)
var ErrNoTensors = errors.New("Input tensor list is empty")
var ErrMalformedTensor = errors.New("Malformed score tensor")

// Stats counts what a Node has done since it was opened
type Stats struct {
	Frames       int64   `json:"frames"`       // Frames that produced a detection
	Stabilized   int64   `json:"stabilized"`   // Frames whose decision was replaced by a window vote
	StaleResets  int64   `json:"staleResets"`  // Number of times the window was cleared by a time gap
	AverageScore float64 `json:"averageScore"` // Mean emitted score
}

// Node is the classifier-to-detection node.
// The stabilizer window lives from Open until Close.
type Node struct {
	Options Options
	Classes []string // Optional class names, which are attached to emitted detections

	window *stabilizer.Window // nil when the stabilizer is disabled, or the node is not open

	statsLock   sync.Mutex
	stats       Stats
	scoreTotals perfstats.Accumulator
}

func NewNode(options Options, classes []string) *Node {
	return &Node{
		Options: options,
		Classes: classes,
	}
}

func (n *Node) Contract() graph.Contract {
	return graph.Contract{
		InputTags:  []string{TagTensors},
		NumOutputs: 1,
	}
}

func (n *Node) Open(cc *graph.Context) error {
	if err := n.Options.Validate(); err != nil {
		return err
	}
	n.statsLock.Lock()
	n.stats = Stats{}
	n.scoreTotals.Reset()
	n.statsLock.Unlock()

	if n.Options.StabilizerEnabled() {
		so := n.Options.stabilizerOptions()
		n.window = stabilizer.NewWindow(so)
		cc.Log.Infof("Detector node open, stabilizer window %v, stale timeout %v seconds", so.QueueSize, so.QueueTimeout)
	} else {
		n.window = nil
		cc.Log.Infof("Detector node open, stabilizer disabled")
	}
	return nil
}

func (n *Node) Process(cc *graph.Context) error {
	packet, ok := cc.Input(TagTensors)
	if !ok {
		return ErrMissingInput
	}
	tensor, err := firstTensor(packet.Payload)
	if err != nil {
		return err
	}
	numClasses, err := tensor.NumClasses()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedTensor, err)
	}

	scores := tensor.Scores()
	if numClasses > len(scores) {
		return fmt.Errorf("%w: %v classes, but only %v scores", ErrMalformedTensor, numClasses, len(scores))
	}
	decision := nn.Argmax(scores[:numClasses])

	var outcome stabilizer.Outcome
	if n.window != nil {
		outcome = n.window.Stabilize(&decision, cc.InputTimestamp().Seconds())
		if outcome.Reset && n.Options.Verbose {
			cc.Log.Infof("Stabilizer window reset at %v", cc.InputTimestamp())
		}
	}

	detection := nn.NewDetection(decision, nn.PlaceholderLocation())
	if name := nn.ClassName(n.Classes, decision.Label); name != "" {
		detection.Label = []string{name}
	}
	cc.AddOutput(0, []nn.Detection{detection})

	n.statsLock.Lock()
	n.stats.Frames++
	if outcome.Voted {
		n.stats.Stabilized++
	}
	if outcome.Reset {
		n.stats.StaleResets++
	}
	n.scoreTotals.AddSample(float64(decision.Score))
	n.statsLock.Unlock()

	return nil
}

func (n *Node) Close(cc *graph.Context) error {
	n.window = nil
	n.statsLock.Lock()
	frames := n.stats.Frames
	n.statsLock.Unlock()
	cc.Log.Infof("Detector node closed after %v frames", frames)
	return nil
}

func (n *Node) Stats() Stats {
	n.statsLock.Lock()
	defer n.statsLock.Unlock()
	s := n.stats
	s.AverageScore = n.scoreTotals.Average()
	return s
}

// Extract the first tensor of the input packet. We accept concrete tensors,
// or anything that implements the ScoreTensor view.
func firstTensor(payload any) (nn.ScoreTensor, error) {
	switch tensors := payload.(type) {
	case []nn.Tensor:
		if len(tensors) == 0 {
			return nil, ErrNoTensors
		}
		return &tensors[0], nil
	case []nn.ScoreTensor:
		if len(tensors) == 0 {
			return nil, ErrNoTensors
		}
		if tensors[0] == nil {
			return nil, fmt.Errorf("%w: nil tensor", ErrMalformedTensor)
		}
		return tensors[0], nil
	default:
		return nil, fmt.Errorf("%w: unexpected payload type %T", ErrMalformedTensor, payload)
	}
}
