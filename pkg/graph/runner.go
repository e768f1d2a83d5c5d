package graph

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cyclopcam/gesturenode/pkg/event"
	"github.com/cyclopcam/gesturenode/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

var ErrClosed = errors.New("Runner is closed")
var ErrTimestampOutOfOrder = errors.New("Timestamp is lower than the previous frame")
var ErrUnknownInput = errors.New("Input tag is not part of the node's contract")
var ErrUnknownOutput = errors.New("Node emitted a packet on an undeclared output")

// How often we're willing to spam the log with frame failures
const errorLogInterval = 15 * time.Second

// RunnerStats is a snapshot of a Runner's counters
type RunnerStats struct {
	FramesProcessed int64         `json:"framesProcessed"`
	FramesFailed    int64         `json:"framesFailed"`
	PacketsEmitted  int64         `json:"packetsEmitted"`
	AverageProcess  time.Duration `json:"averageProcessNS"`
	MaxProcess      time.Duration `json:"maxProcessNS"`
}

// Runner drives a single node.
// Frames are processed strictly one at a time, in the order that Process is called.
// Every packet that the node emits is sent to the runner's listeners, on the
// caller's goroutine, before Process returns. Listeners must not block.
type Runner struct {
	event.Sender[OutputPacket]
	Log logs.Log

	lock          sync.Mutex // Serializes all calls into the node
	node          Node
	contract      Contract
	cc            *Context
	closed        bool
	lastTimestamp Timestamp
	hasTimestamp  bool
	lastErrAt     time.Time

	framesProcessed int64
	framesFailed    int64
	packetsEmitted  int64
	processTime     perfstats.TimeAccumulator
}

// NewRunner validates the node's contract, and opens the node
func NewRunner(log logs.Log, node Node) (*Runner, error) {
	contract := node.Contract()
	if len(contract.InputTags) == 0 {
		return nil, fmt.Errorf("Node declares no input tags")
	}
	if contract.NumOutputs < 1 {
		return nil, fmt.Errorf("Node declares no outputs")
	}
	r := &Runner{
		Log:      log,
		node:     node,
		contract: contract,
		cc:       &Context{Log: log},
	}
	if err := node.Open(r.cc); err != nil {
		return nil, fmt.Errorf("Failed to open node: %w", err)
	}
	return r, nil
}

// Process runs a single frame through the node, and returns the packets that it emitted.
// inputs maps input tags to payloads. A tag that is absent from inputs is delivered to
// the node as a missing packet.
// If the node fails the frame, the error is returned and nothing is emitted, but the
// runner remains usable for subsequent frames.
func (r *Runner) Process(inputs map[string]any, ts Timestamp) ([]OutputPacket, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.hasTimestamp && ts < r.lastTimestamp {
		return nil, fmt.Errorf("%w (%v < %v)", ErrTimestampOutOfOrder, ts, r.lastTimestamp)
	}

	packets := make(map[string]Packet, len(inputs))
	for tag, payload := range inputs {
		if !slices.Contains(r.contract.InputTags, tag) {
			return nil, fmt.Errorf("%w: '%v'", ErrUnknownInput, tag)
		}
		packets[tag] = Packet{
			Timestamp: ts,
			Payload:   payload,
		}
	}
	r.lastTimestamp = ts
	r.hasTimestamp = true

	start := time.Now()
	r.cc.reset(packets, ts)
	err := r.node.Process(r.cc)
	r.processTime.AddSample(time.Since(start))

	if err == nil {
		for _, out := range r.cc.Outputs() {
			if out.Index < 0 || out.Index >= r.contract.NumOutputs {
				err = fmt.Errorf("%w: %v", ErrUnknownOutput, out.Index)
				break
			}
		}
	}

	if err != nil {
		r.framesFailed++
		if time.Since(r.lastErrAt) > errorLogInterval {
			r.Log.Errorf("Frame at %v failed: %v", ts, err)
			r.lastErrAt = time.Now()
		}
		return nil, err
	}

	outputs := r.cc.Outputs()
	r.framesProcessed++
	r.packetsEmitted += int64(len(outputs))
	for _, out := range outputs {
		r.SendEvent(out)
	}
	return outputs, nil
}

func (r *Runner) Stats() RunnerStats {
	r.lock.Lock()
	defer r.lock.Unlock()
	return RunnerStats{
		FramesProcessed: r.framesProcessed,
		FramesFailed:    r.framesFailed,
		PacketsEmitted:  r.packetsEmitted,
		AverageProcess:  r.processTime.Average(),
		MaxProcess:      r.processTime.Max,
	}
}

// Close closes the node. Subsequent calls to Process return ErrClosed.
func (r *Runner) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cc.reset(nil, r.lastTimestamp)
	return r.node.Close(r.cc)
}
