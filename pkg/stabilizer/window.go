package stabilizer

import (
	"math"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/gesturenode/pkg/nn"
)

// Package stabilizer smooths a stream of per-frame classifier decisions by
// voting over a short trailing window. A classifier that flips to a
// different class for a single frame gets outvoted by its neighbours.

// Options for a stabilizer Window
type Options struct {
	QueueSize    int     // Maximum window length (W). Values <= 1 disable stabilization.
	QueueTimeout float64 // Stale reset threshold in seconds. Zero disables stale resets.
}

func (o Options) Enabled() bool {
	return o.QueueSize > 1
}

// Outcome describes what happened to a decision inside Stabilize
type Outcome struct {
	Reset bool // The window was stale, and was cleared before this decision was added
	Voted bool // The window was full, and the decision was replaced by the vote
}

// Window is a FIFO of the most recent decisions.
// A Window is owned by a single node, and must not be used concurrently.
type Window struct {
	options     Options
	ringSize    int
	history     ringbuffer.RingP[nn.Decision]
	lastSeen    float64
	hasLastSeen bool
}

// Per-label vote tally
type tally struct {
	count int
	sum   float32
}

func NewWindow(options Options) *Window {
	// The window briefly holds QueueSize decisions, before eviction
	w := &Window{
		options:  options,
		ringSize: nextPowerOf2(max(options.QueueSize, 1) + 1),
	}
	w.Reset()
	return w
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}

// Options returns the options that the window was created with
func (w *Window) Options() Options {
	return w.options
}

// Len returns the number of decisions currently held
func (w *Window) Len() int {
	return w.history.Len()
}

// LastSeen returns the timestamp of the most recent decision, and false if
// no decision has been seen since the window was created.
func (w *Window) LastSeen() (float64, bool) {
	return w.lastSeen, w.hasLastSeen
}

// Decisions returns a copy of the window contents, oldest first
func (w *Window) Decisions() []nn.Decision {
	all := make([]nn.Decision, w.history.Len())
	for i := range all {
		all[i] = w.history.Peek(i)
	}
	return all
}

// Reset empties the window. The last seen time is retained.
func (w *Window) Reset() {
	w.history = ringbuffer.NewRingP[nn.Decision](w.ringSize)
}

// Stabilize adds the decision d, seen at time 'now' (in seconds), to the window.
// Once the window is full, d is overwritten with the label that has the most votes
// in the window, and the mean score of that label's votes.
//
// When the window reaches QueueSize, the oldest decision is evicted before voting,
// so the vote is over the QueueSize-1 most recent decisions (d included).
// Ties go to the label that reaches the winning count first, in arrival order.
//
// If stabilization is disabled, d is left untouched and the window does not change.
func (w *Window) Stabilize(d *nn.Decision, now float64) Outcome {
	outcome := Outcome{}
	if !w.options.Enabled() {
		return outcome
	}

	// If the stream paused for long enough, the previous gesture is over, and
	// its votes must not leak into the next one.
	if w.options.QueueTimeout > 0 && w.hasLastSeen && now-w.lastSeen >= w.options.QueueTimeout {
		w.Reset()
		outcome.Reset = true
	}
	w.lastSeen = now
	w.hasLastSeen = true

	w.history.Add(*d)
	if w.history.Len() < w.options.QueueSize {
		return outcome
	}

	// Discard the oldest
	w.history.Next()

	tallies := make(map[int]tally, w.history.Len())
	bestLabel := 0
	bestCount := 0
	for i := 0; i < w.history.Len(); i++ {
		vote := w.history.Peek(i)
		t := tallies[vote.Label]
		t.count++
		t.sum += vote.Score
		tallies[vote.Label] = t
		if t.count > bestCount {
			bestLabel = vote.Label
			bestCount = t.count
		}
	}

	d.Label = bestLabel
	d.Score = tallies[bestLabel].sum / float32(bestCount)
	outcome.Voted = true
	return outcome
}
