package stabilizer

import (
	"testing"

	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/stretchr/testify/require"
)

type frame struct {
	time     float64
	decision nn.Decision
}

// Run the frames through a fresh window, and return the stabilized decisions
func stabilizeAll(t *testing.T, w *Window, frames []frame) ([]nn.Decision, []Outcome) {
	out := []nn.Decision{}
	outcomes := []Outcome{}
	for _, f := range frames {
		d := f.decision
		outcomes = append(outcomes, w.Stabilize(&d, f.time))
		out = append(out, d)
		// The window never holds more than W-1 decisions between frames
		require.LessOrEqual(t, w.Len(), w.Options().QueueSize-1)
	}
	return out, outcomes
}

func TestDisabled(t *testing.T) {
	for _, size := range []int{-1, 0, 1} {
		w := NewWindow(Options{QueueSize: size, QueueTimeout: 1})
		d := nn.Decision{Label: 2, Score: 0.4}
		outcome := w.Stabilize(&d, 5)
		require.Equal(t, Outcome{}, outcome)
		require.Equal(t, nn.Decision{Label: 2, Score: 0.4}, d)
		require.Equal(t, 0, w.Len())
		_, seen := w.LastSeen()
		require.False(t, seen)
	}
}

func TestPluralityVoteTieBreak(t *testing.T) {
	w := NewWindow(Options{QueueSize: 4})
	out, outcomes := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 0, Score: 0.8}},
		{0.1, nn.Decision{Label: 1, Score: 0.6}},
		{0.2, nn.Decision{Label: 0, Score: 0.7}},
		{0.3, nn.Decision{Label: 2, Score: 0.5}},
	})
	// Warm-up frames pass through
	require.Equal(t, nn.Decision{Label: 0, Score: 0.8}, out[0])
	require.Equal(t, nn.Decision{Label: 1, Score: 0.6}, out[1])
	require.Equal(t, nn.Decision{Label: 0, Score: 0.7}, out[2])
	require.False(t, outcomes[2].Voted)

	// The head (0, 0.8) is evicted, leaving [1, 0, 2]. Every label has one vote,
	// and label 1 was the first to reach that count.
	require.True(t, outcomes[3].Voted)
	require.Equal(t, 1, out[3].Label)
	require.InDelta(t, 0.6, out[3].Score, 1e-6)
	require.Equal(t, []nn.Decision{{Label: 1, Score: 0.6}, {Label: 0, Score: 0.7}, {Label: 2, Score: 0.5}}, w.Decisions())
}

func TestSpuriousFlip(t *testing.T) {
	w := NewWindow(Options{QueueSize: 5})
	out, _ := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 0, Score: 0.9}},
		{0.1, nn.Decision{Label: 0, Score: 0.8}},
		{0.2, nn.Decision{Label: 1, Score: 0.6}},
		{0.3, nn.Decision{Label: 0, Score: 0.85}},
		{0.4, nn.Decision{Label: 0, Score: 0.95}},
	})
	// The flip to label 1 is still reported during warm-up
	require.Equal(t, 1, out[2].Label)

	// Voting window after eviction: (0,.8) (1,.6) (0,.85) (0,.95)
	require.Equal(t, 0, out[4].Label)
	require.InDelta(t, (0.8+0.85+0.95)/3, out[4].Score, 1e-6)
}

func TestVoteFollowsWindowOrder(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3})
	out, _ := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 4, Score: 0.9}},
		{0.1, nn.Decision{Label: 4, Score: 0.8}},
		{0.2, nn.Decision{Label: 4, Score: 0.7}},
		{0.3, nn.Decision{Label: 3, Score: 0.9}},
		{0.4, nn.Decision{Label: 4, Score: 0.6}},
	})
	// Frame 4: window [4(.7), 3(.9)] -> 4 reaches count 1 first
	require.Equal(t, nn.Decision{Label: 4, Score: 0.7}, out[3])
	// Frame 5: window [3(.9), 4(.6)] -> 3 reaches count 1 first
	require.Equal(t, 3, out[4].Label)
	require.InDelta(t, 0.9, out[4].Score, 1e-6)
}

func TestStaleReset(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3, QueueTimeout: 1.0})
	out, outcomes := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 1, Score: 0.9}},
		{2.0, nn.Decision{Label: 2, Score: 0.8}},
	})
	require.False(t, outcomes[0].Reset)
	require.True(t, outcomes[1].Reset)
	require.False(t, outcomes[1].Voted)
	require.Equal(t, nn.Decision{Label: 2, Score: 0.8}, out[1])
	require.Equal(t, 1, w.Len())
	last, ok := w.LastSeen()
	require.True(t, ok)
	require.Equal(t, 2.0, last)
}

func TestResetBoundaryIsInclusive(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3, QueueTimeout: 0.5})
	_, outcomes := stabilizeAll(t, w, []frame{
		{1.0, nn.Decision{Label: 1, Score: 0.9}},
		{1.5, nn.Decision{Label: 1, Score: 0.9}},
	})
	require.True(t, outcomes[1].Reset)
}

func TestNoResetWithinTimeout(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3, QueueTimeout: 1.0})
	out, outcomes := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 1, Score: 0.7}},
		{0.5, nn.Decision{Label: 1, Score: 0.7}},
		{0.9, nn.Decision{Label: 1, Score: 0.7}},
	})
	for _, o := range outcomes {
		require.False(t, o.Reset)
	}
	require.True(t, outcomes[2].Voted)
	require.Equal(t, 1, out[2].Label)
	require.InDelta(t, 0.7, out[2].Score, 1e-6)
}

func TestResetFromTimeZero(t *testing.T) {
	// A first frame at t=0 still counts as a previous timestamp
	w := NewWindow(Options{QueueSize: 4, QueueTimeout: 1.0})
	_, outcomes := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 0, Score: 0.5}},
		{1.0, nn.Decision{Label: 0, Score: 0.5}},
	})
	require.True(t, outcomes[1].Reset)
}

func TestLastSeenUpdatesWithoutReset(t *testing.T) {
	// Gaps are measured between consecutive frames, so a slow trickle of
	// frames below the timeout never resets the window.
	w := NewWindow(Options{QueueSize: 10, QueueTimeout: 1.0})
	_, outcomes := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 0, Score: 0.5}},
		{0.9, nn.Decision{Label: 0, Score: 0.5}},
		{1.8, nn.Decision{Label: 0, Score: 0.5}},
		{2.7, nn.Decision{Label: 0, Score: 0.5}},
	})
	for _, o := range outcomes {
		require.False(t, o.Reset)
	}
	require.Equal(t, 4, w.Len())
}

func TestNoTimeout(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3})
	_, outcomes := stabilizeAll(t, w, []frame{
		{0, nn.Decision{Label: 0, Score: 0.5}},
		{1000, nn.Decision{Label: 0, Score: 0.5}},
	})
	require.False(t, outcomes[1].Reset)
	require.Equal(t, 2, w.Len())
}

func TestWarmupTie(t *testing.T) {
	w := NewWindow(Options{QueueSize: 3})
	out, _ := stabilizeAll(t, w, []frame{
		{0.0, nn.Decision{Label: 0, Score: 0.5}},
		{0.1, nn.Decision{Label: 1, Score: 0.5}},
	})
	require.Equal(t, nn.Decision{Label: 1, Score: 0.5}, out[1])
}

func TestSteadyState(t *testing.T) {
	w := NewWindow(Options{QueueSize: 4})
	for i := 0; i < 100; i++ {
		d := nn.Decision{Label: i % 3, Score: 0.5}
		w.Stabilize(&d, float64(i)*0.03)
		require.Equal(t, min(i+1, 3), w.Len())
	}
}
