package detector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func timeout(seconds float64) *float64 {
	return &seconds
}

func newTestRunner(t *testing.T, options Options, classes []string) (*graph.Runner, *Node) {
	node := NewNode(options, classes)
	runner, err := graph.NewRunner(logs.NewTestingLog(t), node)
	require.NoError(t, err)
	t.Cleanup(func() { runner.Close() })
	return runner, node
}

// Process a frame, and verify the properties that must hold for every emitted detection
func processFrame(t *testing.T, runner *graph.Runner, frame Frame) nn.Decision {
	outputs, err := runner.Process(frame.Inputs(), frame.PacketTimestamp())
	require.NoError(t, err)

	// One output packet per frame, at the input timestamp
	require.Len(t, outputs, 1)
	require.Equal(t, 0, outputs[0].Index)
	require.Equal(t, frame.PacketTimestamp(), outputs[0].Packet.Timestamp)

	detections, ok := outputs[0].Packet.Payload.([]nn.Detection)
	require.True(t, ok)
	require.Len(t, detections, 1)
	det := detections[0]
	require.Len(t, det.Score, 1)
	require.Len(t, det.LabelID, 1)

	// Label is within the class range of this frame's tensor
	n, err := frame.Tensors[0].NumClasses()
	require.NoError(t, err)
	require.GreaterOrEqual(t, det.LabelID[0], 0)
	require.Less(t, det.LabelID[0], n)

	// Location never changes
	require.Equal(t, nn.LocationFormatBoundingBox, det.LocationData.Format)
	require.Equal(t, nn.Rect{X: 450, Y: 450, Width: 200, Height: 20}, det.LocationData.BoundingBox)

	d, _ := det.Decision()
	return d
}

func processAll(t *testing.T, runner *graph.Runner, frames []Frame) []nn.Decision {
	out := []nn.Decision{}
	for _, f := range frames {
		out = append(out, processFrame(t, runner, f))
	}
	return out
}

func TestPassthrough(t *testing.T) {
	for _, size := range []int{-3, 0, 1} {
		runner, node := newTestRunner(t, Options{QueueSize: size, QueueTimeOutS: timeout(0.05)}, nil)
		out := processAll(t, runner, []Frame{
			NewFrame(0.0, 0.1, 0.9, 0.0),
			NewFrame(0.1, 0.7, 0.2, 0.1),
			NewFrame(0.2, 0.2, 0.3, 0.3),
		})
		require.Equal(t, nn.Decision{Label: 1, Score: 0.9}, out[0])
		require.Equal(t, nn.Decision{Label: 0, Score: 0.7}, out[1])
		require.Equal(t, nn.Decision{Label: 1, Score: 0.3}, out[2])
		require.Nil(t, node.window)
		stats := node.Stats()
		require.Equal(t, int64(3), stats.Frames)
		require.Equal(t, int64(0), stats.Stabilized)
		require.Equal(t, int64(0), stats.StaleResets)
	}
}

func TestAllNegativeScores(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 1}, nil)
	out := processFrame(t, runner, NewFrame(0, -0.5, -0.1, -0.9))
	require.Equal(t, nn.Decision{Label: 0, Score: 0}, out)
}

func TestPluralityVote(t *testing.T) {
	runner, node := newTestRunner(t, Options{QueueSize: 4}, nil)
	out := processAll(t, runner, []Frame{
		NewFrame(0.0, 0.8, 0.1, 0.1),
		NewFrame(0.1, 0.2, 0.6, 0.2),
		NewFrame(0.2, 0.7, 0.2, 0.1),
		NewFrame(0.3, 0.2, 0.3, 0.5),
	})
	require.Equal(t, 0, out[2].Label)
	require.Equal(t, 1, out[3].Label)
	require.InDelta(t, 0.6, out[3].Score, 1e-6)
	require.Equal(t, int64(1), node.Stats().Stabilized)
	require.Equal(t, 3, node.window.Len())
}

func TestStabilizeSpuriousFlip(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 5}, nil)
	out := processAll(t, runner, []Frame{
		NewFrame(0.0, 0.9, 0.05, 0.05),
		NewFrame(0.1, 0.8, 0.1, 0.1),
		NewFrame(0.2, 0.3, 0.6, 0.1),
		NewFrame(0.3, 0.85, 0.1, 0.05),
		NewFrame(0.4, 0.95, 0.03, 0.02),
	})
	require.Equal(t, 0, out[4].Label)
	require.InDelta(t, (0.8+0.85+0.95)/3, out[4].Score, 1e-6)
}

func TestStaleResetEmitsOwnArgmax(t *testing.T) {
	runner, node := newTestRunner(t, Options{QueueSize: 3, QueueTimeOutS: timeout(1.0), Verbose: true}, nil)
	out := processAll(t, runner, []Frame{
		NewFrame(0.0, 0.05, 0.9, 0.05),
		NewFrame(2.0, 0.1, 0.1, 0.8),
	})
	require.Equal(t, nn.Decision{Label: 2, Score: 0.8}, out[1])
	require.Equal(t, int64(1), node.Stats().StaleResets)
	require.Equal(t, 1, node.window.Len())
}

func TestNoResetWithinTimeout(t *testing.T) {
	runner, node := newTestRunner(t, Options{QueueSize: 3, QueueTimeOutS: timeout(1.0)}, nil)
	out := processAll(t, runner, []Frame{
		NewFrame(0.0, 0.2, 0.7, 0.1),
		NewFrame(0.5, 0.2, 0.7, 0.1),
		NewFrame(0.9, 0.2, 0.7, 0.1),
	})
	require.Equal(t, 1, out[2].Label)
	require.InDelta(t, 0.7, out[2].Score, 1e-6)
	stats := node.Stats()
	require.Equal(t, int64(0), stats.StaleResets)
	require.Equal(t, int64(1), stats.Stabilized)
	require.InDelta(t, 0.7, stats.AverageScore, 1e-6)
}

func TestWarmupTie(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 3}, nil)
	out := processAll(t, runner, []Frame{
		NewFrame(0.0, 0.5, 0.3, 0.2),
		NewFrame(0.1, 0.3, 0.5, 0.2),
	})
	require.Equal(t, nn.Decision{Label: 1, Score: 0.5}, out[1])
}

func TestWindowBound(t *testing.T) {
	runner, node := newTestRunner(t, Options{QueueSize: 4}, nil)
	for i := 0; i < 20; i++ {
		scores := []float32{0.1, 0.1, 0.1, 0.1}
		scores[i%4] = 0.9
		processFrame(t, runner, NewFrame(float64(i)*0.1, scores...))
		require.LessOrEqual(t, node.window.Len(), 3)
	}
}

func TestClassNames(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 1}, []string{"fist", "palm"})
	frames := []Frame{NewFrame(0, 0.1, 0.9), NewFrame(0.1, 0.1, 0.2, 0.7)}
	outputs, err := runner.Process(frames[0].Inputs(), frames[0].PacketTimestamp())
	require.NoError(t, err)
	require.Equal(t, []string{"palm"}, outputs[0].Packet.Payload.([]nn.Detection)[0].Label)

	// A label beyond the class list gets no name
	outputs, err = runner.Process(frames[1].Inputs(), frames[1].PacketTimestamp())
	require.NoError(t, err)
	require.Nil(t, outputs[0].Packet.Payload.([]nn.Detection)[0].Label)
}

func TestFailedFrames(t *testing.T) {
	runner, node := newTestRunner(t, Options{QueueSize: 3}, nil)

	// Missing input packet
	_, err := runner.Process(map[string]any{}, 0)
	require.ErrorIs(t, err, ErrMissingInput)

	// Empty tensor vector
	_, err = runner.Process(map[string]any{TagTensors: []nn.Tensor{}}, 1)
	require.ErrorIs(t, err, ErrNoTensors)
	_, err = runner.Process(map[string]any{TagTensors: []nn.ScoreTensor{}}, 2)
	require.ErrorIs(t, err, ErrNoTensors)

	// N = 0
	_, err = runner.Process(map[string]any{TagTensors: []nn.Tensor{{Dims: []int{1, 0}}}}, 3)
	require.ErrorIs(t, err, ErrMalformedTensor)
	require.ErrorIs(t, err, nn.ErrNoClasses)

	// Missing dims
	_, err = runner.Process(map[string]any{TagTensors: []nn.Tensor{{Data: []float32{1}}}}, 4)
	require.ErrorIs(t, err, ErrMalformedTensor)
	require.ErrorIs(t, err, nn.ErrMissingDims)

	// Wrong payload type
	_, err = runner.Process(map[string]any{TagTensors: "hello"}, 5)
	require.ErrorIs(t, err, ErrMalformedTensor)

	// None of the failures touched the window
	require.Equal(t, 0, node.window.Len())
	_, seen := node.window.LastSeen()
	require.False(t, seen)

	// Subsequent frames continue
	out := processFrame(t, runner, NewFrame(0.1, 0.3, 0.6, 0.1))
	require.Equal(t, nn.Decision{Label: 1, Score: 0.6}, out)
	require.Equal(t, int64(6), runner.Stats().FramesFailed)
}

func TestScoreTensorView(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 1}, nil)
	tensor := nn.NewScoreTensor(0.2, 0.1, 0.4, 0.3)
	// Extra payload beyond dims[1] is ignored
	tensor.Dims = []int{1, 2}
	outputs, err := runner.Process(map[string]any{TagTensors: []nn.ScoreTensor{&tensor}}, 0)
	require.NoError(t, err)
	d, _ := outputs[0].Packet.Payload.([]nn.Detection)[0].Decision()
	require.Equal(t, nn.Decision{Label: 0, Score: 0.2}, d)
}

func TestOnlyFirstTensorIsRead(t *testing.T) {
	runner, _ := newTestRunner(t, Options{QueueSize: 1}, nil)
	frame := Frame{
		Timestamp: 0,
		Tensors: []nn.Tensor{
			nn.NewScoreTensor(0.1, 0.8),
			nn.NewScoreTensor(0.9, 0.1),
		},
	}
	out := processFrame(t, runner, frame)
	require.Equal(t, nn.Decision{Label: 1, Score: 0.8}, out)
}

func TestOptions(t *testing.T) {
	o := Options{QueueSize: 3, QueueTimeOutS: timeout(-1)}
	require.ErrorIs(t, o.Validate(), ErrNegativeTimeout)

	// The node refuses to open with invalid options
	_, err := graph.NewRunner(logs.NewTestingLog(t), NewNode(o, nil))
	require.ErrorIs(t, err, ErrNegativeTimeout)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"queue_size": 5, "queue_time_out_s": 1.5}`), 0644))
	loaded, err := LoadOptions(good)
	require.NoError(t, err)
	require.Equal(t, 5, loaded.QueueSize)
	require.NotNil(t, loaded.QueueTimeOutS)
	require.Equal(t, 1.5, *loaded.QueueTimeOutS)
	require.True(t, loaded.StabilizerEnabled())

	noTimeout := filepath.Join(dir, "notimeout.json")
	require.NoError(t, os.WriteFile(noTimeout, []byte(`{"queue_size": 1}`), 0644))
	loaded, err = LoadOptions(noTimeout)
	require.NoError(t, err)
	require.Nil(t, loaded.QueueTimeOutS)
	require.False(t, loaded.StabilizerEnabled())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"queue_size": 5, "queue_time_out_s": -2}`), 0644))
	_, err = LoadOptions(bad)
	require.ErrorIs(t, err, ErrNegativeTimeout)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte(`{"queue_size": `), 0644))
	_, err = LoadOptions(garbage)
	require.Error(t, err)

	_, err = LoadOptions(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestReopenStartsEmpty(t *testing.T) {
	node := NewNode(Options{QueueSize: 3}, nil)
	runner, err := graph.NewRunner(logs.NewTestingLog(t), node)
	require.NoError(t, err)
	processFrame(t, runner, NewFrame(0, 0.9, 0.1))
	processFrame(t, runner, NewFrame(0.1, 0.9, 0.1))
	require.NoError(t, runner.Close())
	require.Nil(t, node.window)

	runner, err = graph.NewRunner(logs.NewTestingLog(t), node)
	require.NoError(t, err)
	defer runner.Close()
	require.Equal(t, 0, node.window.Len())
	require.Equal(t, int64(0), node.Stats().Frames)
}
