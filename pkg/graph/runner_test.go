package graph

import (
	"errors"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var errOdd = errors.New("odd payload")

// echoNode emits its "IN" payload on output 0, and fails on odd integers
type echoNode struct {
	opened      int
	closed      int
	badOutput   bool
	failOnOpen  bool
	numOutputs  int
	seenMissing int
}

func (n *echoNode) Contract() Contract {
	return Contract{InputTags: []string{"IN"}, NumOutputs: n.numOutputs}
}

func (n *echoNode) Open(cc *Context) error {
	if n.failOnOpen {
		return errors.New("nope")
	}
	n.opened++
	return nil
}

func (n *echoNode) Process(cc *Context) error {
	p, ok := cc.Input("IN")
	if !ok {
		n.seenMissing++
		return errors.New("missing input")
	}
	v := p.Payload.(int)
	cc.AddOutput(0, v*10)
	if n.badOutput {
		cc.AddOutput(5, v)
	}
	if v%2 == 1 {
		return errOdd
	}
	return nil
}

func (n *echoNode) Close(cc *Context) error {
	n.closed++
	return nil
}

type collector struct {
	packets []OutputPacket
}

func (c *collector) OnEvent(p OutputPacket) {
	c.packets = append(c.packets, p)
}

func TestRunner(t *testing.T) {
	node := &echoNode{numOutputs: 1}
	r, err := NewRunner(logs.NewTestingLog(t), node)
	require.NoError(t, err)
	require.Equal(t, 1, node.opened)

	c := &collector{}
	r.AddListener(c)

	out, err := r.Process(map[string]any{"IN": 2}, 100)
	require.NoError(t, err)
	require.Equal(t, []OutputPacket{{Index: 0, Packet: Packet{Timestamp: 100, Payload: 20}}}, out)

	// Failed frames emit nothing, and don't stop the runner
	out, err = r.Process(map[string]any{"IN": 3}, 200)
	require.ErrorIs(t, err, errOdd)
	require.Nil(t, out)

	// Missing input
	_, err = r.Process(map[string]any{}, 250)
	require.Error(t, err)
	require.Equal(t, 1, node.seenMissing)

	// Equal timestamps are fine
	out, err = r.Process(map[string]any{"IN": 4}, 250)
	require.NoError(t, err)
	require.Equal(t, Timestamp(250), out[0].Packet.Timestamp)

	// Timestamps must not go backwards
	_, err = r.Process(map[string]any{"IN": 6}, 249)
	require.ErrorIs(t, err, ErrTimestampOutOfOrder)

	_, err = r.Process(map[string]any{"OTHER": 6}, 300)
	require.ErrorIs(t, err, ErrUnknownInput)

	require.Len(t, c.packets, 2)
	require.Equal(t, 20, c.packets[0].Packet.Payload)
	require.Equal(t, 40, c.packets[1].Packet.Payload)

	stats := r.Stats()
	require.Equal(t, int64(2), stats.FramesProcessed)
	require.Equal(t, int64(2), stats.FramesFailed)
	require.Equal(t, int64(2), stats.PacketsEmitted)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.Equal(t, 1, node.closed)
	_, err = r.Process(map[string]any{"IN": 8}, 400)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunnerUndeclaredOutput(t *testing.T) {
	node := &echoNode{numOutputs: 1, badOutput: true}
	r, err := NewRunner(logs.NewTestingLog(t), node)
	require.NoError(t, err)
	c := &collector{}
	r.AddListener(c)
	_, err = r.Process(map[string]any{"IN": 2}, 0)
	require.ErrorIs(t, err, ErrUnknownOutput)
	require.Len(t, c.packets, 0)
}

func TestRunnerContract(t *testing.T) {
	_, err := NewRunner(logs.NewTestingLog(t), &echoNode{numOutputs: 0})
	require.Error(t, err)

	_, err = NewRunner(logs.NewTestingLog(t), &echoNode{numOutputs: 1, failOnOpen: true})
	require.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	require.Equal(t, Timestamp(100000), TimestampFromSeconds(0.1))
	require.Equal(t, Timestamp(2000000), TimestampFromSeconds(2))
	require.Equal(t, 0.3, TimestampFromSeconds(0.3).Seconds())
	require.Equal(t, "1.500000s", TimestampFromSeconds(1.5).String())
}
