package graph

import (
	"fmt"
	"math"
)

// Timestamp of a packet, in microseconds.
// Timestamps on a stream must never decrease.
type Timestamp int64

// TimestampFromSeconds converts seconds into a Timestamp, rounding to the nearest microsecond
func TimestampFromSeconds(seconds float64) Timestamp {
	return Timestamp(math.Round(seconds * 1e6))
}

func (t Timestamp) Seconds() float64 {
	return float64(t) / 1e6
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%.6fs", t.Seconds())
}

// Packet is a payload that travels along a stream, tagged with a timestamp
type Packet struct {
	Timestamp Timestamp
	Payload   any
}

// OutputPacket is a packet that a node emitted on one of its output ports
type OutputPacket struct {
	Index  int // Output port
	Packet Packet
}
