package graph

import "github.com/cyclopcam/logs"

// Package graph is a minimal dataflow runtime: it owns a node, feeds it one
// frame at a time, and hands the node's output packets to listeners.

// Contract declares the ports that a node uses
type Contract struct {
	InputTags  []string // Input tags that the node reads from
	NumOutputs int      // Number of indexed output ports
}

// Node is a processing element inside a graph.
// A Runner guarantees that Open, Process and Close are never called concurrently.
type Node interface {
	Contract() Contract

	// Open is called once, before the first Process. Per-stream state is created here.
	Open(cc *Context) error

	// Process is called once per input frame.
	// An error fails the frame, and any outputs added during the failed call are discarded.
	Process(cc *Context) error

	// Close is called once, after the last Process. Per-stream state is released here.
	Close(cc *Context) error
}

// Context is handed to a node on every call
type Context struct {
	Log logs.Log

	inputs    map[string]Packet
	timestamp Timestamp
	outputs   []OutputPacket
}

func (c *Context) reset(inputs map[string]Packet, ts Timestamp) {
	c.inputs = inputs
	c.timestamp = ts
	c.outputs = nil
}

// Input returns the packet on the given tag, and false if there is no packet for this frame
func (c *Context) Input(tag string) (Packet, bool) {
	p, ok := c.inputs[tag]
	return p, ok
}

func (c *Context) InputTimestamp() Timestamp {
	return c.timestamp
}

// AddOutput emits payload on the output port 'index'.
// Output packets carry the input timestamp, unmodified.
func (c *Context) AddOutput(index int, payload any) {
	c.outputs = append(c.outputs, OutputPacket{
		Index: index,
		Packet: Packet{
			Timestamp: c.timestamp,
			Payload:   payload,
		},
	})
}

// Outputs returns the packets that were added during the current call
func (c *Context) Outputs() []OutputPacket {
	return c.outputs
}
