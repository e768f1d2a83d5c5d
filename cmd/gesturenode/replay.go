package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cyclopcam/gesturenode/pkg/detector"
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/logs"
)

// Frames carry a whole score tensor, so lines can be long
const maxLineBytes = 16 * 1024 * 1024

type replayResult struct {
	Frames int // Frames that produced output
	Failed int // Lines that could not be parsed, or frames that the node rejected
}

// One line of replay output
type replayLine struct {
	Timestamp  int64 `json:"timestamp"` // Microseconds
	Detections any   `json:"detections"`
}

// replay feeds JSON-lines frames from r through runner, and writes one JSON line per
// emitted packet to w. Bad frames are logged and skipped.
func replay(log logs.Log, runner *graph.Runner, r io.Reader, w io.Writer) (replayResult, error) {
	result := replayResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	out := bufio.NewWriter(w)
	encoder := json.NewEncoder(out)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := detector.Frame{}
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Warnf("Line %v: invalid frame: %v", lineNo, err)
			result.Failed++
			continue
		}
		outputs, err := runner.Process(frame.Inputs(), frame.PacketTimestamp())
		if err != nil {
			log.Warnf("Line %v: %v", lineNo, err)
			result.Failed++
			continue
		}
		for _, o := range outputs {
			if err := encoder.Encode(&replayLine{
				Timestamp:  int64(o.Packet.Timestamp),
				Detections: o.Packet.Payload,
			}); err != nil {
				return result, fmt.Errorf("Failed to write output: %w", err)
			}
		}
		result.Frames++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("Failed to read frames: %w", err)
	}
	return result, out.Flush()
}
