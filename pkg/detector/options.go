package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cyclopcam/gesturenode/pkg/stabilizer"
)

var ErrNegativeTimeout = errors.New("queue_time_out_s must not be negative")

// Options configure a classifier Node.
// This is typically loaded from a JSON file, such as:
//
//	{"queue_size": 5, "queue_time_out_s": 1.5}
type Options struct {
	QueueSize     int      `json:"queue_size"`                 // Stabilizer window length. Values <= 1 disable the stabilizer.
	QueueTimeOutS *float64 `json:"queue_time_out_s,omitempty"` // If set, clear the window when frames are this many seconds apart.
	Verbose       bool     `json:"verbose,omitempty"`          // Log every stale reset
}

func (o *Options) Validate() error {
	if o.QueueTimeOutS != nil && *o.QueueTimeOutS < 0 {
		return fmt.Errorf("%w (got %v)", ErrNegativeTimeout, *o.QueueTimeOutS)
	}
	return nil
}

// StabilizerEnabled is true if the node will route decisions through a stabilizer window
func (o *Options) StabilizerEnabled() bool {
	return o.stabilizerOptions().Enabled()
}

func (o *Options) stabilizerOptions() stabilizer.Options {
	s := stabilizer.Options{
		QueueSize: o.QueueSize,
	}
	if o.QueueTimeOutS != nil {
		s.QueueTimeout = *o.QueueTimeOutS
	}
	return s
}

// Load and validate node options from a JSON file
func LoadOptions(filename string) (*Options, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	options := &Options{}
	if err := json.Unmarshal(b, options); err != nil {
		return nil, fmt.Errorf("Error parsing node options %v: %w", filename, err)
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid node options %v: %w", filename, err)
	}
	return options, nil
}
