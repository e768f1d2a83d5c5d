package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/gesturenode/pkg/dbh"
	"github.com/cyclopcam/gesturenode/pkg/detector"
	"github.com/cyclopcam/gesturenode/server/archive"
)

// Config is the JSON config file of the gesture node server.
//
//	{
//		"node": {"queue_size": 5, "queue_time_out_s": 1.0},
//		"classFile": "/etc/gesturenode/classes.txt",
//		"db": {"driver": "sqlite3", "database": "/var/lib/gesturenode/detections.sqlite"},
//		"archive": {"dir": "/var/lib/gesturenode/archive"}
//	}
type Config struct {
	Node      detector.Options `json:"node"`
	ClassFile string           `json:"classFile,omitempty"` // Optional. One class name per line.
	DB        dbh.DBConfig     `json:"db"`
	Archive   archive.Config   `json:"archive"`             // Optional. Without this, exports are disabled.
	RateLimit int              `json:"rateLimit,omitempty"` // Maximum frame posts per second, per client IP. Zero means DefaultRateLimit.
}

const DefaultRateLimit = 200

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("Invalid node options: %w", err)
	}
	if err := c.DB.Validate(); err != nil {
		return fmt.Errorf("Invalid db config: %w", err)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rateLimit may not be negative")
	}
	return nil
}

// LoadConfig reads and validates a config file
func LoadConfig(filename string) (*Config, error) {
	cfgB, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(cfgB, cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Config file %v: %w", filename, err)
	}
	return cfg, nil
}
