package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyclopcam/gesturenode/server/detectiondb"
	"github.com/cyclopcam/logs"
)

// Package archive exports batches of detections to a blob store, which is
// either a local directory, or a Google Cloud Storage bucket.

var ErrInvalidName = errors.New("Invalid object name")
var ErrNotConfigured = errors.New("No archive storage is configured")

// Storage is a blob store
type Storage interface {
	// When finished, you must close the WriteCloser. For some stores, the object
	// only becomes visible after a successful Close.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	Close() error
}

// File is an object in blob storage
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Config selects the storage backend. At most one of the fields may be set.
type Config struct {
	Dir       string `json:"dir,omitempty"`       // Directory on the local filesystem
	GCSBucket string `json:"gcsBucket,omitempty"` // Google Cloud Storage bucket name
}

func (c *Config) IsEmpty() bool {
	return c.Dir == "" && c.GCSBucket == ""
}

// Open the storage described by cfg
func Open(ctx context.Context, log logs.Log, cfg Config) (Storage, error) {
	switch {
	case cfg.Dir != "" && cfg.GCSBucket != "":
		return nil, fmt.Errorf("Archive config may specify dir or gcsBucket, but not both")
	case cfg.Dir != "":
		return NewFS(log, cfg.Dir)
	case cfg.GCSBucket != "":
		return NewGCS(ctx, log, cfg.GCSBucket)
	}
	return nil, ErrNotConfigured
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w '%v'", ErrInvalidName, name)
	}
	return nil
}

// WriteFile copies content into the named object
func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

// ReadFile returns the entire content of the named object
func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// Export is the JSON document that ExportDetections writes
type Export struct {
	From       int64                `json:"from"` // Microseconds, inclusive
	To         int64                `json:"to"`   // Microseconds, inclusive
	CreatedAt  time.Time            `json:"createdAt"`
	Detections []detectiondb.Record `json:"detections"`
}

// ExportName returns the object name that we use for an export of the range [from, to]
func ExportName(from, to int64) string {
	return fmt.Sprintf("detections/%020d-%020d.json", from, to)
}

// ExportDetections writes records to the store as a single JSON document, and returns its name
func ExportDetections(ctx context.Context, s Storage, from, to int64, records []detectiondb.Record) (string, error) {
	doc := Export{
		From:       from,
		To:         to,
		CreatedAt:  time.Now().UTC(),
		Detections: records,
	}
	name := ExportName(from, to)
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return "", err
	}
	err = json.NewEncoder(f).Encode(&doc)
	errClose := f.Close()
	if err != nil {
		return "", fmt.Errorf("Failed to encode export %v: %w", name, err)
	}
	if errClose != nil {
		return "", fmt.Errorf("Failed to write export %v: %w", name, errClose)
	}
	return name, nil
}
