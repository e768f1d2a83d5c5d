package nn

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Package nn holds the types that flow out of a classifier network:
// score tensors, per-frame decisions, and the detection records we emit.

var ErrMissingDims = errors.New("Tensor has fewer than 2 dimensions")
var ErrNoClasses = errors.New("Tensor has zero classes")

// ScoreTensor is the only view of a classifier output that we depend on.
// The scores are contiguous float32 values, in row-major order.
type ScoreTensor interface {
	// NumClasses returns the length of the second dimension
	NumClasses() (int, error)

	// Scores returns the contiguous float payload
	Scores() []float32
}

// Tensor is a dense float32 tensor, such as the output of a TfLite or ONNX classifier.
// For a classifier with N classes, Dims is typically [1, N].
type Tensor struct {
	Dims []int     `json:"dims"`
	Data []float32 `json:"data"`
}

// NewScoreTensor creates a [1, N] tensor holding the given scores
func NewScoreTensor(scores ...float32) Tensor {
	return Tensor{
		Dims: []int{1, len(scores)},
		Data: scores,
	}
}

func (t *Tensor) NumClasses() (int, error) {
	if len(t.Dims) < 2 {
		return 0, ErrMissingDims
	}
	n := t.Dims[1]
	if n <= 0 {
		return 0, ErrNoClasses
	}
	if n > len(t.Data) {
		return 0, fmt.Errorf("Tensor has %v classes, but only %v values", n, len(t.Data))
	}
	return n, nil
}

func (t *Tensor) Scores() []float32 {
	return t.Data
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}

// ClassName returns the name of the class, or an empty string if classes
// doesn't cover the label.
func ClassName(classes []string, label int) string {
	if label < 0 || label >= len(classes) {
		return ""
	}
	return classes[label]
}
