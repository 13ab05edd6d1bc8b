// Package nn holds the float32 building blocks shared by the emotion models:
// a safetensors weight reader and the handful of layers both networks need.
package nn

import (
	"fmt"

	"emotion-server/pkg/errors"
)

// Tensor is a dense row-major float32 array
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data without copying. len(data) must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, errors.NewInvalidInput(fmt.Sprintf("shape %v needs %d values, got %d", shape, n, len(data)))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.Data)
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Weights maps parameter names to tensors
type Weights map[string]*Tensor

// Get returns the named tensor, checking its shape when one is given.
// A negative size in shape matches any size on that axis.
func (w Weights) Get(name string, shape ...int) (*Tensor, error) {
	t, ok := w[name]
	if !ok {
		return nil, errors.New(fmt.Sprintf("missing tensor %q", name)).WithField("tensor", name)
	}
	if len(shape) == 0 {
		return t, nil
	}
	if len(shape) != len(t.Shape) {
		return nil, shapeError(name, shape, t.Shape)
	}
	for i, d := range shape {
		if d >= 0 && d != t.Shape[i] {
			return nil, shapeError(name, shape, t.Shape)
		}
	}
	return t, nil
}

// Has reports whether the named tensor exists
func (w Weights) Has(name string) bool {
	_, ok := w[name]
	return ok
}

func shapeError(name string, want, got []int) error {
	return errors.New(fmt.Sprintf("tensor %q has shape %v, expected %v", name, got, want)).
		WithFields(map[string]interface{}{"tensor": name})
}
