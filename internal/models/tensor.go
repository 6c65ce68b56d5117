package models

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when tensor data does not fit its declared shape
// or when a frame index falls outside the tensor.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major image stack.
//
// Rank 3 tensors are laid out as (Time, Row, Col) and rank 4 tensors as
// (Time, Depth, Row, Col). Other ranks can be represented so that callers
// can hand them to the analyzer, which rejects them.
type Tensor struct {
	// Shape holds the size of every axis, outermost first
	Shape []int

	// Data is the flattened sample buffer in row-major order
	Data []float64
}

// NewTensor wraps data with the given shape. The data slice is not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	n := 1
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative axis in shape %v", ErrShapeMismatch, shape)
		}
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: shape %v needs %d samples, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// ZeroTensor allocates a zero-filled tensor of the given shape.
func ZeroTensor(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Times returns the size of the leading time axis.
func (t *Tensor) Times() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Depths returns the size of the depth axis, or 1 for rank 3 tensors.
func (t *Tensor) Depths() int {
	if len(t.Shape) == 4 {
		return t.Shape[1]
	}
	return 1
}

// FrameSize returns the (rows, cols) of a single frame.
func (t *Tensor) FrameSize() (rows, cols int) {
	n := len(t.Shape)
	if n < 2 {
		return 0, 0
	}
	return t.Shape[n-2], t.Shape[n-1]
}

// Frame returns the 2D slice at time index ti and depth index zi as a matrix
// sharing the tensor's storage. zi must be 0 for rank 3 tensors.
// Callers must not modify the returned matrix.
func (t *Tensor) Frame(ti, zi int) (*mat.Dense, error) {
	if r := t.Rank(); r != 3 && r != 4 {
		return nil, fmt.Errorf("%w: frame access needs rank 3 or 4, got shape %v", ErrShapeMismatch, t.Shape)
	}
	rows, cols := t.FrameSize()
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: empty frame in shape %v", ErrShapeMismatch, t.Shape)
	}
	if ti < 0 || ti >= t.Times() || zi < 0 || zi >= t.Depths() {
		return nil, fmt.Errorf("%w: frame (t=%d, z=%d) outside shape %v", ErrShapeMismatch, ti, zi, t.Shape)
	}
	size := rows * cols
	off := (ti*t.Depths() + zi) * size
	return mat.NewDense(rows, cols, t.Data[off:off+size:off+size]), nil
}

// SetFrame copies a frame's samples into the tensor at (ti, zi).
func (t *Tensor) SetFrame(ti, zi int, frame mat.Matrix) error {
	dst, err := t.Frame(ti, zi)
	if err != nil {
		return err
	}
	r, c := frame.Dims()
	if dr, dc := dst.Dims(); r != dr || c != dc {
		return fmt.Errorf("%w: frame is %dx%d, tensor frames are %dx%d", ErrShapeMismatch, r, c, dr, dc)
	}
	dst.Copy(frame)
	return nil
}
