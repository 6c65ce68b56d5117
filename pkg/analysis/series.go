// Package analysis runs burst detection over whole time series.
package analysis

import (
	"errors"
	"fmt"

	"burstscope/internal/models"
	"burstscope/pkg/detection"
)

// ErrUnsupportedShape is returned for tensors that are not (T, Y, X) or (T, Z, Y, X).
var ErrUnsupportedShape = errors.New("unsupported tensor shape")

// ShapeError carries the offending tensor shape.
type ShapeError struct {
	Shape  []int
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("unsupported tensor shape %v: %s", e.Shape, e.Reason)
}

func (e *ShapeError) Unwrap() error { return ErrUnsupportedShape }

func checkShape(tensor *models.Tensor) error {
	if tensor == nil {
		return &ShapeError{Reason: "nil tensor"}
	}
	if r := tensor.Rank(); r != 3 && r != 4 {
		return &ShapeError{Shape: tensor.Shape, Reason: fmt.Sprintf("rank %d, expected 3 (T, Y, X) or 4 (T, Z, Y, X)", r)}
	}
	n := 1
	for _, s := range tensor.Shape {
		if s < 0 {
			return &ShapeError{Shape: tensor.Shape, Reason: "negative axis size"}
		}
		n *= s
	}
	if rows, cols := tensor.FrameSize(); rows == 0 || cols == 0 {
		return &ShapeError{Shape: tensor.Shape, Reason: "frames have no pixels"}
	}
	if len(tensor.Data) != n {
		return &ShapeError{Shape: tensor.Shape, Reason: fmt.Sprintf("%d samples for %d elements", len(tensor.Data), n)}
	}
	return nil
}

// responseHook observes every filtered slice before peak extraction
type responseHook func(resp *detection.Response, t, z int)

// detectAt runs the detector on every depth slice of time index t and
// concatenates the results in ascending depth order. Rank 4 spots carry
// their depth index.
func detectAt(tensor *models.Tensor, t int, p detection.Params, hook responseHook) ([]models.Spot, error) {
	spots := []models.Spot{}
	depths := tensor.Depths()
	for z := 0; z < depths; z++ {
		frame, err := tensor.Frame(t, z)
		if err != nil {
			return nil, err
		}
		resp, err := detection.ComputeResponse(frame, p)
		if err != nil {
			if tensor.Rank() == 4 {
				return nil, fmt.Errorf("time %d depth %d: %w", t, z, err)
			}
			return nil, fmt.Errorf("time %d: %w", t, err)
		}
		if hook != nil {
			hook(resp, t, z)
		}
		found := resp.Peaks(p)
		if tensor.Rank() == 4 {
			for i := range found {
				found[i].Depth = z
			}
		}
		spots = append(spots, found...)
	}
	return spots, nil
}

// Analyze detects bursts in every frame of a time series.
//
// A rank 3 tensor (T, Y, X) yields (row, col) spots per time index. A rank 4
// tensor (T, Z, Y, X) is processed slice by slice and every spot is tagged
// with its depth, entries holding the slices' results in ascending depth
// order. The returned map has exactly one entry per time index, empty ones
// included. Any other rank yields a *ShapeError; any detector failure aborts
// the whole call.
func Analyze(tensor *models.Tensor, p detection.Params) (*models.BurstMap, error) {
	if err := checkShape(tensor); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("analyze (%s): %w", p, err)
	}

	bm := models.NewBurstMap(tensor.Rank(), tensor.Times())
	for t := 0; t < tensor.Times(); t++ {
		spots, err := detectAt(tensor, t, p, nil)
		if err != nil {
			return nil, fmt.Errorf("analyze shape %v: %w", tensor.Shape, err)
		}
		bm.Spots[t] = spots
	}
	return bm, nil
}
