package detection

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"burstscope/internal/models"
)

// Response is the band-pass filtered frame together with the values the
// detector derived from it.
type Response struct {
	// Filtered is the difference-of-Gaussians image
	Filtered *mat.Dense

	// Max is the largest filtered value
	Max float64

	// Threshold is the absolute threshold peaks must exceed
	Threshold float64
}

// checkFinite returns a *NonFiniteError for the first NaN or Inf sample.
func checkFinite(frame mat.Matrix) error {
	rows, cols := frame.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if v := frame.At(r, c); math.IsNaN(v) || math.IsInf(v, 0) {
				return &NonFiniteError{Row: r, Col: c, Value: v}
			}
		}
	}
	return nil
}

// ComputeResponse validates the inputs and returns the filtered frame and
// its absolute detection threshold.
func ComputeResponse(frame mat.Matrix, p Params) (*Response, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkFinite(frame); err != nil {
		return nil, err
	}

	filtered := DifferenceOfGaussians(frame, p.SigmaSmall, p.SigmaLarge, p.Truncate)
	maxResp := floats.Max(filtered.RawMatrix().Data)

	// an all-zero response must not scale the threshold
	threshold := 0.0
	if maxResp != 0 {
		threshold = p.ThresholdRel * maxResp
	}
	return &Response{Filtered: filtered, Max: maxResp, Threshold: threshold}, nil
}

// Peaks extracts the spots of an already computed response.
func (r *Response) Peaks(p Params) []models.Spot {
	cands := localMaxima(r.Filtered, r.Threshold, p.MinDistance, p.ExcludeBorder)
	return enforceSpacing(cands, p.MinDistance)
}

// Detect returns the burst spots of a single frame, strongest first.
//
// The frame is filtered with a difference of Gaussians (SigmaSmall minus
// SigmaLarge). Pixels that are the maximum of their (2*MinDistance+1)^2
// neighbourhood and exceed ThresholdRel times the maximum response become
// candidates; candidates closer than MinDistance to a stronger accepted one
// are dropped. Equal responses are ordered row-major, so the result is
// deterministic. An empty, non-nil slice means nothing cleared the threshold.
//
// Invalid parameters or non-finite samples return an error wrapping
// ErrInvalidParameter.
func Detect(frame mat.Matrix, p Params) ([]models.Spot, error) {
	resp, err := ComputeResponse(frame, p)
	if err != nil {
		return nil, fmt.Errorf("detect (%s): %w", p, err)
	}
	return resp.Peaks(p), nil
}
