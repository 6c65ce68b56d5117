// Package detection finds burst spots in single fluorescence frames.
//
// A frame is band-pass filtered with a difference of Gaussians and the local
// maxima of the response above a fraction of its peak value are reported as
// spots, kept at least MinDistance pixels apart.
package detection

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter is the root of every parameter or input validation failure.
var ErrInvalidParameter = errors.New("invalid detection parameter")

// ParamError reports a single offending detection parameter.
type ParamError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid detection parameter %s=%g: %s", e.Field, e.Value, e.Reason)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

// NonFiniteError reports the first NaN or infinite sample found in a frame.
type NonFiniteError struct {
	Row, Col int
	Value    float64
}

func (e *NonFiniteError) Error() string {
	return fmt.Sprintf("non-finite sample %g at (row=%d, col=%d)", e.Value, e.Row, e.Col)
}

func (e *NonFiniteError) Unwrap() error { return ErrInvalidParameter }

// Params controls the difference-of-Gaussians detector
type Params struct {
	// SigmaSmall is the standard deviation of the narrow blur in pixels
	SigmaSmall float64 `json:"sigmaSmall"`

	// SigmaLarge is the standard deviation of the wide blur in pixels.
	// It must be strictly larger than SigmaSmall.
	SigmaLarge float64 `json:"sigmaLarge"`

	// ThresholdRel is the detection threshold as a fraction of the maximum
	// filtered response, in [0, 1]
	ThresholdRel float64 `json:"thresholdRel"`

	// MinDistance is the minimum Chebyshev separation between accepted
	// peaks and the half-size of the local maximum window
	MinDistance int `json:"minDistance"`

	// ExcludeBorder drops peaks closer than this many pixels to an edge
	ExcludeBorder int `json:"excludeBorder"`

	// Truncate is the Gaussian kernel half-width in standard deviations
	Truncate float64 `json:"truncate"`
}

// DefaultParams returns the standard burst detection settings
func DefaultParams() Params {
	return Params{
		SigmaSmall:    1,
		SigmaLarge:    3,
		ThresholdRel:  0.2,
		MinDistance:   2,
		ExcludeBorder: 2,
		Truncate:      4.0,
	}
}

// Validate checks the parameters and returns a *ParamError for the first
// violation found.
func (p Params) Validate() error {
	switch {
	case !(p.SigmaSmall > 0) || math.IsInf(p.SigmaSmall, 0):
		return &ParamError{Field: "SigmaSmall", Value: p.SigmaSmall, Reason: "must be a finite value > 0"}
	case !(p.SigmaLarge > 0) || math.IsInf(p.SigmaLarge, 0):
		return &ParamError{Field: "SigmaLarge", Value: p.SigmaLarge, Reason: "must be a finite value > 0"}
	case p.SigmaSmall >= p.SigmaLarge:
		return &ParamError{Field: "SigmaSmall", Value: p.SigmaSmall,
			Reason: fmt.Sprintf("must be smaller than SigmaLarge=%g", p.SigmaLarge)}
	case !(p.ThresholdRel >= 0 && p.ThresholdRel <= 1):
		return &ParamError{Field: "ThresholdRel", Value: p.ThresholdRel, Reason: "must be in [0, 1]"}
	case p.MinDistance < 1:
		return &ParamError{Field: "MinDistance", Value: float64(p.MinDistance), Reason: "must be >= 1"}
	case p.ExcludeBorder < 0:
		return &ParamError{Field: "ExcludeBorder", Value: float64(p.ExcludeBorder), Reason: "must be >= 0"}
	case !(p.Truncate > 0) || math.IsInf(p.Truncate, 0):
		return &ParamError{Field: "Truncate", Value: p.Truncate, Reason: "must be a finite value > 0"}
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("sigma_small=%g sigma_large=%g threshold_rel=%g min_distance=%d exclude_border=%d truncate=%g",
		p.SigmaSmall, p.SigmaLarge, p.ThresholdRel, p.MinDistance, p.ExcludeBorder, p.Truncate)
}
