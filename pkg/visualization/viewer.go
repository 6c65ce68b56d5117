// Package visualization renders frames, filtered responses and detected
// bursts for quality control.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"burstscope/internal/models"
)

// Viewer extracts displayable 2D slices from an image stack
type Viewer struct {
	// tensor is the (T, Y, X) or (T, Z, Y, X) stack being viewed
	tensor *models.Tensor

	// dimensions of one time point
	width  int
	height int
	depth  int

	// intensity range used to scale samples to 16 bits
	min, max float64
}

// NewViewer creates a viewer over a rank 3 or rank 4 tensor.
// Samples are scaled to 16 bits by the stack's global intensity range.
func NewViewer(tensor *models.Tensor) (*Viewer, error) {
	if tensor == nil {
		return nil, fmt.Errorf("viewer needs a tensor")
	}
	if r := tensor.Rank(); r != 3 && r != 4 {
		return nil, fmt.Errorf("viewer needs a rank 3 or 4 tensor, got shape %v", tensor.Shape)
	}
	height, width := tensor.FrameSize()
	v := &Viewer{
		tensor: tensor,
		width:  width,
		height: height,
		depth:  tensor.Depths(),
	}
	v.min, v.max = intensityRange(tensor.Data)
	return v, nil
}

func intensityRange(data []float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 1
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	return lo, hi
}

// scale maps a sample to the 16 bit range
func (v *Viewer) scale(x float64) uint16 {
	return scaleTo16(x, v.min, v.max)
}

func scaleTo16(x, lo, hi float64) uint16 {
	if hi <= lo || math.IsNaN(x) {
		return 0
	}
	return uint16(math.Max(0, math.Min(65535, (x-lo)/(hi-lo)*65535)))
}

// ExtractSlice extracts a 2D slice of time point t along the given axis.
// Axis "z" gives the acquired frames, "x" and "y" the orthogonal views
// through the depth stack.
func (v *Viewer) ExtractSlice(t int, axis string, position int) (image.Image, error) {
	if t < 0 || t >= v.tensor.Times() {
		return nil, fmt.Errorf("time index %d outside [0, %d)", t, v.tensor.Times())
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	base := t * v.depth * v.width * v.height
	data := v.tensor.Data
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				idx := base + z*v.width*v.height + y*v.width + position
				img.SetGray16(z, y, color.Gray16{Y: v.scale(data[idx])})
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := base + z*v.width*v.height + position*v.width + x
				img.SetGray16(x, z, color.Gray16{Y: v.scale(data[idx])})
			}
		}

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := base + position*v.width*v.height + y*v.width + x
				img.SetGray16(x, y, color.Gray16{Y: v.scale(data[idx])})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractFrame returns the acquired frame at (t, z)
func (v *Viewer) ExtractFrame(t, z int) (image.Image, error) {
	return v.ExtractSlice(t, "z", z)
}

// SaveFrame writes an image, creating the parent directory; the format
// follows the file extension
func (v *Viewer) SaveFrame(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return imaging.Save(img, filename)
}

// SaveSliceSequence saves every slice of time point t along the given axis
func (v *Viewer) SaveSliceSequence(t int, axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(t, axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("t%03d_%s_%03d.png", t, axis, pos))
		if err := v.SaveFrame(img, filename); err != nil {
			return err
		}
	}

	return nil
}
