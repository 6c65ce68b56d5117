// Package loader reads microscopy stacks into time-series tensors.
//
// Supported inputs are multi-page TIFF (including ImageJ hyperstacks), Zeiss
// CZI and directories of single-frame images. One channel is selected; the
// result has shape (T, Y, X) or (T, Z, Y, X) when the stack has several z slices.
package loader

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"burstscope/internal/models"
	"burstscope/pkg/logger"
)

var (
	// ErrUnsupportedFormat is returned for inputs no reader handles
	ErrUnsupportedFormat = errors.New("unsupported input format")

	// ErrUnsupportedCompression is returned for CZI sub-blocks using an unknown codec
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// Loader reads image stacks from disk
type Loader struct {
	// Channel is the zero-based channel to extract
	Channel int

	log logger.Logger
}

// New creates a loader for the given channel
func New(channel int, log logger.Logger) *Loader {
	return &Loader{Channel: channel, log: logger.For(log, "loader")}
}

// Load reads a TIFF or CZI file, or a directory of frames
func (l *Loader) Load(path string) (*models.ImageData, error) {
	if l.Channel < 0 {
		return nil, fmt.Errorf("invalid channel %d", l.Channel)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to access input: %w", err)
	}

	var data *models.ImageData
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case info.IsDir():
		data, err = l.loadDirectory(path)
	case ext == ".tif" || ext == ".tiff":
		data, err = l.loadTIFF(path)
	case ext == ".czi":
		data, err = l.loadCZI(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	data.Source = path

	px := data.Metadata.PixelSizeXYZ()
	l.log.Info().
		Str("source", path).
		Ints("shape", data.Tensor.Shape).
		Int("channel", l.Channel).
		Floats64("pixel_size_um", px[:]).
		Msg("stack loaded")
	return data, nil
}

// tensorShape returns (T, Y, X) for single slice stacks and (T, Z, Y, X) otherwise
func tensorShape(t, z, h, w int) []int {
	if z > 1 {
		return []int{t, z, h, w}
	}
	return []int{t, h, w}
}

// copyImage writes the gray levels of img into frame
func copyImage(img image.Image, frame *mat.Dense) error {
	b := img.Bounds()
	rows, cols := frame.Dims()
	if b.Dy() != rows || b.Dx() != cols {
		return fmt.Errorf("frame is %dx%d, expected %dx%d", b.Dx(), b.Dy(), cols, rows)
	}

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				frame.Set(y, x, float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	case *image.Gray16:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				frame.Set(y, x, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				frame.Set(y, x, float64(g.Y))
			}
		}
	}
	return nil
}
