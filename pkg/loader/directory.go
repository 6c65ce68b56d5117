package loader

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"burstscope/internal/models"
)

var frameExtensions = map[string]bool{
	".tif": true, ".tiff": true, ".png": true, ".jpg": true, ".jpeg": true,
}

// loadDirectory reads every image file of dir as one time point, ordered by
// the number in the file name
func (l *Loader) loadDirectory(dir string) (*models.ImageData, error) {
	if l.Channel != 0 {
		return nil, fmt.Errorf("channel %d out of range, frame directories have 1 channel", l.Channel)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(file.Name()))] {
			names = append(names, file.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no image files found in %s", dir)
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})

	var tensor *models.Tensor
	md := models.DefaultMetadata()
	for t, name := range names {
		img, err := imaging.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", name, err)
		}

		// dimensions and bit depth come from the first frame
		if tensor == nil {
			b := img.Bounds()
			tensor = models.ZeroTensor(len(names), b.Dy(), b.Dx())
			md.Shape = models.StackShape{Z: 1, C: 1, Y: b.Dy(), X: b.Dx(), T: len(names)}
			md.BitDepth, md.DataType = 8, "uint8"
			if _, ok := img.(*image.Gray16); ok {
				md.BitDepth, md.DataType = 16, "uint16"
			}
		}

		frame, err := tensor.Frame(t, 0)
		if err != nil {
			return nil, err
		}
		if err := copyImage(img, frame); err != nil {
			return nil, fmt.Errorf("image %s: %w", name, err)
		}
	}
	md.ChannelNames = []string{"Channel 1"}

	l.log.Debug().Int("frames", len(names)).Str("first", names[0]).Msg("frame directory read")
	return &models.ImageData{Tensor: tensor, Metadata: md}, nil
}

// extractNumber returns the digits of a file name as a number, 0 when there are none
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() > 0 {
		if num, err := strconv.Atoi(digits.String()); err == nil {
			return num
		}
	}
	return 0
}
