package metadata

import (
	"strconv"
	"strings"
)

// ImageJInfo is the hyperstack layout stored in an ImageJ TIFF description
type ImageJInfo struct {
	// Valid is set when the description came from ImageJ
	Valid bool

	Images   int
	Channels int
	Slices   int
	Frames   int

	// Unit is the spatial calibration unit, e.g. "micron"
	Unit string

	// Spacing is the z step in Unit
	Spacing float64
}

// IsMicron reports whether the calibration unit is micrometers
func (ij ImageJInfo) IsMicron() bool {
	switch strings.ToLower(ij.Unit) {
	// ImageJ escapes the micro sign in descriptions
	case "micron", "microns", "um", "µm", `\u00b5m`:
		return true
	}
	return false
}

// ParseImageJDescription reads the key=value lines ImageJ writes into the
// ImageDescription tag. Missing counts default to 1; when neither slices nor
// frames are given the images are taken as frames.
func ParseImageJDescription(desc string) ImageJInfo {
	ij := ImageJInfo{Channels: 1, Slices: 1, Frames: 1}
	if !strings.HasPrefix(desc, "ImageJ=") {
		return ij
	}
	ij.Valid = true

	var haveSlices, haveFrames bool
	for _, line := range strings.Split(desc, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "images":
			ij.Images = atoiDefault(value, 0)
		case "channels":
			ij.Channels = atoiDefault(value, 1)
		case "slices":
			ij.Slices = atoiDefault(value, 1)
			haveSlices = true
		case "frames":
			ij.Frames = atoiDefault(value, 1)
			haveFrames = true
		case "unit":
			ij.Unit = value
		case "spacing":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				ij.Spacing = f
			}
		}
	}
	if !haveSlices && !haveFrames && ij.Images > ij.Channels {
		ij.Frames = ij.Images / ij.Channels
	}
	return ij
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return def
	}
	return n
}
