package models

// MicrometerUnit is the unit every physical size is normalized to.
const MicrometerUnit = "µm"

// ChannelInfo describes one acquisition channel
type ChannelInfo struct {
	Fluor                string `json:"fluor,omitempty" yaml:"fluor,omitempty"`
	ExcitationWavelength string `json:"excitationWavelength,omitempty" yaml:"excitationWavelength,omitempty"`
	DetectionWavelength  string `json:"detectionWavelength,omitempty" yaml:"detectionWavelength,omitempty"`
	Voltage              string `json:"voltage,omitempty" yaml:"voltage,omitempty"`
	DetectorID           string `json:"detectorId,omitempty" yaml:"detectorId,omitempty"`
	FrameTime            string `json:"frameTime,omitempty" yaml:"frameTime,omitempty"`
	PixelTime            string `json:"pixelTime,omitempty" yaml:"pixelTime,omitempty"`
}

// ObjectiveInfo describes the objective used for acquisition
type ObjectiveInfo struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	LensNA      string `json:"lensNA,omitempty" yaml:"lensNA,omitempty"`
	Immersion   string `json:"immersion,omitempty" yaml:"immersion,omitempty"`
	ImmersionRI string `json:"immersionRI,omitempty" yaml:"immersionRI,omitempty"`
}

// StackShape is the acquisition shape in (Z, C, Y, X, T) order
type StackShape struct {
	Z, C, Y, X, T int
}

// ImageMetadata is the format-independent acquisition description.
// Physical sizes are in micrometers per pixel; missing values default to 1.
type ImageMetadata struct {
	AcquisitionDate string        `json:"acquisitionDate,omitempty"`
	Shape           StackShape    `json:"shape"`
	BitDepth        int           `json:"bitDepth"`
	DataType        string        `json:"dataType,omitempty"`
	PhysicalSizeX   float64       `json:"physicalSizeX"`
	PhysicalSizeY   float64       `json:"physicalSizeY"`
	PhysicalSizeZ   float64       `json:"physicalSizeZ"`
	PhysicalUnit    string        `json:"physicalUnit"`
	Channels        []ChannelInfo `json:"channels,omitempty"`
	ChannelNames    []string      `json:"channelNames,omitempty"`
	Objective       ObjectiveInfo `json:"objective"`
}

// DefaultMetadata returns metadata with the fallback values used when a file
// carries no information.
func DefaultMetadata() ImageMetadata {
	return ImageMetadata{
		Shape:         StackShape{Z: 1, C: 1, Y: 1, X: 1, T: 1},
		BitDepth:      16,
		PhysicalSizeX: 1.0,
		PhysicalSizeY: 1.0,
		PhysicalSizeZ: 1.0,
		PhysicalUnit:  MicrometerUnit,
	}
}

// PixelSizeXYZ returns the physical pixel size along x, y and z
func (m ImageMetadata) PixelSizeXYZ() [3]float64 {
	return [3]float64{m.PhysicalSizeX, m.PhysicalSizeY, m.PhysicalSizeZ}
}

// ImageData is a loaded stack ready for analysis
type ImageData struct {
	// Tensor holds the samples of the selected channel as (T, Y, X) or (T, Z, Y, X)
	Tensor *Tensor

	// Metadata describes the acquisition
	Metadata ImageMetadata

	// Source is the path the data was loaded from
	Source string
}
