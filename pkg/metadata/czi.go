package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"burstscope/internal/models"
)

// ErrNotCZI is returned when the input is not a ZISRAW (CZI) container
var ErrNotCZI = errors.New("not a CZI file")

// CZI segment ids
const (
	segFile      = "ZISRAWFILE"
	segDirectory = "ZISRAWDIRECTORY"
	segSubBlock  = "ZISRAWSUBBLOCK"
	segMetadata  = "ZISRAWMETADATA"
)

const (
	segmentHeaderSize = 32
	dirEntryFixedSize = 32
	dimEntrySize      = 20

	// upper bound for segment payloads read into memory
	maxSegmentBytes = 1 << 31
)

// CZI sub-block pixel types
const (
	PixelGray8       = 0
	PixelGray16      = 1
	PixelGray32Float = 2
)

// CZI sub-block compression modes
const (
	CompressionNone  = 0
	CompressionZstd0 = 5
	CompressionZstd1 = 6
)

// CZIDimension is the extent of a sub-block along one named axis
type CZIDimension struct {
	Start      int
	Size       int
	StoredSize int
}

// CZISubBlock is one entry of the sub-block directory
type CZISubBlock struct {
	PixelType    int
	FilePosition int64
	Compression  int
	PyramidType  int
	Dimensions   map[string]CZIDimension
}

// Start returns the start index along an axis, 0 when the axis is absent
func (sb CZISubBlock) Start(axis string) int {
	return sb.Dimensions[axis].Start
}

// CZIFile gives access to the segments of a CZI container
type CZIFile struct {
	r                 io.ReaderAt
	Major, Minor      int
	directoryPosition int64
	metadataPosition  int64
}

func readSegmentHeader(r io.ReaderAt, off int64) (string, int64, error) {
	var hdr [segmentHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return "", 0, err
	}
	id := string(bytes.TrimRight(hdr[:16], "\x00"))
	used := int64(binary.LittleEndian.Uint64(hdr[24:32]))
	return id, used, nil
}

// OpenCZI validates the file header segment
func OpenCZI(r io.ReaderAt) (*CZIFile, error) {
	id, _, err := readSegmentHeader(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCZI, err)
	}
	if id != segFile {
		return nil, fmt.Errorf("%w: first segment is %q", ErrNotCZI, id)
	}

	var data [80]byte
	if _, err := r.ReadAt(data[:], segmentHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: short file header: %v", ErrNotCZI, err)
	}
	le := binary.LittleEndian
	return &CZIFile{
		r:                 r,
		Major:             int(int32(le.Uint32(data[0:4]))),
		Minor:             int(int32(le.Uint32(data[4:8]))),
		directoryPosition: int64(le.Uint64(data[52:60])),
		metadataPosition:  int64(le.Uint64(data[60:68])),
	}, nil
}

// MetadataXML returns the raw XML document of the metadata segment
func (f *CZIFile) MetadataXML() ([]byte, error) {
	if f.metadataPosition <= 0 {
		return nil, fmt.Errorf("CZI file has no metadata segment")
	}
	id, _, err := readSegmentHeader(f.r, f.metadataPosition)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata segment: %w", err)
	}
	if id != segMetadata {
		return nil, fmt.Errorf("expected %s segment, found %q", segMetadata, id)
	}

	var sizes [4]byte
	if _, err := f.r.ReadAt(sizes[:], f.metadataPosition+segmentHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read metadata size: %w", err)
	}
	n := int64(int32(binary.LittleEndian.Uint32(sizes[:])))
	if n < 0 || n > maxSegmentBytes {
		return nil, fmt.Errorf("invalid metadata size %d", n)
	}
	xmlData := make([]byte, n)
	if _, err := f.r.ReadAt(xmlData, f.metadataPosition+segmentHeaderSize+256); err != nil {
		return nil, fmt.Errorf("failed to read metadata XML: %w", err)
	}
	return bytes.TrimRight(xmlData, "\x00"), nil
}

// parseDirectoryEntry decodes a DV directory entry and returns its size
func parseDirectoryEntry(b []byte) (CZISubBlock, int, error) {
	if len(b) < dirEntryFixedSize || string(b[:2]) != "DV" {
		return CZISubBlock{}, 0, fmt.Errorf("invalid directory entry")
	}
	le := binary.LittleEndian
	sb := CZISubBlock{
		PixelType:    int(int32(le.Uint32(b[2:6]))),
		FilePosition: int64(le.Uint64(b[6:14])),
		Compression:  int(int32(le.Uint32(b[18:22]))),
		PyramidType:  int(b[22]),
		Dimensions:   make(map[string]CZIDimension),
	}
	count := int(int32(le.Uint32(b[28:32])))
	size := dirEntryFixedSize + count*dimEntrySize
	if count < 0 || len(b) < size {
		return CZISubBlock{}, 0, fmt.Errorf("truncated directory entry with %d dimensions", count)
	}
	for i := 0; i < count; i++ {
		d := b[dirEntryFixedSize+i*dimEntrySize:]
		name := string(bytes.TrimRight(d[:4], "\x00 "))
		sb.Dimensions[name] = CZIDimension{
			Start:      int(int32(le.Uint32(d[4:8]))),
			Size:       int(int32(le.Uint32(d[8:12]))),
			StoredSize: int(int32(le.Uint32(d[16:20]))),
		}
	}
	return sb, size, nil
}

// Directory returns every entry of the sub-block directory
func (f *CZIFile) Directory() ([]CZISubBlock, error) {
	if f.directoryPosition <= 0 {
		return nil, fmt.Errorf("CZI file has no sub-block directory")
	}
	id, used, err := readSegmentHeader(f.r, f.directoryPosition)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory segment: %w", err)
	}
	if id != segDirectory {
		return nil, fmt.Errorf("expected %s segment, found %q", segDirectory, id)
	}
	if used < 128 || used > maxSegmentBytes {
		return nil, fmt.Errorf("invalid directory segment size %d", used)
	}

	data := make([]byte, used)
	if _, err := f.r.ReadAt(data, f.directoryPosition+segmentHeaderSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	count := int(int32(binary.LittleEndian.Uint32(data[0:4])))
	entries := make([]CZISubBlock, 0, max(count, 0))
	off := 128
	for i := 0; i < count; i++ {
		sb, size, err := parseDirectoryEntry(data[off:])
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %w", i, err)
		}
		entries = append(entries, sb)
		off += size
	}
	return entries, nil
}

// SubBlockData reads the (possibly compressed) pixel payload of a sub-block
func (f *CZIFile) SubBlockData(sb CZISubBlock) ([]byte, error) {
	id, _, err := readSegmentHeader(f.r, sb.FilePosition)
	if err != nil {
		return nil, fmt.Errorf("failed to read sub-block segment: %w", err)
	}
	if id != segSubBlock {
		return nil, fmt.Errorf("expected %s segment at %d, found %q", segSubBlock, sb.FilePosition, id)
	}

	var head [16]byte
	base := sb.FilePosition + segmentHeaderSize
	if _, err := f.r.ReadAt(head[:], base); err != nil {
		return nil, fmt.Errorf("failed to read sub-block header: %w", err)
	}
	le := binary.LittleEndian
	metaSize := int64(int32(le.Uint32(head[0:4])))
	dataSize := int64(le.Uint64(head[8:16]))
	if metaSize < 0 || dataSize < 0 || dataSize > maxSegmentBytes {
		return nil, fmt.Errorf("invalid sub-block sizes (metadata %d, data %d)", metaSize, dataSize)
	}

	// the fixed part is padded to at least 256 bytes
	entrySize := int64(dirEntryFixedSize + len(sb.Dimensions)*dimEntrySize)
	fixed := max(int64(256), 16+entrySize)

	data := make([]byte, dataSize)
	if _, err := f.r.ReadAt(data, base+fixed+metaSize); err != nil {
		return nil, fmt.Errorf("failed to read sub-block data: %w", err)
	}
	return data, nil
}

// czi XML document, reduced to the fields we report
type cziDocument struct {
	Metadata struct {
		Information struct {
			Image struct {
				AcquisitionDateAndTime string `xml:"AcquisitionDateAndTime"`
				SizeX                  string `xml:"SizeX"`
				SizeY                  string `xml:"SizeY"`
				SizeZ                  string `xml:"SizeZ"`
				SizeT                  string `xml:"SizeT"`
				SizeC                  string `xml:"SizeC"`
				ComponentBitCount      string `xml:"ComponentBitCount"`
				PixelType              string `xml:"PixelType"`
				Channels               []struct {
					Fluor                *string `xml:"Fluor"`
					ExcitationWavelength string  `xml:"ExcitationWavelength"`
					DetectionRanges      string  `xml:"DetectionWavelength>Ranges"`
					Voltage              string  `xml:"Voltage"`
					Detector             *struct {
						ID string `xml:"Id,attr"`
					} `xml:"Detector"`
					FrameTime string `xml:"FrameTime"`
					PixelTime string `xml:"PixelTime"`
				} `xml:"Dimensions>Channels>Channel"`
			} `xml:"Image"`
			Instrument struct {
				Objectives []struct {
					Name                     string `xml:"Name,attr"`
					LensNA                   string `xml:"LensNA"`
					Immersion                string `xml:"Immersion"`
					ImmersionRefractiveIndex string `xml:"ImmersionRefractiveIndex"`
				} `xml:"Objectives>Objective"`
			} `xml:"Instrument"`
		} `xml:"Information"`
		Scaling struct {
			Distances []struct {
				ID                string  `xml:"Id,attr"`
				Value             string  `xml:"Value"`
				DefaultUnitFormat *string `xml:"DefaultUnitFormat"`
			} `xml:"Items>Distance"`
		} `xml:"Scaling"`
	} `xml:"Metadata"`
}

func sizeOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return def
	}
	return n
}

// ParseCZIXML extracts acquisition metadata from a CZI metadata document.
// Scaling distances are stored in meters and converted to micrometers;
// missing sizes and distances default to 1.
func ParseCZIXML(data []byte) (models.ImageMetadata, error) {
	md := models.DefaultMetadata()
	var doc cziDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return md, fmt.Errorf("failed to parse CZI metadata XML: %w", err)
	}
	img := doc.Metadata.Information.Image

	md.AcquisitionDate = strings.TrimSpace(img.AcquisitionDateAndTime)
	if bits := sizeOr(img.ComponentBitCount, 0); bits > 0 {
		md.BitDepth = bits
	}
	md.DataType = strings.TrimSpace(img.PixelType)

	for i, ch := range img.Channels {
		info := models.ChannelInfo{
			ExcitationWavelength: strings.TrimSpace(ch.ExcitationWavelength),
			DetectionWavelength:  strings.TrimSpace(ch.DetectionRanges),
			Voltage:              strings.TrimSpace(ch.Voltage),
			FrameTime:            strings.TrimSpace(ch.FrameTime),
			PixelTime:            strings.TrimSpace(ch.PixelTime),
		}
		if ch.Fluor != nil {
			info.Fluor = strings.TrimSpace(*ch.Fluor)
		}
		if ch.Detector != nil {
			info.DetectorID = ch.Detector.ID
		}
		md.Channels = append(md.Channels, info)

		name := info.Fluor
		if name == "" {
			name = fmt.Sprintf("Channel_%d", i+1)
		}
		md.ChannelNames = append(md.ChannelNames, name)
	}

	channels := len(md.Channels)
	if channels == 0 {
		channels = 1
	}
	md.Shape = models.StackShape{
		Z: sizeOr(img.SizeZ, 1),
		C: sizeOr(img.SizeC, channels),
		Y: sizeOr(img.SizeY, 1),
		X: sizeOr(img.SizeX, 1),
		T: sizeOr(img.SizeT, 1),
	}

	if objs := doc.Metadata.Information.Instrument.Objectives; len(objs) > 0 {
		md.Objective = models.ObjectiveInfo{
			Name:        objs[0].Name,
			LensNA:      strings.TrimSpace(objs[0].LensNA),
			Immersion:   strings.TrimSpace(objs[0].Immersion),
			ImmersionRI: strings.TrimSpace(objs[0].ImmersionRefractiveIndex),
		}
	}

	for _, d := range doc.Metadata.Scaling.Distances {
		if d.DefaultUnitFormat == nil {
			continue
		}
		meters, err := strconv.ParseFloat(strings.TrimSpace(d.Value), 64)
		if err != nil {
			continue
		}
		switch d.ID {
		case "X":
			md.PhysicalSizeX = meters * 1e6
		case "Y":
			md.PhysicalSizeY = meters * 1e6
		case "Z":
			md.PhysicalSizeZ = meters * 1e6
		}
	}
	return md, nil
}

// ReadCZIMetadata reads and parses the metadata segment of a CZI file and
// also returns the raw XML.
func ReadCZIMetadata(r io.ReaderAt) (models.ImageMetadata, []byte, error) {
	f, err := OpenCZI(r)
	if err != nil {
		return models.DefaultMetadata(), nil, err
	}
	raw, err := f.MetadataXML()
	if err != nil {
		return models.DefaultMetadata(), nil, err
	}
	md, err := ParseCZIXML(raw)
	return md, raw, err
}
