// Package metadata reads acquisition metadata from TIFF and CZI files and
// normalizes it into models.ImageMetadata.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"burstscope/internal/models"
)

// ErrNotTIFF is returned when the input does not start with a TIFF header
var ErrNotTIFF = errors.New("not a TIFF file")

// TIFF tags read by this package
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagXResolution      = 282
	tagYResolution      = 283
	tagResolutionUnit   = 296
	tagSampleFormat     = 339
)

// maxPages bounds the IFD walk so corrupt offset chains cannot loop forever
const maxPages = 1 << 20

// Rational is an unsigned TIFF fraction
type Rational struct {
	Num, Den uint32
}

// Value returns the fraction as a float, or 0 when the denominator is 0
func (r Rational) Value() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// TIFFPage holds the tags of one image file directory
type TIFFPage struct {
	// Offset is the file position of the IFD
	Offset uint32

	Width, Height   int
	BitsPerSample   int
	SamplesPerPixel int

	// SampleFormat is 1 for unsigned, 2 for signed and 3 for float samples
	SampleFormat int

	XResolution, YResolution *Rational
	ResolutionUnit           int
	Description              string
}

// TIFFInfo is the parsed IFD chain of a TIFF file
type TIFFInfo struct {
	ByteOrder binary.ByteOrder
	Pages     []TIFFPage
}

// field sizes of the TIFF data types, indexed by type id
var typeSizes = [...]int{0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	raw      [4]byte
}

// ReadTIFF walks the IFD chain of a classic (non-BigTIFF) TIFF file
func ReadTIFF(r io.ReaderAt) (*TIFFInfo, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTIFF, err)
	}

	info := &TIFFInfo{}
	switch string(hdr[:2]) {
	case "II":
		info.ByteOrder = binary.LittleEndian
	case "MM":
		info.ByteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad byte order mark %q", ErrNotTIFF, hdr[:2])
	}
	if magic := info.ByteOrder.Uint16(hdr[2:4]); magic != 42 {
		return nil, fmt.Errorf("%w: magic %d (BigTIFF is not supported)", ErrNotTIFF, magic)
	}

	seen := make(map[uint32]bool)
	for off := info.ByteOrder.Uint32(hdr[4:8]); off != 0; {
		if seen[off] || len(info.Pages) >= maxPages {
			return nil, fmt.Errorf("corrupt TIFF: IFD chain loops at offset %d", off)
		}
		seen[off] = true

		page, next, err := readIFD(r, info.ByteOrder, off)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(info.Pages), err)
		}
		info.Pages = append(info.Pages, page)
		off = next
	}
	if len(info.Pages) == 0 {
		return nil, fmt.Errorf("%w: no image directories", ErrNotTIFF)
	}
	return info, nil
}

func readIFD(r io.ReaderAt, bo binary.ByteOrder, off uint32) (TIFFPage, uint32, error) {
	page := TIFFPage{Offset: off, SamplesPerPixel: 1, SampleFormat: 1}

	var cnt [2]byte
	if _, err := r.ReadAt(cnt[:], int64(off)); err != nil {
		return page, 0, err
	}
	n := int(bo.Uint16(cnt[:]))
	buf := make([]byte, n*12+4)
	if _, err := r.ReadAt(buf, int64(off)+2); err != nil {
		return page, 0, err
	}

	for i := 0; i < n; i++ {
		b := buf[i*12 : i*12+12]
		e := ifdEntry{tag: bo.Uint16(b[0:2]), typ: bo.Uint16(b[2:4]), count: bo.Uint32(b[4:8])}
		copy(e.raw[:], b[8:12])

		switch e.tag {
		case tagImageWidth:
			page.Width = int(e.uint(bo))
		case tagImageLength:
			page.Height = int(e.uint(bo))
		case tagBitsPerSample:
			page.BitsPerSample = int(e.uint(bo))
		case tagSamplesPerPixel:
			page.SamplesPerPixel = int(e.uint(bo))
		case tagSampleFormat:
			page.SampleFormat = int(e.uint(bo))
		case tagResolutionUnit:
			page.ResolutionUnit = int(e.uint(bo))
		case tagXResolution, tagYResolution:
			data, err := e.data(r, bo)
			if err != nil {
				return page, 0, err
			}
			if len(data) < 8 {
				continue
			}
			rat := &Rational{Num: bo.Uint32(data[0:4]), Den: bo.Uint32(data[4:8])}
			if e.tag == tagXResolution {
				page.XResolution = rat
			} else {
				page.YResolution = rat
			}
		case tagImageDescription:
			data, err := e.data(r, bo)
			if err != nil {
				return page, 0, err
			}
			page.Description = strings.TrimRight(string(data), "\x00")
		}
	}
	return page, bo.Uint32(buf[n*12:]), nil
}

// uint returns the first value of a SHORT, LONG or BYTE entry
func (e ifdEntry) uint(bo binary.ByteOrder) uint32 {
	switch e.typ {
	case 1, 7:
		return uint32(e.raw[0])
	case 3, 8:
		return uint32(bo.Uint16(e.raw[:2]))
	default:
		return bo.Uint32(e.raw[:])
	}
}

// data returns the raw bytes of an entry, following the value offset when
// the payload does not fit inline
func (e ifdEntry) data(r io.ReaderAt, bo binary.ByteOrder) ([]byte, error) {
	size := 1
	if int(e.typ) < len(typeSizes) && typeSizes[e.typ] > 0 {
		size = typeSizes[e.typ]
	}
	n := int64(e.count) * int64(size)
	if n <= 4 {
		return append([]byte(nil), e.raw[:n]...), nil
	}
	if n > 1<<26 {
		return nil, fmt.Errorf("tag %d payload of %d bytes is too large", e.tag, n)
	}
	data := make([]byte, n)
	if _, err := r.ReadAt(data, int64(bo.Uint32(e.raw[:]))); err != nil {
		return nil, fmt.Errorf("tag %d: %w", e.tag, err)
	}
	return data, nil
}

// DataTypeName names the sample type the way numpy does (uint16, float32...)
func (p TIFFPage) DataTypeName() string {
	bits := p.BitsPerSample
	if bits == 0 {
		bits = 16
	}
	switch p.SampleFormat {
	case 2:
		return fmt.Sprintf("int%d", bits)
	case 3:
		return fmt.Sprintf("float%d", bits)
	default:
		return fmt.Sprintf("uint%d", bits)
	}
}

// pixelSize converts a resolution tag to micrometers per pixel.
// ImageJ files state their unit in the description; plain TIFFs use the
// ResolutionUnit tag, and without a unit the value is read as pixels per
// millimeter.
func pixelSize(res *Rational, resolutionUnit int, ij ImageJInfo) float64 {
	if res == nil || res.Value() <= 0 {
		return 1.0
	}
	v := res.Value()
	switch {
	case ij.IsMicron():
		return 1 / v
	case resolutionUnit == 3:
		return 1e4 / v
	default:
		return 1000 / v
	}
}

// TIFFMetadata normalizes the tags of the first page into ImageMetadata.
// Without an ImageJ description every page is taken as one time point.
func TIFFMetadata(info *TIFFInfo) models.ImageMetadata {
	md := models.DefaultMetadata()
	if info == nil || len(info.Pages) == 0 {
		return md
	}
	page := info.Pages[0]
	ij := ParseImageJDescription(page.Description)

	md.PhysicalSizeX = pixelSize(page.XResolution, page.ResolutionUnit, ij)
	md.PhysicalSizeY = pixelSize(page.YResolution, page.ResolutionUnit, ij)
	if ij.Spacing > 0 {
		md.PhysicalSizeZ = ij.Spacing
	}
	if page.BitsPerSample > 0 {
		md.BitDepth = page.BitsPerSample
	}
	md.DataType = page.DataTypeName()

	md.Shape = models.StackShape{Z: 1, C: 1, Y: page.Height, X: page.Width, T: len(info.Pages)}
	if ij.Valid {
		md.Shape.Z, md.Shape.C, md.Shape.T = ij.Slices, ij.Channels, ij.Frames
	}
	for i := 0; i < md.Shape.C; i++ {
		md.ChannelNames = append(md.ChannelNames, fmt.Sprintf("Channel %d", i+1))
	}
	return md
}
