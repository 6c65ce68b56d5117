// Package testutil builds synthetic TIFF and CZI files for tests.
package testutil

import (
	"encoding/binary"
	"math"
	"sort"
)

// TIFF field types
const (
	TIFFByte     = 1
	TIFFASCII    = 2
	TIFFShort    = 3
	TIFFLong     = 4
	TIFFRational = 5
)

// TIFFEntry is one IFD entry; payloads longer than 4 bytes are stored out of line
type TIFFEntry struct {
	Tag, Type uint16
	Count     uint32
	Payload   []byte
}

// TIFFPage is one image file directory. When Pixels is set, a single strip
// holding it is written and StripOffsets/StripByteCounts are added.
type TIFFPage struct {
	Entries []TIFFEntry
	Pixels  []byte
}

// Short returns a SHORT entry
func Short(bo binary.ByteOrder, tag uint16, v uint16) TIFFEntry {
	b := make([]byte, 2)
	bo.PutUint16(b, v)
	return TIFFEntry{Tag: tag, Type: TIFFShort, Count: 1, Payload: b}
}

// Long returns a LONG entry
func Long(bo binary.ByteOrder, tag uint16, v uint32) TIFFEntry {
	b := make([]byte, 4)
	bo.PutUint32(b, v)
	return TIFFEntry{Tag: tag, Type: TIFFLong, Count: 1, Payload: b}
}

// Rational returns a RATIONAL entry
func Rational(bo binary.ByteOrder, tag uint16, num, den uint32) TIFFEntry {
	b := make([]byte, 8)
	bo.PutUint32(b[0:4], num)
	bo.PutUint32(b[4:8], den)
	return TIFFEntry{Tag: tag, Type: TIFFRational, Count: 1, Payload: b}
}

// ASCII returns a NUL terminated ASCII entry
func ASCII(tag uint16, s string) TIFFEntry {
	b := append([]byte(s), 0)
	return TIFFEntry{Tag: tag, Type: TIFFASCII, Count: uint32(len(b)), Payload: b}
}

// GrayPage returns an uncompressed BlackIsZero page of 8 or 16 bit samples
// in row-major order. An empty description is omitted.
func GrayPage(bo binary.ByteOrder, width, height, bits int, samples []uint16, description string) TIFFPage {
	page := TIFFPage{Entries: []TIFFEntry{
		Long(bo, 256, uint32(width)),
		Long(bo, 257, uint32(height)),
		Short(bo, 258, uint16(bits)),
		Short(bo, 259, 1),
		Short(bo, 262, 1),
		Short(bo, 277, 1),
		Long(bo, 278, uint32(height)),
	}}
	if description != "" {
		page.Entries = append(page.Entries, ASCII(270, description))
	}

	if bits == 8 {
		page.Pixels = make([]byte, len(samples))
		for i, v := range samples {
			page.Pixels[i] = byte(v)
		}
	} else {
		page.Pixels = make([]byte, 2*len(samples))
		for i, v := range samples {
			bo.PutUint16(page.Pixels[2*i:], v)
		}
	}
	return page
}

// BuildTIFF serializes pages into a classic TIFF file
func BuildTIFF(bo binary.ByteOrder, pages []TIFFPage) []byte {
	buf := make([]byte, 8)
	if bo == binary.BigEndian {
		copy(buf, "MM")
	} else {
		copy(buf, "II")
	}
	bo.PutUint16(buf[2:], 42)
	bo.PutUint32(buf[4:], 8)

	for i, page := range pages {
		entries := append([]TIFFEntry(nil), page.Entries...)
		if page.Pixels != nil {
			entries = append(entries,
				Long(bo, 273, 0),
				Long(bo, 279, uint32(len(page.Pixels))))
		}
		sort.SliceStable(entries, func(a, b int) bool { return entries[a].Tag < entries[b].Tag })

		ifdOff := len(buf)
		ifdLen := 2 + 12*len(entries) + 4
		extraOff := ifdOff + ifdLen
		var extra []byte
		for _, e := range entries {
			if len(e.Payload) > 4 {
				extra = append(extra, e.Payload...)
			}
		}
		pixelOff := extraOff + len(extra)

		ifd := make([]byte, ifdLen)
		bo.PutUint16(ifd, uint16(len(entries)))
		cursor := extraOff
		for j, e := range entries {
			b := ifd[2+12*j:]
			bo.PutUint16(b[0:2], e.Tag)
			bo.PutUint16(b[2:4], e.Type)
			bo.PutUint32(b[4:8], e.Count)
			switch {
			case e.Tag == 273 && page.Pixels != nil:
				bo.PutUint32(b[8:12], uint32(pixelOff))
			case len(e.Payload) > 4:
				bo.PutUint32(b[8:12], uint32(cursor))
				cursor += len(e.Payload)
			default:
				copy(b[8:12], e.Payload)
			}
		}

		next := 0
		if i < len(pages)-1 {
			next = pixelOff + len(page.Pixels)
		}
		bo.PutUint32(ifd[ifdLen-4:], uint32(next))

		buf = append(buf, ifd...)
		buf = append(buf, extra...)
		buf = append(buf, page.Pixels...)
	}
	return buf
}

// CZIDim is one dimension entry of a CZI sub-block
type CZIDim struct {
	Name        string
	Start, Size int
}

// CZIBlock is one CZI sub-block; Data is written as given
type CZIBlock struct {
	PixelType   int
	Compression int
	Pyramid     int
	Dims        []CZIDim
	Data        []byte
}

var le = binary.LittleEndian

func segmentHeader(id string, used int) []byte {
	b := make([]byte, 32)
	copy(b, id)
	le.PutUint64(b[16:24], uint64(used))
	le.PutUint64(b[24:32], uint64(used))
	return b
}

func directoryEntry(blk CZIBlock, pos int) []byte {
	b := make([]byte, 32+20*len(blk.Dims))
	copy(b, "DV")
	le.PutUint32(b[2:6], uint32(int32(blk.PixelType)))
	le.PutUint64(b[6:14], uint64(pos))
	le.PutUint32(b[18:22], uint32(int32(blk.Compression)))
	b[22] = byte(blk.Pyramid)
	le.PutUint32(b[28:32], uint32(len(blk.Dims)))
	for i, d := range blk.Dims {
		e := b[32+20*i:]
		copy(e[0:4], d.Name)
		le.PutUint32(e[4:8], uint32(int32(d.Start)))
		le.PutUint32(e[8:12], uint32(int32(d.Size)))
		le.PutUint32(e[12:16], math.Float32bits(float32(d.Start)))
		le.PutUint32(e[16:20], uint32(int32(d.Size)))
	}
	return b
}

// BuildCZI serializes a CZI container with a metadata segment, the given
// sub-blocks and a sub-block directory. An empty xml omits the metadata segment.
func BuildCZI(xml string, blocks []CZIBlock) []byte {
	buf := segmentHeader("ZISRAWFILE", 512)
	buf = append(buf, make([]byte, 512)...)
	le.PutUint32(buf[32:36], 1)

	if xml != "" {
		le.PutUint64(buf[92:100], uint64(len(buf)))
		seg := segmentHeader("ZISRAWMETADATA", 256+len(xml))
		data := make([]byte, 256)
		le.PutUint32(data[0:4], uint32(len(xml)))
		seg = append(seg, data...)
		seg = append(seg, xml...)
		buf = append(buf, seg...)
	}

	entries := make([][]byte, len(blocks))
	for i, blk := range blocks {
		pos := len(buf)
		entry := directoryEntry(blk, pos)
		entries[i] = entry

		fixed := max(256, 16+len(entry))
		data := make([]byte, fixed)
		le.PutUint64(data[8:16], uint64(len(blk.Data)))
		copy(data[16:], entry)
		data = append(data, blk.Data...)

		buf = append(buf, segmentHeader("ZISRAWSUBBLOCK", len(data))...)
		buf = append(buf, data...)
	}

	dir := make([]byte, 128)
	le.PutUint32(dir[0:4], uint32(len(blocks)))
	for _, e := range entries {
		dir = append(dir, e...)
	}
	le.PutUint64(buf[84:92], uint64(len(buf)))
	buf = append(buf, segmentHeader("ZISRAWDIRECTORY", len(dir))...)
	buf = append(buf, dir...)
	return buf
}
