package loader

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"burstscope/internal/models"
	"burstscope/pkg/metadata"
)

// bytes per sample of the supported CZI pixel types
var cziSampleSize = map[int]int{
	metadata.PixelGray8:       1,
	metadata.PixelGray16:      2,
	metadata.PixelGray32Float: 4,
}

type cziTile struct {
	block metadata.CZISubBlock
	t, z  int
	x, y  int
	w, h  int
}

func (l *Loader) loadCZI(path string) (*models.ImageData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	czi, err := metadata.OpenCZI(f)
	if err != nil {
		return nil, err
	}

	md := models.DefaultMetadata()
	if xmlData, err := czi.MetadataXML(); err != nil {
		l.log.Warn().Err(err).Msg("CZI metadata unavailable, using defaults")
	} else if md, err = metadata.ParseCZIXML(xmlData); err != nil {
		l.log.Warn().Err(err).Msg("CZI metadata unreadable, using defaults")
		md = models.DefaultMetadata()
	}

	entries, err := czi.Directory()
	if err != nil {
		return nil, err
	}

	channels := 0
	var tiles []cziTile
	for _, sb := range entries {
		if sb.PyramidType != 0 {
			continue
		}
		channels = max(channels, sb.Start("C")+1)
		if sb.Start("C") != l.Channel {
			continue
		}
		x, y := sb.Dimensions["X"], sb.Dimensions["Y"]
		if x.StoredSize != x.Size || y.StoredSize != y.Size {
			continue
		}
		tiles = append(tiles, cziTile{
			block: sb,
			t:     sb.Start("T"), z: sb.Start("Z"),
			x: x.Start, y: y.Start,
			w: x.Size, h: y.Size,
		})
	}
	if l.Channel >= channels {
		return nil, fmt.Errorf("channel %d out of range, file has %d channels", l.Channel, channels)
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no sub-blocks for channel %d", l.Channel)
	}

	// frame extent is the union of all tiles
	minT, minZ, minX, minY := math.MaxInt, math.MaxInt, math.MaxInt, math.MaxInt
	maxT, maxZ, maxX, maxY := 0, 0, 0, 0
	for _, tl := range tiles {
		minT, maxT = min(minT, tl.t), max(maxT, tl.t+1)
		minZ, maxZ = min(minZ, tl.z), max(maxZ, tl.z+1)
		minX, maxX = min(minX, tl.x), max(maxX, tl.x+tl.w)
		minY, maxY = min(minY, tl.y), max(maxY, tl.y+tl.h)
	}
	nt, nz, w, h := maxT-minT, maxZ-minZ, maxX-minX, maxY-minY
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", w, h)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	tensor := models.ZeroTensor(tensorShape(nt, nz, h, w)...)
	for _, tl := range tiles {
		data, err := czi.SubBlockData(tl.block)
		if err != nil {
			return nil, err
		}
		samples, err := decodeSubBlock(dec, tl.block, data, tl.w*tl.h)
		if err != nil {
			return nil, fmt.Errorf("sub-block t=%d z=%d: %w", tl.t, tl.z, err)
		}
		frame, err := tensor.Frame(tl.t-minT, tl.z-minZ)
		if err != nil {
			return nil, err
		}
		for r := 0; r < tl.h; r++ {
			for c := 0; c < tl.w; c++ {
				frame.Set(tl.y-minY+r, tl.x-minX+c, samples[r*tl.w+c])
			}
		}
	}

	md.Shape.T, md.Shape.Z, md.Shape.Y, md.Shape.X = nt, nz, h, w
	md.Shape.C = max(md.Shape.C, channels)
	return &models.ImageData{Tensor: tensor, Metadata: md}, nil
}

// decodeSubBlock decompresses a sub-block payload and returns n samples
func decodeSubBlock(dec *zstd.Decoder, sb metadata.CZISubBlock, data []byte, n int) ([]float64, error) {
	size, ok := cziSampleSize[sb.PixelType]
	if !ok {
		return nil, fmt.Errorf("%w: CZI pixel type %d", ErrUnsupportedFormat, sb.PixelType)
	}

	var raw []byte
	switch sb.Compression {
	case metadata.CompressionNone:
		raw = data
	case metadata.CompressionZstd0:
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		raw = out
	case metadata.CompressionZstd1:
		out, err := decodeZstd1(dec, data)
		if err != nil {
			return nil, err
		}
		raw = out
	default:
		return nil, fmt.Errorf("%w: CZI compression %d", ErrUnsupportedCompression, sb.Compression)
	}

	if len(raw) < n*size {
		return nil, fmt.Errorf("sub-block holds %d bytes, need %d", len(raw), n*size)
	}
	samples := make([]float64, n)
	le := binary.LittleEndian
	for i := range samples {
		switch size {
		case 1:
			samples[i] = float64(raw[i])
		case 2:
			samples[i] = float64(le.Uint16(raw[2*i:]))
		case 4:
			samples[i] = float64(math.Float32frombits(le.Uint32(raw[4*i:])))
		}
	}
	return samples, nil
}

// decodeZstd1 unpacks a zstd1 payload: a small header whose first byte is its
// own size, optionally flagging that 16 bit samples were split into a block
// of low bytes followed by a block of high bytes.
func decodeZstd1(dec *zstd.Decoder, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty zstd1 payload")
	}
	headerSize := int(data[0])
	if headerSize < 1 || headerSize > len(data) {
		return nil, fmt.Errorf("invalid zstd1 header size %d", headerSize)
	}
	hiLo := headerSize >= 3 && data[1] == 1 && data[2]&1 == 1

	out, err := dec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if !hiLo {
		return out, nil
	}

	half := len(out) / 2
	packed := make([]byte, 2*half)
	for i := 0; i < half; i++ {
		packed[2*i] = out[i]
		packed[2*i+1] = out[half+i]
	}
	return packed, nil
}
