package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"

	"golang.org/x/image/tiff"

	"burstscope/internal/models"
	"burstscope/pkg/metadata"
)

// pageReader serves a TIFF file whose header points at another IFD, so that
// the single-image decoder reads page k.
type pageReader struct {
	data *bytes.Reader
	head [8]byte
}

func newPageReader(raw []byte, bo binary.ByteOrder, ifd uint32) *pageReader {
	p := &pageReader{data: bytes.NewReader(raw)}
	copy(p.head[:], raw[:8])
	bo.PutUint32(p.head[4:8], ifd)
	return p
}

func (p *pageReader) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.data.ReadAt(b, off)
	for i := 0; i < n && off+int64(i) < int64(len(p.head)); i++ {
		b[i] = p.head[off+int64(i)]
	}
	return n, err
}

func decodePage(raw []byte, info *metadata.TIFFInfo, k int) (image.Image, error) {
	pr := newPageReader(raw, info.ByteOrder, info.Pages[k].Offset)
	img, err := tiff.Decode(io.NewSectionReader(pr, 0, int64(len(raw))))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page %d: %w", k, err)
	}
	return img, nil
}

// loadTIFF reads a multi-page TIFF. ImageJ hyperstacks store pages with the
// channel varying fastest, then z, then time.
func (l *Loader) loadTIFF(path string) (*models.ImageData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := metadata.ReadTIFF(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	md := metadata.TIFFMetadata(info)

	s := md.Shape
	if s.Z*s.C*s.T != len(info.Pages) {
		l.log.Warn().
			Int("pages", len(info.Pages)).
			Int("channels", s.C).Int("slices", s.Z).Int("frames", s.T).
			Msg("ImageJ layout does not match page count, reading pages as time points")
		s.Z, s.C, s.T = 1, 1, len(info.Pages)
		md.Shape = s
		md.ChannelNames = []string{"Channel 1"}
	}
	if l.Channel >= s.C {
		return nil, fmt.Errorf("channel %d out of range, file has %d channels", l.Channel, s.C)
	}
	if s.X < 1 || s.Y < 1 {
		return nil, fmt.Errorf("invalid page size %dx%d", s.X, s.Y)
	}

	tensor := models.ZeroTensor(tensorShape(s.T, s.Z, s.Y, s.X)...)
	for t := 0; t < s.T; t++ {
		for z := 0; z < s.Z; z++ {
			k := (t*s.Z+z)*s.C + l.Channel
			img, err := decodePage(raw, info, k)
			if err != nil {
				return nil, err
			}
			frame, err := tensor.Frame(t, z)
			if err != nil {
				return nil, err
			}
			if err := copyImage(img, frame); err != nil {
				return nil, fmt.Errorf("page %d: %w", k, err)
			}
		}
	}
	return &models.ImageData{Tensor: tensor, Metadata: md}, nil
}
