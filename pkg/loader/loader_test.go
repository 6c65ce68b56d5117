package loader

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstscope/internal/testutil"
	"burstscope/pkg/logger"
	"burstscope/pkg/metadata"
)

// pageSamples fills a w*h page with base + pixel index
func pageSamples(w, h, base int) []uint16 {
	s := make([]uint16, w*h)
	for i := range s {
		s[i] = uint16(base + i)
	}
	return s
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadImageJHyperstack(t *testing.T) {
	const w, h = 4, 5
	bo := binary.LittleEndian
	desc := "ImageJ=1.53t\nimages=12\nchannels=2\nslices=2\nframes=3\nunit=micron\n"
	pages := make([]testutil.TIFFPage, 12)
	for k := range pages {
		d := ""
		if k == 0 {
			d = desc
		}
		pages[k] = testutil.GrayPage(bo, w, h, 16, pageSamples(w, h, k*100), d)
	}
	pages[0].Entries = append(pages[0].Entries, testutil.Rational(bo, 282, 5, 1), testutil.Rational(bo, 283, 5, 1))
	path := writeFile(t, t.TempDir(), "stack.tif", testutil.BuildTIFF(bo, pages))

	data, err := New(1, logger.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, data.Source)
	assert.Equal(t, []int{3, 2, h, w}, data.Tensor.Shape)
	assert.InDelta(t, 0.2, data.Metadata.PhysicalSizeX, 1e-12)
	assert.Equal(t, 2, data.Metadata.Shape.C)

	for ti := 0; ti < 3; ti++ {
		for zi := 0; zi < 2; zi++ {
			frame, err := data.Tensor.Frame(ti, zi)
			require.NoError(t, err)
			k := (ti*2+zi)*2 + 1
			assert.Equal(t, float64(k*100), frame.At(0, 0), "t=%d z=%d", ti, zi)
			assert.Equal(t, float64(k*100+2*w+3), frame.At(2, 3), "t=%d z=%d", ti, zi)
		}
	}
}

func TestLoadPlainTIFF(t *testing.T) {
	const w, h = 6, 3
	bo := binary.BigEndian
	var pages []testutil.TIFFPage
	for k := 0; k < 4; k++ {
		pages = append(pages, testutil.GrayPage(bo, w, h, 8, pageSamples(w, h, k*20), ""))
	}
	path := writeFile(t, t.TempDir(), "SERIES.TIFF", testutil.BuildTIFF(bo, pages))

	data, err := New(0, logger.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{4, h, w}, data.Tensor.Shape)
	assert.Equal(t, 8, data.Metadata.BitDepth)

	frame, err := data.Tensor.Frame(3, 0)
	require.NoError(t, err)
	assert.Equal(t, 60.0, frame.At(0, 0))
	assert.Equal(t, float64(60+w+1), frame.At(1, 1))
}

func TestLoadLogsStack(t *testing.T) {
	const w, h = 4, 4
	bo := binary.LittleEndian
	pages := []testutil.TIFFPage{testutil.GrayPage(bo, w, h, 16, pageSamples(w, h, 0), "")}
	path := writeFile(t, t.TempDir(), "single.tif", testutil.BuildTIFF(bo, pages))

	var buf bytes.Buffer
	log := logger.New(logger.Options{Level: "info", Format: "json", Component: "burstscope", Writer: &buf})
	_, err := New(0, log).Load(path)
	require.NoError(t, err)

	var line struct {
		Module      string    `json:"module"`
		Source      string    `json:"source"`
		Shape       []int     `json:"shape"`
		PixelSizeUm []float64 `json:"pixel_size_um"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "loader", line.Module)
	assert.Equal(t, path, line.Source)
	assert.Equal(t, []int{1, h, w}, line.Shape)
	assert.Equal(t, []float64{1, 1, 1}, line.PixelSizeUm)
}

func TestLoadTIFFLayoutMismatch(t *testing.T) {
	bo := binary.LittleEndian
	desc := "ImageJ=1.53t\nimages=4\nchannels=2\nframes=2\n"
	pages := []testutil.TIFFPage{
		testutil.GrayPage(bo, 2, 2, 8, pageSamples(2, 2, 0), desc),
		testutil.GrayPage(bo, 2, 2, 8, pageSamples(2, 2, 10), ""),
		testutil.GrayPage(bo, 2, 2, 8, pageSamples(2, 2, 20), ""),
	}
	path := writeFile(t, t.TempDir(), "odd.tif", testutil.BuildTIFF(bo, pages))

	data, err := New(0, logger.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, data.Tensor.Shape)

	_, err = New(1, logger.Nop()).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel 1 out of range")
}

// packHiLo splits 16 bit little-endian samples into low bytes then high bytes
func packHiLo(samples []uint16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		out[i] = byte(v)
		out[len(samples)+i] = byte(v >> 8)
	}
	return out
}

func le16(samples []uint16) []byte {
	out := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func TestLoadCZI(t *testing.T) {
	const w, h = 3, 2
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	block := func(tIdx, z, c, comp int, data []byte) testutil.CZIBlock {
		return testutil.CZIBlock{
			PixelType:   metadata.PixelGray16,
			Compression: comp,
			Dims: []testutil.CZIDim{
				{Name: "X", Size: w}, {Name: "Y", Size: h},
				{Name: "T", Start: tIdx, Size: 1}, {Name: "Z", Start: z, Size: 1}, {Name: "C", Start: c, Size: 1},
			},
			Data: data,
		}
	}
	base := func(tIdx, z, c int) int { return 1000*tIdx + 100*z + 10*c }

	var blocks []testutil.CZIBlock
	for tIdx := 0; tIdx < 2; tIdx++ {
		for z := 0; z < 2; z++ {
			for c := 0; c < 2; c++ {
				samples := pageSamples(w, h, base(tIdx, z, c))
				switch (tIdx*2 + z) % 3 {
				case 0:
					blocks = append(blocks, block(tIdx, z, c, metadata.CompressionNone, le16(samples)))
				case 1:
					blocks = append(blocks, block(tIdx, z, c, metadata.CompressionZstd0, enc.EncodeAll(le16(samples), nil)))
				case 2:
					payload := append([]byte{3, 1, 1}, enc.EncodeAll(packHiLo(samples), nil)...)
					blocks = append(blocks, block(tIdx, z, c, metadata.CompressionZstd1, payload))
				}
			}
		}
	}
	pyramid := block(0, 0, 1, metadata.CompressionNone, make([]byte, 2*w*h))
	pyramid.Pyramid = 1
	blocks = append(blocks, pyramid)

	xml := `<ImageDocument><Metadata><Scaling><Items>` +
		`<Distance Id="X"><Value>2e-07</Value><DefaultUnitFormat>µm</DefaultUnitFormat></Distance>` +
		`</Items></Scaling></Metadata></ImageDocument>`
	path := writeFile(t, t.TempDir(), "cells.CZI", testutil.BuildCZI(xml, blocks))

	data, err := New(1, logger.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, h, w}, data.Tensor.Shape)
	assert.InDelta(t, 0.2, data.Metadata.PhysicalSizeX, 1e-12)
	assert.Equal(t, 2, data.Metadata.Shape.C)

	for tIdx := 0; tIdx < 2; tIdx++ {
		for z := 0; z < 2; z++ {
			frame, err := data.Tensor.Frame(tIdx, z)
			require.NoError(t, err)
			b := float64(base(tIdx, z, 1))
			assert.Equal(t, b, frame.At(0, 0), "t=%d z=%d", tIdx, z)
			assert.Equal(t, b+float64(w+2), frame.At(1, 2), "t=%d z=%d", tIdx, z)
		}
	}

	_, err = New(2, logger.Nop()).Load(path)
	assert.Error(t, err)
}

func TestLoadCZIUnsupportedCompression(t *testing.T) {
	blocks := []testutil.CZIBlock{{
		PixelType:   metadata.PixelGray8,
		Compression: 4,
		Dims:        []testutil.CZIDim{{Name: "X", Size: 2}, {Name: "Y", Size: 2}},
		Data:        []byte{1, 2, 3, 4},
	}}
	path := writeFile(t, t.TempDir(), "jxr.czi", testutil.BuildCZI("", blocks))

	_, err := New(0, logger.Nop()).Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestLoadCZISingleSlice(t *testing.T) {
	blocks := []testutil.CZIBlock{
		{PixelType: metadata.PixelGray8, Dims: []testutil.CZIDim{{Name: "X", Size: 2}, {Name: "Y", Size: 2}, {Name: "T", Start: 0, Size: 1}}, Data: []byte{1, 2, 3, 4}},
		{PixelType: metadata.PixelGray8, Dims: []testutil.CZIDim{{Name: "X", Size: 2}, {Name: "Y", Size: 2}, {Name: "T", Start: 1, Size: 1}}, Data: []byte{5, 6, 7, 8}},
	}
	path := writeFile(t, t.TempDir(), "series.czi", testutil.BuildCZI("", blocks))

	data, err := New(0, logger.Nop()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, data.Tensor.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, data.Tensor.Data)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{10, 2, 1} {
		img := image.NewGray16(image.Rect(0, 0, 5, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				img.Pix[img.PixOffset(x, y)+1] = byte(n)
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(dir, "frame_"+strconv.Itoa(n)+".png")))
	}
	writeFile(t, dir, "notes.txt", []byte("not an image"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub7"), 0o755))

	data, err := New(0, logger.Nop()).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, data.Tensor.Shape)
	assert.Equal(t, 16, data.Metadata.BitDepth)
	for ti, want := range []float64{1, 2, 10} {
		frame, err := data.Tensor.Frame(ti, 0)
		require.NoError(t, err)
		assert.Equal(t, want, frame.At(3, 4), "time %d", ti)
	}
}

func TestLoadDirectoryErrors(t *testing.T) {
	empty := t.TempDir()
	_, err := New(0, logger.Nop()).Load(empty)
	assert.Error(t, err)

	mixed := t.TempDir()
	require.NoError(t, imaging.Save(image.NewGray(image.Rect(0, 0, 4, 4)), filepath.Join(mixed, "a1.png")))
	require.NoError(t, imaging.Save(image.NewGray(image.Rect(0, 0, 5, 4)), filepath.Join(mixed, "a2.png")))
	_, err = New(0, logger.Nop()).Load(mixed)
	assert.Error(t, err)
}

func TestLoadUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stack.nd2", []byte("data"))
	_, err := New(0, logger.Nop()).Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = New(0, logger.Nop()).Load(filepath.Join(dir, "missing.tif"))
	assert.Error(t, err)

	_, err = New(-1, logger.Nop()).Load(path)
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.tif", []byte("this is not a tiff"))
	_, err = New(0, logger.Nop()).Load(bad)
	assert.ErrorIs(t, err, metadata.ErrNotTIFF)
}

func TestExtractNumber(t *testing.T) {
	assert.Equal(t, 12, extractNumber("slice_12.png"))
	assert.Equal(t, 3, extractNumber("/data/run/t003.tif"))
	assert.Equal(t, 0, extractNumber("frame.png"))
}
