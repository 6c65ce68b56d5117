package metadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstscope/internal/models"
	"burstscope/internal/testutil"
)

const sampleCZIXML = `<?xml version="1.0"?>
<ImageDocument>
  <Metadata>
    <Information>
      <Image>
        <AcquisitionDateAndTime>2021-03-04T10:11:12.5Z</AcquisitionDateAndTime>
        <SizeX>512</SizeX>
        <SizeY>256</SizeY>
        <SizeZ>7</SizeZ>
        <SizeT>40</SizeT>
        <ComponentBitCount>12</ComponentBitCount>
        <PixelType>Gray16</PixelType>
        <Dimensions>
          <Channels>
            <Channel Id="Channel:0" Name="ch0">
              <Fluor>Alexa 488</Fluor>
              <ExcitationWavelength>493</ExcitationWavelength>
              <DetectionWavelength><Ranges>500-550</Ranges></DetectionWavelength>
              <Voltage>650</Voltage>
              <Detector Id="Detector:1"/>
            </Channel>
            <Channel Id="Channel:1" Name="ch1">
              <ExcitationWavelength>561</ExcitationWavelength>
              <PixelTime>1.5</PixelTime>
            </Channel>
          </Channels>
        </Dimensions>
      </Image>
      <Instrument>
        <Objectives>
          <Objective Name="Plan-Apochromat 63x/1.40 Oil">
            <LensNA>1.4</LensNA>
            <Immersion>Oil</Immersion>
            <ImmersionRefractiveIndex>1.518</ImmersionRefractiveIndex>
          </Objective>
        </Objectives>
      </Instrument>
    </Information>
    <Scaling>
      <Items>
        <Distance Id="X"><Value>1.3e-07</Value><DefaultUnitFormat>µm</DefaultUnitFormat></Distance>
        <Distance Id="Y"><Value>1.3e-07</Value><DefaultUnitFormat>µm</DefaultUnitFormat></Distance>
        <Distance Id="Z"><Value>5e-07</Value></Distance>
      </Items>
    </Scaling>
  </Metadata>
</ImageDocument>`

func gray16(n int) []uint16 {
	return make([]uint16, n)
}

func TestReadTIFFPlain(t *testing.T) {
	bo := binary.LittleEndian
	page := testutil.GrayPage(bo, 8, 4, 16, gray16(32), "")
	page.Entries = append(page.Entries, testutil.Rational(bo, tagXResolution, 2000, 1), testutil.Rational(bo, tagYResolution, 4000, 1))
	data := testutil.BuildTIFF(bo, []testutil.TIFFPage{page, testutil.GrayPage(bo, 8, 4, 16, gray16(32), "")})

	info, err := ReadTIFF(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, info.Pages, 2)
	assert.Equal(t, binary.LittleEndian, info.ByteOrder)
	assert.Equal(t, uint32(8), info.Pages[0].Offset)
	assert.Equal(t, 8, info.Pages[0].Width)
	assert.Equal(t, 4, info.Pages[0].Height)

	md := TIFFMetadata(info)
	assert.Equal(t, models.StackShape{Z: 1, C: 1, Y: 4, X: 8, T: 2}, md.Shape)
	assert.InDelta(t, 0.5, md.PhysicalSizeX, 1e-12)
	assert.InDelta(t, 0.25, md.PhysicalSizeY, 1e-12)
	assert.Equal(t, 1.0, md.PhysicalSizeZ)
	assert.Equal(t, 16, md.BitDepth)
	assert.Equal(t, "uint16", md.DataType)
	assert.Equal(t, []string{"Channel 1"}, md.ChannelNames)
}

func TestReadTIFFImageJBigEndian(t *testing.T) {
	bo := binary.BigEndian
	desc := "ImageJ=1.53t\nimages=12\nchannels=2\nslices=3\nframes=2\nhyperstack=true\nunit=micron\nspacing=0.5\n"
	pages := make([]testutil.TIFFPage, 12)
	for i := range pages {
		d := ""
		if i == 0 {
			d = desc
		}
		pages[i] = testutil.GrayPage(bo, 6, 5, 8, gray16(30), d)
	}
	pages[0].Entries = append(pages[0].Entries, testutil.Rational(bo, tagXResolution, 4, 1), testutil.Rational(bo, tagYResolution, 4, 1))

	info, err := ReadTIFF(bytes.NewReader(testutil.BuildTIFF(bo, pages)))
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, info.ByteOrder)
	require.Len(t, info.Pages, 12)
	assert.Equal(t, desc, info.Pages[0].Description)

	md := TIFFMetadata(info)
	assert.Equal(t, models.StackShape{Z: 3, C: 2, Y: 5, X: 6, T: 2}, md.Shape)
	assert.InDelta(t, 0.25, md.PhysicalSizeX, 1e-12)
	assert.InDelta(t, 0.5, md.PhysicalSizeZ, 1e-12)
	assert.Equal(t, 8, md.BitDepth)
	assert.Equal(t, "uint8", md.DataType)
	assert.Equal(t, []string{"Channel 1", "Channel 2"}, md.ChannelNames)
}

func TestPixelSizeUnits(t *testing.T) {
	res := &Rational{Num: 20000, Den: 1}
	assert.InDelta(t, 0.5, pixelSize(res, 3, ImageJInfo{}), 1e-12)
	assert.InDelta(t, 0.05, pixelSize(res, 2, ImageJInfo{}), 1e-12)
	assert.Equal(t, 1.0, pixelSize(nil, 2, ImageJInfo{}))
	assert.Equal(t, 1.0, pixelSize(&Rational{Num: 3, Den: 0}, 2, ImageJInfo{}))
	assert.InDelta(t, 5e-5, pixelSize(res, 2, ImageJInfo{Unit: "micron"}), 1e-15)
}

func TestReadTIFFErrors(t *testing.T) {
	_, err := ReadTIFF(bytes.NewReader([]byte("hello world, not an image")))
	assert.ErrorIs(t, err, ErrNotTIFF)

	_, err = ReadTIFF(bytes.NewReader([]byte("II")))
	assert.ErrorIs(t, err, ErrNotTIFF)

	bigTIFF := []byte{'I', 'I', 43, 0, 8, 0, 0, 0}
	_, err = ReadTIFF(bytes.NewReader(bigTIFF))
	assert.ErrorIs(t, err, ErrNotTIFF)

	bo := binary.LittleEndian
	data := testutil.BuildTIFF(bo, []testutil.TIFFPage{testutil.GrayPage(bo, 2, 2, 8, gray16(4), "")})
	n := int(bo.Uint16(data[8:10]))
	bo.PutUint32(data[10+12*n:], 8)
	_, err = ReadTIFF(bytes.NewReader(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loops")
}

func TestParseImageJDescription(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want ImageJInfo
	}{
		{
			name: "not imagej",
			desc: `{"shape": [3, 4, 5]}`,
			want: ImageJInfo{Channels: 1, Slices: 1, Frames: 1},
		},
		{
			name: "images only",
			desc: "ImageJ=1.52a\nimages=20\n",
			want: ImageJInfo{Valid: true, Images: 20, Channels: 1, Slices: 1, Frames: 20},
		},
		{
			name: "channels and images",
			desc: "ImageJ=1.52a\nimages=20\nchannels=2\n",
			want: ImageJInfo{Valid: true, Images: 20, Channels: 2, Slices: 1, Frames: 10},
		},
		{
			name: "hyperstack",
			desc: "ImageJ=1.53t\nimages=24\nchannels=2\nslices=4\nframes=3\nunit=\\u00B5m\nspacing=0.25\nloop=false\n",
			want: ImageJInfo{Valid: true, Images: 24, Channels: 2, Slices: 4, Frames: 3, Unit: `\u00B5m`, Spacing: 0.25},
		},
		{
			name: "slices only",
			desc: "ImageJ=1.53t\nimages=6\nslices=6\n",
			want: ImageJInfo{Valid: true, Images: 6, Channels: 1, Slices: 6, Frames: 1},
		},
		{
			name: "garbage counts",
			desc: "ImageJ=1.53t\nchannels=x\nslices=-2\n",
			want: ImageJInfo{Valid: true, Channels: 1, Slices: 1, Frames: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseImageJDescription(tt.desc))
		})
	}

	assert.True(t, ImageJInfo{Unit: "micron"}.IsMicron())
	assert.True(t, ImageJInfo{Unit: `\u00B5m`}.IsMicron())
	assert.False(t, ImageJInfo{Unit: "cm"}.IsMicron())
}

func TestParseCZIXML(t *testing.T) {
	md, err := ParseCZIXML([]byte(sampleCZIXML))
	require.NoError(t, err)

	assert.Equal(t, "2021-03-04T10:11:12.5Z", md.AcquisitionDate)
	assert.Equal(t, models.StackShape{Z: 7, C: 2, Y: 256, X: 512, T: 40}, md.Shape)
	assert.Equal(t, 12, md.BitDepth)
	assert.Equal(t, "Gray16", md.DataType)
	assert.Equal(t, []string{"Alexa 488", "Channel_2"}, md.ChannelNames)
	require.Len(t, md.Channels, 2)
	assert.Equal(t, models.ChannelInfo{
		Fluor:                "Alexa 488",
		ExcitationWavelength: "493",
		DetectionWavelength:  "500-550",
		Voltage:              "650",
		DetectorID:           "Detector:1",
	}, md.Channels[0])
	assert.Equal(t, "1.5", md.Channels[1].PixelTime)
	assert.Equal(t, models.ObjectiveInfo{
		Name:        "Plan-Apochromat 63x/1.40 Oil",
		LensNA:      "1.4",
		Immersion:   "Oil",
		ImmersionRI: "1.518",
	}, md.Objective)

	assert.InDelta(t, 0.13, md.PhysicalSizeX, 1e-9)
	assert.InDelta(t, 0.13, md.PhysicalSizeY, 1e-9)
	// distances without a unit format are ignored
	assert.Equal(t, 1.0, md.PhysicalSizeZ)
	assert.Equal(t, models.MicrometerUnit, md.PhysicalUnit)
}

func TestParseCZIXMLDefaults(t *testing.T) {
	md, err := ParseCZIXML([]byte(`<ImageDocument><Metadata/></ImageDocument>`))
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMetadata().Shape, md.Shape)
	assert.Equal(t, 16, md.BitDepth)
	assert.Equal(t, [3]float64{1, 1, 1}, md.PixelSizeXYZ())

	_, err = ParseCZIXML([]byte("<ImageDocument><Metadata>"))
	assert.Error(t, err)
}

func TestReadCZIMetadata(t *testing.T) {
	data := testutil.BuildCZI(sampleCZIXML, nil)
	md, raw, err := ReadCZIMetadata(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, sampleCZIXML, string(raw))
	assert.Equal(t, 40, md.Shape.T)

	_, _, err = ReadCZIMetadata(bytes.NewReader([]byte("definitely not a czi container, just text padding")))
	assert.ErrorIs(t, err, ErrNotCZI)

	_, _, err = ReadCZIMetadata(bytes.NewReader(testutil.BuildCZI("", nil)))
	assert.Error(t, err)
}

func TestCZIDirectoryAndSubBlocks(t *testing.T) {
	blocks := []testutil.CZIBlock{
		{
			PixelType: PixelGray8,
			Dims:      []testutil.CZIDim{{Name: "X", Start: 0, Size: 2}, {Name: "Y", Start: 0, Size: 2}, {Name: "C", Start: 0, Size: 1}, {Name: "T", Start: 1, Size: 1}},
			Data:      []byte{1, 2, 3, 4},
		},
		{
			PixelType:   PixelGray16,
			Compression: CompressionZstd0,
			Pyramid:     1,
			Dims:        []testutil.CZIDim{{Name: "X", Start: 0, Size: 1}, {Name: "Y", Start: 0, Size: 1}, {Name: "Z", Start: 3, Size: 1}},
			Data:        []byte{9, 9, 9},
		},
	}
	f, err := OpenCZI(bytes.NewReader(testutil.BuildCZI(sampleCZIXML, blocks)))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Major)

	dir, err := f.Directory()
	require.NoError(t, err)
	require.Len(t, dir, 2)

	assert.Equal(t, PixelGray8, dir[0].PixelType)
	assert.Equal(t, CompressionNone, dir[0].Compression)
	assert.Equal(t, 1, dir[0].Start("T"))
	assert.Equal(t, 0, dir[0].Start("Z"))
	assert.Equal(t, CZIDimension{Start: 0, Size: 2, StoredSize: 2}, dir[0].Dimensions["X"])

	assert.Equal(t, CompressionZstd0, dir[1].Compression)
	assert.Equal(t, 1, dir[1].PyramidType)
	assert.Equal(t, 3, dir[1].Start("Z"))

	data, err := f.SubBlockData(dir[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	data, err = f.SubBlockData(dir[1])
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, data)
}
