package analysis

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burstscope/internal/models"
	"burstscope/pkg/detection"
	"burstscope/pkg/logger"
)

// paintDisk draws a bright disk into frame (t, z) of a tensor
func paintDisk(t *testing.T, tensor *models.Tensor, ti, zi, row, col int, radius, value float64) {
	t.Helper()
	frame, err := tensor.Frame(ti, zi)
	require.NoError(t, err)
	rows, cols := frame.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dr, dc := float64(r-row), float64(c-col)
			if math.Sqrt(dr*dr+dc*dc) <= radius {
				frame.Set(r, c, value)
			}
		}
	}
}

// randomTensor fills a tensor with noise and scattered bright pixels
func randomTensor(seed int64, shape ...int) *models.Tensor {
	rng := rand.New(rand.NewSource(seed))
	tensor := models.ZeroTensor(shape...)
	for i := range tensor.Data {
		tensor.Data[i] = rng.Float64() * 20
		if rng.Intn(40) == 0 {
			tensor.Data[i] += 500 + rng.Float64()*500
		}
	}
	return tensor
}

func TestAnalyzeRank3SingleDisk(t *testing.T) {
	tensor := models.ZeroTensor(5, 20, 20)
	for ti := 0; ti < 5; ti++ {
		paintDisk(t, tensor, ti, 0, 10, 10, 1, 1000)
	}

	bm, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 3, bm.Rank)
	assert.Equal(t, 2, bm.Arity())
	require.Equal(t, 5, bm.Len())
	for ti := 0; ti < 5; ti++ {
		require.Len(t, bm.At(ti), 1, "time %d", ti)
		s := bm.At(ti)[0]
		assert.LessOrEqual(t, math.Abs(float64(s.Row-10)), 1.0)
		assert.LessOrEqual(t, math.Abs(float64(s.Col-10)), 1.0)
		assert.Equal(t, 0, s.Depth)
	}
}

func TestAnalyzeRank4SingleDisk(t *testing.T) {
	tensor := models.ZeroTensor(3, 2, 20, 20)
	paintDisk(t, tensor, 1, 1, 5, 5, 1, 1000)

	bm, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 4, bm.Rank)
	assert.Equal(t, 3, bm.Arity())
	require.Equal(t, 3, bm.Len())
	assert.Equal(t, []models.Spot{{Depth: 1, Row: 5, Col: 5}}, bm.At(1))
	assert.Empty(t, bm.At(0))
	assert.Empty(t, bm.At(2))
	assert.NotNil(t, bm.At(0))
}

func TestAnalyzeRank4DepthOrder(t *testing.T) {
	tensor := models.ZeroTensor(1, 3, 24, 24)
	paintDisk(t, tensor, 0, 2, 6, 6, 1, 1000)
	paintDisk(t, tensor, 0, 0, 15, 15, 1, 10)
	paintDisk(t, tensor, 0, 1, 10, 18, 1, 500)

	bm, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	want := []models.Spot{
		{Depth: 0, Row: 15, Col: 15},
		{Depth: 1, Row: 10, Col: 18},
		{Depth: 2, Row: 6, Col: 6},
	}
	if diff := cmp.Diff(want, bm.At(0)); diff != "" {
		t.Errorf("spots mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeDenseKeys(t *testing.T) {
	for _, shape := range [][]int{{7, 16, 16}, {4, 3, 16, 16}, {0, 8, 8}, {2, 0, 8, 8}} {
		tensor := randomTensor(int64(len(shape)), shape...)
		bm, err := Analyze(tensor, detection.DefaultParams())
		require.NoError(t, err, "shape %v", shape)
		require.Equal(t, shape[0], bm.Len())
		for ti := 0; ti < bm.Len(); ti++ {
			assert.NotNil(t, bm.At(ti), "shape %v time %d", shape, ti)
		}
	}
}

func TestAnalyzeRank4DepthRange(t *testing.T) {
	tensor := randomTensor(5, 3, 4, 20, 20)
	bm, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	require.Greater(t, bm.Total(), 0)
	for ti := 0; ti < bm.Len(); ti++ {
		prev := 0
		for _, s := range bm.At(ti) {
			assert.Len(t, s.Components(bm.Arity()), 3)
			assert.GreaterOrEqual(t, s.Depth, 0)
			assert.Less(t, s.Depth, 4)
			assert.GreaterOrEqual(t, s.Depth, prev, "depths must be ascending")
			prev = s.Depth
		}
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	tensor := randomTensor(42, 4, 2, 24, 24)
	first, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	second, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated analysis differs (-first +second):\n%s", diff)
	}
}

func TestAnalyzeDoesNotMutateInput(t *testing.T) {
	tensor := randomTensor(8, 3, 16, 16)
	before := append([]float64(nil), tensor.Data...)
	_, err := Analyze(tensor, detection.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, before, tensor.Data)
}

func TestAnalyzeUnsupportedShape(t *testing.T) {
	tests := []struct {
		name   string
		tensor *models.Tensor
	}{
		{"rank 2", models.ZeroTensor(20, 20)},
		{"rank 5", models.ZeroTensor(2, 2, 2, 20, 20)},
		{"rank 1", models.ZeroTensor(5)},
		{"empty frames", models.ZeroTensor(3, 0, 10)},
		{"short data", &models.Tensor{Shape: []int{2, 4, 4}, Data: make([]float64, 10)}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm, err := Analyze(tt.tensor, detection.DefaultParams())
			require.Error(t, err)
			assert.Nil(t, bm)
			assert.True(t, errors.Is(err, ErrUnsupportedShape))
			var se *ShapeError
			require.True(t, errors.As(err, &se))
			if tt.tensor != nil {
				assert.Equal(t, tt.tensor.Shape, se.Shape)
				assert.Contains(t, err.Error(), "unsupported tensor shape")
			}
		})
	}
}

func TestAnalyzeInvalidParams(t *testing.T) {
	p := detection.DefaultParams()
	p.SigmaSmall, p.SigmaLarge = 3, 1
	_, err := Analyze(models.ZeroTensor(2, 10, 10), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "sigma_small=3")
}

func TestAnalyzeFailsFastOnNonFinite(t *testing.T) {
	tensor := randomTensor(3, 3, 2, 12, 12)
	frame, err := tensor.Frame(2, 1)
	require.NoError(t, err)
	frame.Set(4, 4, math.NaN())

	bm, err := Analyze(tensor, detection.DefaultParams())
	require.Error(t, err)
	assert.Nil(t, bm)
	var nf *detection.NonFiniteError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, err.Error(), "time 2 depth 1")
}

func TestAnalyzerRunMatchesAnalyze(t *testing.T) {
	for _, shape := range [][]int{{9, 24, 20}, {5, 3, 18, 18}} {
		tensor := randomTensor(17, shape...)
		want, err := Analyze(tensor, detection.DefaultParams())
		require.NoError(t, err)

		for _, workers := range []int{1, 3, 16} {
			a := NewAnalyzer(&Params{Detection: detection.DefaultParams(), NumWorkers: workers}, logger.Nop())
			got, err := a.Run(tensor)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("shape %v workers %d (-Analyze +Run):\n%s", shape, workers, diff)
			}
		}
	}
}

func TestAnalyzerRunErrors(t *testing.T) {
	a := NewAnalyzer(&Params{Detection: detection.DefaultParams(), NumWorkers: 2}, logger.Nop())
	_, err := a.Run(models.ZeroTensor(1, 1, 1, 4, 4))
	assert.ErrorIs(t, err, ErrUnsupportedShape)

	tensor := randomTensor(1, 6, 10, 10)
	tensor.Data[5*100+3] = math.Inf(1)
	bm, err := a.Run(tensor)
	assert.Nil(t, bm)
	assert.ErrorIs(t, err, detection.ErrInvalidParameter)
}

func TestAnalyzerMetrics(t *testing.T) {
	tensor := models.ZeroTensor(4, 2, 20, 20)
	paintDisk(t, tensor, 1, 0, 10, 10, 1, 1000)
	paintDisk(t, tensor, 3, 0, 5, 5, 1, 1000)
	paintDisk(t, tensor, 3, 1, 12, 12, 1, 1000)

	a := NewAnalyzer(&Params{Detection: detection.DefaultParams(), NumWorkers: 2}, logger.Nop())
	bm, err := a.Run(tensor)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 2}, bm.Counts())

	m := a.GetMetrics()
	assert.Equal(t, 4, m.Frames)
	assert.Equal(t, 8, m.Slices)
	assert.Equal(t, 3, m.TotalSpots)
	assert.Equal(t, 2, m.MaxPerFrame)
	assert.Equal(t, 2, m.EmptyFrames)
	assert.InDelta(t, 0.75, m.MeanPerFrame, 1e-12)
	assert.InDelta(t, math.Sqrt(0.9166666666666666), m.StdPerFrame, 1e-9)
}

func TestAnalyzerSavesIntermediaryResults(t *testing.T) {
	dir := t.TempDir()
	params := &Params{
		Detection:               detection.DefaultParams(),
		NumWorkers:              2,
		SaveIntermediaryResults: true,
		IntermediaryDir:         filepath.Join(dir, "responses"),
	}
	_, err := NewAnalyzer(params, logger.Nop()).Run(randomTensor(2, 2, 2, 12, 12))
	require.NoError(t, err)

	entries, err := os.ReadDir(params.IntermediaryDir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	_, err = os.Stat(filepath.Join(params.IntermediaryDir, "t001_z01.png"))
	assert.NoError(t, err)
}
