package analysis

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"burstscope/internal/models"
	"burstscope/pkg/detection"
	"burstscope/pkg/logger"
	"burstscope/pkg/visualization"
)

// Metrics summarizes one analysis run
type Metrics struct {
	// Frames is the number of time indices analyzed
	Frames int `json:"frames"`

	// Slices is the number of 2D frames passed to the detector
	Slices int `json:"slices"`

	// TotalSpots is the number of spots across all time indices
	TotalSpots int `json:"totalSpots"`

	// MeanPerFrame and StdPerFrame describe the spot count per time index
	MeanPerFrame float64 `json:"meanPerFrame"`
	StdPerFrame  float64 `json:"stdPerFrame"`

	// MaxPerFrame is the largest spot count at a single time index
	MaxPerFrame int `json:"maxPerFrame"`

	// EmptyFrames counts time indices without any detection
	EmptyFrames int `json:"emptyFrames"`

	// Elapsed is the wall time of the run
	Elapsed time.Duration `json:"elapsedNs"`
}

// Params holds the analysis run configuration
type Params struct {
	// Detection configures the frame detector
	Detection detection.Params

	// NumWorkers bounds how many time indices are analyzed concurrently
	NumWorkers int

	// SaveIntermediaryResults writes every filtered response to IntermediaryDir
	SaveIntermediaryResults bool

	// IntermediaryDir is where filtered responses are written
	IntermediaryDir string
}

// Analyzer runs burst detection over time series with bounded parallelism.
// The result of Run is identical to Analyze for the same input.
type Analyzer struct {
	params  *Params
	log     logger.Logger
	metrics Metrics

	// failed intermediary writes are only logged once
	warnOnce sync.Once
}

// NewAnalyzer creates an analyzer. A NumWorkers below 1 uses every CPU.
func NewAnalyzer(params *Params, log logger.Logger) *Analyzer {
	p := *params
	if p.NumWorkers < 1 {
		p.NumWorkers = runtime.NumCPU()
	}
	return &Analyzer{params: &p, log: logger.For(log, "analysis")}
}

// Run analyzes every time index of the tensor and returns the burst map.
//
// Time indices are processed concurrently; each worker writes only its own
// entry of the map, so the output does not depend on scheduling. Any failure
// discards the whole result.
func (a *Analyzer) Run(tensor *models.Tensor) (*models.BurstMap, error) {
	start := time.Now()

	if err := checkShape(tensor); err != nil {
		return nil, err
	}
	p := a.params.Detection
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("analyze (%s): %w", p, err)
	}

	a.log.Info().
		Ints("shape", tensor.Shape).
		Int("workers", a.params.NumWorkers).
		Str("params", p.String()).
		Msg("starting burst analysis")

	var hook responseHook
	if a.params.SaveIntermediaryResults {
		hook = a.saveResponse
	}

	bm := models.NewBurstMap(tensor.Rank(), tensor.Times())
	var g errgroup.Group
	g.SetLimit(a.params.NumWorkers)
	for t := 0; t < tensor.Times(); t++ {
		t := t
		g.Go(func() error {
			spots, err := detectAt(tensor, t, p, hook)
			if err != nil {
				return err
			}
			bm.Spots[t] = spots
			a.log.Debug().Int("time", t).Int("spots", len(spots)).Msg("time point analyzed")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analyze shape %v: %w", tensor.Shape, err)
	}

	a.metrics = computeMetrics(bm, tensor.Times()*tensor.Depths(), time.Since(start))
	a.log.Info().
		Int("frames", a.metrics.Frames).
		Int("spots", a.metrics.TotalSpots).
		Dur("elapsed", a.metrics.Elapsed).
		Msg("burst analysis finished")
	return bm, nil
}

func (a *Analyzer) saveResponse(resp *detection.Response, t, z int) {
	if err := visualization.SaveResponse(resp.Filtered, a.params.IntermediaryDir, t, z); err != nil {
		a.warnOnce.Do(func() {
			a.log.Warn().Err(err).Int("time", t).Int("depth", z).Msg("failed to save intermediary response")
		})
	}
}

// GetMetrics returns the metrics of the last successful run
func (a *Analyzer) GetMetrics() Metrics {
	return a.metrics
}

func computeMetrics(bm *models.BurstMap, slices int, elapsed time.Duration) Metrics {
	m := Metrics{Frames: bm.Len(), Slices: slices, Elapsed: elapsed}
	counts := make([]float64, bm.Len())
	for t, n := range bm.Counts() {
		counts[t] = float64(n)
		m.TotalSpots += n
		m.MaxPerFrame = max(m.MaxPerFrame, n)
		if n == 0 {
			m.EmptyFrames++
		}
	}
	switch len(counts) {
	case 0:
	case 1:
		m.MeanPerFrame = counts[0]
	default:
		m.MeanPerFrame, m.StdPerFrame = stat.MeanStdDev(counts, nil)
	}
	return m
}
