package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"burstscope/internal/models"
	"burstscope/pkg/analysis"
	"burstscope/pkg/config"
	"burstscope/pkg/export"
	"burstscope/pkg/loader"
	"burstscope/pkg/logger"
	"burstscope/pkg/visualization"
)

// pipeline runs load, analysis and every enabled output for one stack at a time
type pipeline struct {
	cfg           *config.Config
	loader        *loader.Loader
	store         *export.Store
	extractSlices bool
	log           logger.Logger
}

// result records what one stack produced
type result struct {
	source  string
	shape   []int
	metrics analysis.Metrics
	runID   string
	outputs []string
}

func (r *result) print() {
	fmt.Printf("\n%s\n", r.source)
	fmt.Printf("- Shape: %v\n", r.shape)
	fmt.Printf("- Time points: %d (%d frames analyzed)\n", r.metrics.Frames, r.metrics.Slices)
	fmt.Printf("- Spots: %d total, %.2f ± %.2f per time point, max %d\n",
		r.metrics.TotalSpots, r.metrics.MeanPerFrame, r.metrics.StdPerFrame, r.metrics.MaxPerFrame)
	fmt.Printf("- Time points without bursts: %d\n", r.metrics.EmptyFrames)
	fmt.Printf("- Analysis time: %.2f seconds\n", r.metrics.Elapsed.Seconds())
	if r.runID != "" {
		fmt.Printf("- Run id: %s\n", r.runID)
	}
	for _, out := range r.outputs {
		fmt.Printf("- Wrote %s\n", out)
	}
}

var stackExtensions = map[string]bool{".tif": true, ".tiff": true, ".czi": true}

// listStacks returns the TIFF and CZI files of dir in name order
func listStacks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var stacks []string
	for _, e := range entries {
		if !e.IsDir() && stackExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			stacks = append(stacks, filepath.Join(dir, e.Name()))
		}
	}
	if len(stacks) == 0 {
		return nil, fmt.Errorf("no TIFF or CZI stacks found in %s", dir)
	}
	sort.Strings(stacks)
	return stacks, nil
}

// stem names the outputs of a stack after its file or directory name
func stem(path string) string {
	base := filepath.Base(filepath.Clean(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (p *pipeline) process(ctx context.Context, path string) (*result, error) {
	data, err := p.loader.Load(path)
	if err != nil {
		return nil, err
	}

	name := stem(path)
	outDir := p.cfg.Output.Dir
	analyzer := analysis.NewAnalyzer(&analysis.Params{
		Detection:               p.cfg.DetectionParams(),
		NumWorkers:              p.cfg.Processing.NumWorkers,
		SaveIntermediaryResults: p.cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         filepath.Join(p.cfg.IntermediaryPath(), name),
	}, p.log)

	bm, err := analyzer.Run(data.Tensor)
	if err != nil {
		return nil, err
	}
	res := &result{source: path, shape: data.Tensor.Shape, metrics: analyzer.GetMetrics()}

	if p.cfg.Output.CSV {
		csvPath := filepath.Join(outDir, name+"_bursts.csv")
		if err := export.SaveCSV(csvPath, bm); err != nil {
			return nil, err
		}
		res.outputs = append(res.outputs, csvPath)
	}

	if p.store != nil {
		res.runID, err = p.store.RecordRun(ctx, export.Run{
			Source: path,
			Shape:  data.Tensor.Shape,
			Params: p.cfg.DetectionParams(),
		}, bm)
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	if p.cfg.Output.Summary {
		summary := export.NewSummary(data, p.cfg.DetectionParams(), bm, res.metrics)
		if res.runID != "" {
			summary.RunID = res.runID
		}
		summaryPath := filepath.Join(outDir, name+"_summary.json")
		if err := export.SaveSummary(summaryPath, summary); err != nil {
			return nil, err
		}
		res.outputs = append(res.outputs, summaryPath)
	}

	if p.cfg.Output.Chart {
		chartPath := filepath.Join(outDir, name+"_counts.html")
		if err := export.SaveCountsChart(chartPath, bm, name); err != nil {
			return nil, err
		}
		res.outputs = append(res.outputs, chartPath)
	}

	if (p.cfg.Output.Overlay || p.extractSlices) && bm.Len() > 0 {
		qc, err := p.qualityControl(data, bm, name)
		if err != nil {
			// QC figures never fail the analysis
			p.log.Warn().Err(err).Str("input", path).Msg("failed to render QC output")
		}
		res.outputs = append(res.outputs, qc...)
	}
	return res, nil
}

// qualityControl renders the overlay of one randomly chosen time point and,
// when requested, its orthogonal slices. Rank 4 stacks show the middle z slice.
func (p *pipeline) qualityControl(data *models.ImageData, bm *models.BurstMap, name string) ([]string, error) {
	seed := p.cfg.Output.OverlaySeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	t := rand.New(rand.NewSource(seed)).Intn(bm.Len())
	z := data.Tensor.Depths() / 2

	var outputs []string
	if p.cfg.Output.Overlay {
		frame, err := data.Tensor.Frame(t, z)
		if err != nil {
			return outputs, err
		}
		overlayPath := filepath.Join(p.cfg.Output.Dir, fmt.Sprintf("%s_overlay_t%03d.png", name, t))
		title := fmt.Sprintf("%s  t=%d  z=%d  spots=%d", name, t, z, len(bm.At(t)))
		if err := visualization.RenderOverlay(frame, bm.At(t), title, overlayPath); err != nil {
			return outputs, err
		}
		outputs = append(outputs, overlayPath)
	}

	viewer, err := visualization.NewViewer(data.Tensor)
	if err != nil {
		return outputs, err
	}
	img, err := viewer.ExtractFrame(t, z)
	if err != nil {
		return outputs, err
	}
	framePath := filepath.Join(p.cfg.Output.Dir, fmt.Sprintf("%s_frame_t%03d.png", name, t))
	if err := viewer.SaveFrame(img, framePath); err != nil {
		return outputs, err
	}
	outputs = append(outputs, framePath)

	if p.extractSlices {
		slicesDir := filepath.Join(p.cfg.Output.Dir, name+"_slices")
		axes := []string{"z"}
		if data.Tensor.Rank() == 4 {
			axes = []string{"x", "y", "z"}
		}
		for _, axis := range axes {
			if err := viewer.SaveSliceSequence(t, axis, filepath.Join(slicesDir, axis)); err != nil {
				return outputs, fmt.Errorf("failed to save %s-axis slices: %w", axis, err)
			}
		}
		outputs = append(outputs, slicesDir)
	}
	return outputs, nil
}
