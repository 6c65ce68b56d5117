package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"burstscope/internal/models"
)

// RenderCountsChart writes an HTML bar chart of the spot count per time index
func RenderCountsChart(w io.Writer, m *models.BurstMap, title string) error {
	if m == nil {
		return fmt.Errorf("nil burst map")
	}

	x := make([]string, m.Len())
	y := make([]opts.BarData, m.Len())
	for t, n := range m.Counts() {
		x[t] = strconv.Itoa(t)
		y[t] = opts.BarData{Value: n}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d spots in %d time points", m.Total(), m.Len())}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "spots"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	bar.SetXAxis(x).AddSeries("spots", y)
	return bar.Render(w)
}

// SaveCountsChart renders the counts chart to an HTML file
func SaveCountsChart(path string, m *models.BurstMap, title string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	if err := RenderCountsChart(f, m, title); err != nil {
		f.Close()
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return f.Close()
}
