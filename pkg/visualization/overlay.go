package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"burstscope/internal/models"
)

// frameGrid adapts a matrix to plotter.GridXYZ with x = column, y = row
type frameGrid struct {
	m mat.Matrix
}

func (g frameGrid) Dims() (c, r int) {
	rows, cols := g.m.Dims()
	return cols, rows
}

func (g frameGrid) Z(c, r int) float64 { return g.m.At(r, c) }
func (g frameGrid) X(c int) float64    { return float64(c) }
func (g frameGrid) Y(r int) float64    { return float64(r) }

// grayPalette is a linear black to white palette
type grayPalette []color.Color

func (p grayPalette) Colors() []color.Color { return p }

func newGrayPalette(n int) grayPalette {
	p := make(grayPalette, n)
	for i := range p {
		v := uint8(i * 255 / (n - 1))
		p[i] = color.Gray{Y: v}
	}
	return p
}

// DepthColors returns n well separated marker colors, one per depth slice
func DepthColors(n int) []color.Color {
	if n < 1 {
		n = 1
	}
	colors := make([]color.Color, n)
	for i := range colors {
		if n == 1 {
			colors[i] = colorful.Hsv(0, 1, 1)
			continue
		}
		colors[i] = colorful.Hsv(300*float64(i)/float64(n-1), 0.9, 1).Clamped()
	}
	return colors
}

// RenderOverlay draws the frame as a gray heat map with the spots on top and
// saves the figure to path. Spots are colored by depth; the format follows
// the file extension.
func RenderOverlay(frame mat.Matrix, spots []models.Spot, title, path string) error {
	rows, cols := frame.Dims()
	if rows < 2 || cols < 2 {
		return fmt.Errorf("cannot render a %dx%d frame, need at least 2x2", cols, rows)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "col"
	p.Y.Label.Text = "row"
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}

	hm := plotter.NewHeatMap(frameGrid{m: frame}, newGrayPalette(256))
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	byDepth := make(map[int]plotter.XYs)
	for _, s := range spots {
		byDepth[s.Depth] = append(byDepth[s.Depth], plotter.XY{X: float64(s.Col), Y: float64(s.Row)})
	}
	depths := make([]int, 0, len(byDepth))
	maxDepth := 0
	for z := range byDepth {
		depths = append(depths, z)
		maxDepth = max(maxDepth, z)
	}
	sort.Ints(depths)
	colors := DepthColors(maxDepth + 1)

	for _, z := range depths {
		sc, err := plotter.NewScatter(byDepth[z])
		if err != nil {
			return fmt.Errorf("failed to build spot markers: %w", err)
		}
		sc.GlyphStyle.Shape = draw.RingGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		sc.GlyphStyle.Color = colors[z]
		p.Add(sc)
		if len(depths) > 1 || z > 0 {
			p.Legend.Add(fmt.Sprintf("z=%d", z), sc)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save overlay: %w", err)
	}
	return nil
}

// MatrixToGray16 scales a matrix to a 16 bit image by its own value range
func MatrixToGray16(m mat.Matrix) *image.Gray16 {
	rows, cols := m.Dims()
	lo, hi := mat.Min(m), mat.Max(m)
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.SetGray16(c, r, color.Gray16{Y: scaleTo16(m.At(r, c), lo, hi)})
		}
	}
	return img
}

// SaveResponse writes a filtered response as a PNG named after its time and
// depth index inside dir.
func SaveResponse(resp mat.Matrix, dir string, t, z int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("t%03d_z%02d.png", t, z))
	if err := imaging.Save(MatrixToGray16(resp), filename); err != nil {
		return fmt.Errorf("failed to save response image: %w", err)
	}
	return nil
}
