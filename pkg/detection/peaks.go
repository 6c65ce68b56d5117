package detection

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"burstscope/internal/models"
)

// peak is a candidate local maximum. order is its rank in the
// descending-response sequence.
type peak struct {
	Row, Col int
	Value    float64
	order    int
}

// Compare implements the kdtree.Comparable interface
func (p peak) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(peak)
	switch d {
	case 0:
		return float64(p.Row - q.Row)
	case 1:
		return float64(p.Col - q.Col)
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p peak) Dims() int { return 2 }

// Distance returns the squared Chebyshev distance. Squaring keeps the
// kd-tree's per-axis pruning valid.
func (p peak) Distance(c kdtree.Comparable) float64 {
	q := c.(peak)
	dr := float64(p.Row - q.Row)
	dc := float64(p.Col - q.Col)
	return max(dr*dr, dc*dc)
}

type peaks []peak

func (p peaks) Index(i int) kdtree.Comparable         { return p[i] }
func (p peaks) Len() int                              { return len(p) }
func (p peaks) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p peaks) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(peakPlane{peaks: p, Dim: d}, kdtree.MedianOfMedians(peakPlane{peaks: p, Dim: d}))
}

// peakPlane implements sort.Interface and kdtree.SortSlicer for peaks
type peakPlane struct {
	peaks
	kdtree.Dim
}

func (p peakPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.peaks[i].Row < p.peaks[j].Row
	case 1:
		return p.peaks[i].Col < p.peaks[j].Col
	default:
		panic("illegal dimension")
	}
}

func (p peakPlane) Slice(start, end int) kdtree.SortSlicer {
	return peakPlane{peaks: p.peaks[start:end], Dim: p.Dim}
}

func (p peakPlane) Swap(i, j int) {
	p.peaks[i], p.peaks[j] = p.peaks[j], p.peaks[i]
}

// maximumFilter returns the maximum of every (2*radius+1)^2 window, with
// edge pixels repeated beyond the borders.
func maximumFilter(data []float64, rows, cols, radius int) []float64 {
	out := append([]float64(nil), data...)
	for _, axis := range []int{0, 1} {
		n, lines := cols, rows
		if axis == 0 {
			n, lines = rows, cols
		}
		line := make([]float64, n)
		padded := make([]float64, n+2*radius)
		for l := 0; l < lines; l++ {
			for i := 0; i < n; i++ {
				line[i] = out[lineIndex(l, i, cols, axis)]
			}
			padNearest(padded, line, radius)
			for i := 0; i < n; i++ {
				m := padded[i]
				for _, v := range padded[i+1 : i+2*radius+1] {
					if v > m {
						m = v
					}
				}
				out[lineIndex(l, i, cols, axis)] = m
			}
		}
	}
	return out
}

func isFlat(data []float64) bool {
	for _, v := range data {
		if v != data[0] {
			return false
		}
	}
	return true
}

// localMaxima lists the pixels that equal the maximum of their window,
// exceed threshold and are not within border pixels of an edge. Candidates
// come back sorted by descending value, row-major order among ties.
func localMaxima(response *mat.Dense, threshold float64, minDistance, border int) peaks {
	rows, cols := response.Dims()
	data := mat.DenseCopyOf(response).RawMatrix().Data
	if isFlat(data) {
		return nil
	}
	maxf := maximumFilter(data, rows, cols, minDistance)

	var cands peaks
	for r := border; r < rows-border; r++ {
		for c := border; c < cols-border; c++ {
			v := data[r*cols+c]
			if v == maxf[r*cols+c] && v > threshold {
				cands = append(cands, peak{Row: r, Col: c, Value: v})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Value > cands[j].Value })
	for i := range cands {
		cands[i].order = i
	}
	return cands
}

// enforceSpacing greedily keeps candidates in order, discarding every later
// candidate that lies closer than minDistance (Chebyshev) to a kept one.
func enforceSpacing(cands peaks, minDistance int) []models.Spot {
	spots := make([]models.Spot, 0, len(cands))
	if len(cands) == 0 {
		return spots
	}

	// kdtree.New reorders its input, so the tree gets its own copy
	tree := kdtree.New(append(peaks(nil), cands...), false)
	rejected := make([]bool, len(cands))
	radius := float64(minDistance * minDistance)

	for i, p := range cands {
		if rejected[i] {
			continue
		}
		spots = append(spots, models.Spot{Row: p.Row, Col: p.Col})

		keeper := kdtree.NewDistKeeper(radius)
		tree.NearestSet(keeper, p)
		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			q := item.Comparable.(peak)
			if q.order > i && item.Dist < radius {
				rejected[q.order] = true
			}
		}
	}
	return spots
}
