package detection

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// gaussianKernel returns normalized 1D Gaussian weights covering
// int(truncate*sigma+0.5) pixels on each side of the center.
func gaussianKernel(sigma, truncate float64) []float64 {
	radius := int(truncate*sigma + 0.5)
	w := make([]float64, 2*radius+1)
	s2 := sigma * sigma
	for i := -radius; i <= radius; i++ {
		w[i+radius] = math.Exp(-0.5 * float64(i*i) / s2)
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}

// padNearest copies src into buf surrounded by radius copies of the edge values.
func padNearest(buf, src []float64, radius int) {
	n := len(src)
	for i := 0; i < radius; i++ {
		buf[i] = src[0]
		buf[radius+n+i] = src[n-1]
	}
	copy(buf[radius:radius+n], src)
}

// correlateLines filters every line of a rows x cols buffer in place along
// one axis. Lines along axis 1 are rows, along axis 0 are columns.
func correlateLines(data []float64, rows, cols, axis int, w []float64) {
	radius := len(w) / 2
	n, lines := cols, rows
	if axis == 0 {
		n, lines = rows, cols
	}
	line := make([]float64, n)
	padded := make([]float64, n+2*radius)
	for l := 0; l < lines; l++ {
		for i := 0; i < n; i++ {
			line[i] = data[lineIndex(l, i, cols, axis)]
		}
		padNearest(padded, line, radius)
		for i := 0; i < n; i++ {
			data[lineIndex(l, i, cols, axis)] = floats.Dot(w, padded[i:i+len(w)])
		}
	}
}

func lineIndex(line, i, cols, axis int) int {
	if axis == 0 {
		return i*cols + line
	}
	return line*cols + i
}

// GaussianFilter blurs a frame with an isotropic Gaussian of the given
// standard deviation. Borders are handled by repeating the edge pixels.
func GaussianFilter(frame mat.Matrix, sigma, truncate float64) *mat.Dense {
	out := mat.DenseCopyOf(frame)
	rows, cols := out.Dims()
	raw := out.RawMatrix()
	w := gaussianKernel(sigma, truncate)
	correlateLines(raw.Data, rows, cols, 0, w)
	correlateLines(raw.Data, rows, cols, 1, w)
	return out
}

// DifferenceOfGaussians returns blur(sigmaSmall) - blur(sigmaLarge).
func DifferenceOfGaussians(frame mat.Matrix, sigmaSmall, sigmaLarge, truncate float64) *mat.Dense {
	narrow := GaussianFilter(frame, sigmaSmall, truncate)
	wide := GaussianFilter(frame, sigmaLarge, truncate)
	narrow.Sub(narrow, wide)
	return narrow
}
