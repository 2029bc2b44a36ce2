package registration

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// DetectOptions tunes source extraction.
type DetectOptions struct {
	// Sigma is the threshold multiplier above the median, in standard deviations.
	Sigma float64
	// Components must satisfy MinSize < size < MaxSize pixels.
	MinSize int
	MaxSize int
	// HighPass subtracts a Gaussian low-pass of width HighPassRadius before thresholding.
	HighPass       bool
	HighPassRadius int
	// Connectivity is 4 or 8.
	Connectivity int
}

// DefaultDetectOptions mirrors the reference detector settings.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		Sigma:          5.0,
		MinSize:        25,
		MaxSize:        400,
		HighPassRadius: 10,
		Connectivity:   4,
	}
}

// Detect thresholds the luminosity of img at median + Sigma*stddev, labels the
// connected components of the mask and returns the unweighted centroids of the
// components whose pixel count lies strictly inside (MinSize, MaxSize).
// Centroids are returned in label order, i.e. raster order of each component's
// first pixel.
func Detect(img Raster, opts DetectOptions) (PointSet, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	if opts.Connectivity != 4 && opts.Connectivity != 8 {
		return nil, fmt.Errorf("%w: unsupported connectivity %d", ErrInvalidOptions, opts.Connectivity)
	}

	lum := img.Luminosity()
	if opts.HighPass {
		lum = highPass(lum, img.Rows, img.Cols, float64(opts.HighPassRadius))
	}

	med, err := stats.Median(lum)
	if err != nil {
		return nil, fmt.Errorf("median: %w", err)
	}
	_, sd := stat.PopMeanStdDev(lum, nil)
	thr := med + opts.Sigma*sd

	mask := make([]bool, len(lum))
	for i, v := range lum {
		mask[i] = v > thr
	}

	var out PointSet
	for _, comp := range labelComponents(mask, img.Rows, img.Cols, opts.Connectivity) {
		if comp.size <= opts.MinSize || comp.size >= opts.MaxSize {
			continue
		}
		out = append(out, Point{
			Row: comp.sumRow / float64(comp.size),
			Col: comp.sumCol / float64(comp.size),
		})
	}
	return out, nil
}

type component struct {
	size   int
	sumRow float64
	sumCol float64
}

var (
	neighbors4 = [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	neighbors8 = [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
)

// labelComponents traces foreground regions with an explicit stack.
func labelComponents(mask []bool, rows, cols, connectivity int) []component {
	offsets := neighbors4
	if connectivity == 8 {
		offsets = neighbors8
	}
	visited := make([]bool, len(mask))
	var comps []component
	var stack []int

	for start, on := range mask {
		if !on || visited[start] {
			continue
		}
		var c component
		visited[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r, col := idx/cols, idx%cols
			c.size++
			c.sumRow += float64(r)
			c.sumCol += float64(col)
			for _, off := range offsets {
				nr, nc := r+off[0], col+off[1]
				if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
					continue
				}
				n := nr*cols + nc
				if mask[n] && !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
		comps = append(comps, c)
	}
	return comps
}

// highPass returns plane minus a separable Gaussian blur with the given sigma.
// Borders are clamped.
func highPass(plane []float64, rows, cols int, sigma float64) []float64 {
	if sigma <= 0 {
		out := make([]float64, len(plane))
		copy(out, plane)
		return out
	}
	half := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*half+1)
	var sum float64
	for i := -half; i <= half; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+half] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := make([]float64, len(plane))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc float64
			for k := -half; k <= half; k++ {
				acc += kernel[k+half] * plane[r*cols+clamp(c+k, cols)]
			}
			tmp[r*cols+c] = acc
		}
	}
	out := make([]float64, len(plane))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var acc float64
			for k := -half; k <= half; k++ {
				acc += kernel[k+half] * tmp[clamp(r+k, rows)*cols+c]
			}
			out[r*cols+c] = plane[r*cols+c] - acc
		}
	}
	return out
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
