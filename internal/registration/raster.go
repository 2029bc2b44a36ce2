package registration

import "fmt"

// Raster is a dense row-major image with interleaved channels.
type Raster struct {
	Rows     int
	Cols     int
	Channels int
	Pix      []float64
}

// NewRaster validates shape against data. shape is {rows, cols} or {rows, cols, channels}.
func NewRaster(shape []int, data []float64) (Raster, error) {
	if len(shape) < 2 || len(shape) > 3 {
		return Raster{}, fmt.Errorf("%w: %d dimensions", ErrInvalidImageShape, len(shape))
	}
	channels := 1
	if len(shape) == 3 {
		channels = shape[2]
	}
	rows, cols := shape[0], shape[1]
	if rows <= 0 || cols <= 0 || channels <= 0 {
		return Raster{}, fmt.Errorf("%w: %dx%dx%d", ErrInvalidImageShape, rows, cols, channels)
	}
	if len(data) != rows*cols*channels {
		return Raster{}, fmt.Errorf("%w: expected %d samples, got %d", ErrInvalidImageShape, rows*cols*channels, len(data))
	}
	return Raster{Rows: rows, Cols: cols, Channels: channels, Pix: data}, nil
}

// RasterFromBytes widens 8-bit samples to float64.
func RasterFromBytes(rows, cols, channels int, data []byte) (Raster, error) {
	pix := make([]float64, len(data))
	for i, b := range data {
		pix[i] = float64(b)
	}
	return NewRaster([]int{rows, cols, channels}, pix)
}

func (r Raster) validate() error {
	if r.Rows <= 0 || r.Cols <= 0 || r.Channels <= 0 || len(r.Pix) != r.Rows*r.Cols*r.Channels {
		return fmt.Errorf("%w: %dx%dx%d with %d samples", ErrInvalidImageShape, r.Rows, r.Cols, r.Channels, len(r.Pix))
	}
	return nil
}

// At returns the sample at (row, col, channel).
func (r Raster) At(row, col, ch int) float64 {
	return r.Pix[(row*r.Cols+col)*r.Channels+ch]
}

// Luminosity averages channels into a rows*cols plane.
func (r Raster) Luminosity() []float64 {
	n := r.Rows * r.Cols
	out := make([]float64, n)
	if r.Channels == 1 {
		copy(out, r.Pix)
		return out
	}
	for i := 0; i < n; i++ {
		var sum float64
		base := i * r.Channels
		for c := 0; c < r.Channels; c++ {
			sum += r.Pix[base+c]
		}
		out[i] = sum / float64(r.Channels)
	}
	return out
}

// Center returns the integer half dimensions used as the rotation origin.
func (r Raster) Center() Point {
	return Point{Row: float64(r.Rows / 2), Col: float64(r.Cols / 2)}
}
