package registration

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/stat"
)

// ToGray converts the luminosity of r into an 8-bit image, clipping to [0, 255].
func ToGray(r Raster) *image.Gray {
	lum := r.Luminosity()
	out := image.NewGray(image.Rect(0, 0, r.Cols, r.Rows))
	for i, v := range lum {
		out.Pix[(i/r.Cols)*out.Stride+i%r.Cols] = clip8(v)
	}
	return out
}

// Align resamples the luminosity of reference into the frame described by t,
// so features at p in reference land at t.Apply(p). Sampling is bilinear;
// pixels that map outside the reference stay black.
func Align(reference Raster, t Transform) *image.Gray {
	return Warp(ToGray(reference), t)
}

// Warp applies t to src with bilinear interpolation.
func Warp(src *image.Gray, t Transform) *image.Gray {
	dst := image.NewGray(src.Bounds())
	draw.BiLinear.Transform(dst, affine(t), src, src.Bounds(), draw.Src, nil)
	return dst
}

// affine expresses t in x=col, y=row coordinates with pixel centers at +0.5.
func affine(t Transform) f64.Aff3 {
	l := t.Linear
	cr, cc := t.Center.Row+0.5, t.Center.Col+0.5
	return f64.Aff3{
		l[1][1], l[1][0], t.DCol + cc - l[1][1]*cc - l[1][0]*cr,
		l[0][1], l[0][0], t.DRow + cr - l[0][1]*cc - l[0][0]*cr,
	}
}

// Composite overlays the current frame (red, scaled to the aligned mean) and
// the aligned reference (blue) for visual inspection.
func Composite(current Raster, aligned *image.Gray) *image.RGBA {
	lum := current.Luminosity()
	ref := make([]float64, len(aligned.Pix))
	for i, v := range aligned.Pix {
		ref[i] = float64(v)
	}
	scale := 1.0
	if m := stat.Mean(lum, nil); m != 0 {
		scale = stat.Mean(ref, nil) / m
	}

	b := aligned.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, current.Cols, current.Rows))
	for row := 0; row < current.Rows; row++ {
		for col := 0; col < current.Cols; col++ {
			var blue uint8
			if (image.Point{X: col, Y: row}).In(b) {
				blue = aligned.GrayAt(col, row).Y
			}
			out.SetRGBA(col, row, color.RGBA{
				R: clip8(lum[row*current.Cols+col] * scale),
				B: blue,
				A: 0xff,
			})
		}
	}
	return out
}

func clip8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}
