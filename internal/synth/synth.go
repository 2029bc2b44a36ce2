// Package synth renders synthetic star frames for smoke tests and fixtures.
package synth

import (
	"math"

	"cuip/internal/registration"
)

// Frame geometry used by Render.
const (
	Rows     = 480
	Cols     = 720
	Channels = 3

	background = 10
	blobValue  = 200
	blobSize   = 7
)

// Catalog returns the built-in catalog translated to fit a Rows x Cols frame.
func Catalog() registration.Catalog {
	ref := registration.DefaultCatalog()
	pts := make([]registration.Point, ref.Len())
	for i := range pts {
		p := ref.Point(i)
		pts[i] = registration.Point{Row: p.Row - 1300, Col: p.Col - 1200}
	}
	cat, err := registration.NewCatalog(pts)
	if err != nil {
		panic(err)
	}
	return cat
}

// Render draws every catalog point, rotated by thetaDeg about the frame center
// and shifted by (dRow, dCol), as a square blob. It returns the frame and the
// rounded blob centers in catalog order.
func Render(cat registration.Catalog, thetaDeg, dRow, dCol float64) (registration.Raster, []registration.Point) {
	pix := make([]float64, Rows*Cols*Channels)
	for i := range pix {
		pix[i] = background
	}
	img := registration.Raster{Rows: Rows, Cols: Cols, Channels: Channels, Pix: pix}
	center := img.Center()

	th := thetaDeg * math.Pi / 180
	a, b := math.Cos(th), math.Sin(th)
	blobs := make([]registration.Point, cat.Len())
	for i := range blobs {
		q := cat.Point(i).Sub(center)
		p := registration.Point{
			Row: math.Round(a*q.Row - b*q.Col + dRow + center.Row),
			Col: math.Round(b*q.Row + a*q.Col + dCol + center.Col),
		}
		blobs[i] = p
		fill(img, int(p.Row)-blobSize/2, int(p.Col)-blobSize/2)
	}
	return img, blobs
}

func fill(img registration.Raster, row0, col0 int) {
	for r := max(row0, 0); r < min(row0+blobSize, img.Rows); r++ {
		for c := max(col0, 0); c < min(col0+blobSize, img.Cols); c++ {
			for ch := 0; ch < img.Channels; ch++ {
				img.Pix[(r*img.Cols+c)*img.Channels+ch] = blobValue
			}
		}
	}
}
