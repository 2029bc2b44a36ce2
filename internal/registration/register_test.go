package registration

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
)

// shiftedCatalog is the reference catalog moved near the origin so the
// synthetic frames stay small.
func shiftedCatalog(t *testing.T) Catalog {
	t.Helper()
	ref := DefaultCatalog()
	pts := make([]Point, ref.Len())
	for i := range pts {
		p := ref.Point(i)
		pts[i] = Point{Row: p.Row - 1300, Col: p.Col - 1200}
	}
	cat, err := NewCatalog(pts)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func TestRegisterSyntheticFrame(t *testing.T) {
	cat := shiftedCatalog(t)
	img := newTestRaster(480, 720, 3, 10)
	center := img.Center()

	blobs := make([]Point, cat.Len())
	for i := range blobs {
		p := rotateAbout(cat.Point(i), 4, 6, -9, center)
		blobs[i] = Point{Row: math.Round(p.Row), Col: math.Round(p.Col)}
		fillSquare(img, int(blobs[i].Row)-3, int(blobs[i].Col)-3, 7, 200)
	}

	reg := NewRegistrar(cat, DefaultAnchors)
	reg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := reg.Register(img)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(res.Sources) != cat.Len() {
		t.Fatalf("expected %d sources, got %d", cat.Len(), len(res.Sources))
	}
	for i, a := range DefaultAnchors {
		if res.Matched[i] != blobs[a] {
			t.Fatalf("anchor %d matched %+v, want %+v", a, res.Matched[i], blobs[a])
		}
	}
	// Blob centers are rounded to whole pixels, so the fit is approximate.
	tr := res.Transform
	if math.Abs(tr.ThetaDegrees-4) > 0.25 {
		t.Fatalf("theta: want ~4, got %v", tr.ThetaDegrees)
	}
	if math.Abs(tr.DRow-6) > 1 || math.Abs(tr.DCol+9) > 1 {
		t.Fatalf("shift: want ~(6,-9), got (%v,%v)", tr.DRow, tr.DCol)
	}
	if tr.Center != center {
		t.Fatalf("expected center %+v, got %+v", center, tr.Center)
	}
	if res.Residual > 1 {
		t.Fatalf("residual too large: %v", res.Residual)
	}
}

func TestRegisterBlankFrame(t *testing.T) {
	reg := NewRegistrar(shiftedCatalog(t), DefaultAnchors)
	reg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := reg.Register(newTestRaster(100, 100, 1, 42))
	if !errors.Is(err, ErrNoCandidateFound) {
		t.Fatalf("expected ErrNoCandidateFound, got %v", err)
	}
}

func TestRegisterPointsAffine(t *testing.T) {
	cat := DefaultCatalog()
	center := Point{Row: 1080, Col: 2048}
	detected := make(PointSet, cat.Len())
	for i := range detected {
		detected[i] = rotateAbout(cat.Point(i), 2, -3, 5, center)
	}
	reg := NewRegistrar(cat, DefaultAnchors)
	reg.Affine = true
	reg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	res, err := reg.RegisterPoints(detected, center)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if math.Abs(res.Transform.ThetaDegrees-2) > 1e-6 {
		t.Fatalf("theta: want 2, got %v", res.Transform.ThetaDegrees)
	}
	if math.Abs(res.Transform.ScaleRow-1) > 1e-6 || math.Abs(res.Transform.ScaleCol-1) > 1e-6 {
		t.Fatalf("expected unit scale, got (%v,%v)", res.Transform.ScaleRow, res.Transform.ScaleCol)
	}
}
