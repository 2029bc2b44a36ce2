package registration

import (
	"errors"
	"math"
	"slices"
	"testing"
)

func rotateAbout(p Point, thetaDeg float64, dr, dc float64, center Point) Point {
	th := thetaDeg * math.Pi / 180
	a, b := math.Cos(th), math.Sin(th)
	q := p.Sub(center)
	return Point{
		Row: a*q.Row - b*q.Col + dr + center.Row,
		Col: b*q.Row + a*q.Col + dc + center.Col,
	}
}

func squareCatalog(t *testing.T) Catalog {
	t.Helper()
	cat, err := NewCatalog([]Point{{0, 0}, {0, 10}, {10, 10}, {10, 0}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

func TestMatchSquareRotatedNinety(t *testing.T) {
	cat := squareCatalog(t)
	// The unit square rotated 90 degrees about the origin and shifted by (5, 5).
	detected := PointSet{{5, 5}, {-5, 5}, {-5, 15}, {5, 15}}

	tuple, err := Match(cat, []int{0, 1, 2, 3}, detected, MatchOptions{Tolerance: 1})
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !slices.Equal(tuple, CandidateTuple{0, 1, 2, 3}) {
		t.Fatalf("unexpected tuple %v", tuple)
	}

	tr, err := Solve(cat.Points(), detected.Select(tuple), Point{})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if math.Abs(tr.ThetaDegrees-90) > 1e-9 {
		t.Fatalf("expected theta 90, got %v", tr.ThetaDegrees)
	}
	if math.Abs(tr.DRow-5) > 1e-9 || math.Abs(tr.DCol-5) > 1e-9 {
		t.Fatalf("expected shift (5,5), got (%v,%v)", tr.DRow, tr.DCol)
	}
}

func TestMatchRecoversKnownRotation(t *testing.T) {
	cat := DefaultCatalog()
	center := Point{Row: 1080, Col: 2048}

	for _, theta := range []float64{0, 3.5, -7.25, 12.5} {
		detected := make(PointSet, cat.Len())
		for i := range detected {
			detected[i] = rotateAbout(cat.Point(i), theta, 12, -30, center)
		}

		tuple, err := Match(cat, DefaultAnchors, detected, DefaultMatchOptions())
		if err != nil {
			t.Fatalf("theta %v: match failed: %v", theta, err)
		}
		if !slices.Equal(tuple, CandidateTuple{0, 1, 2, 6}) {
			t.Fatalf("theta %v: unexpected tuple %v", theta, tuple)
		}
	}
}

func TestMatchIgnoresSpuriousPoint(t *testing.T) {
	cat := DefaultCatalog()
	center := Point{Row: 1080, Col: 2048}
	detected := make(PointSet, cat.Len())
	for i := range detected {
		detected[i] = rotateAbout(cat.Point(i), 3.5, 12, -30, center)
	}
	want, err := Match(cat, DefaultAnchors, detected, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}

	withNoise := append(PointSet{{100, 100}}, detected...)
	got, err := Match(cat, DefaultAnchors, withNoise, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("match with spurious point failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i]+1 {
			t.Fatalf("spurious point changed the result: want %v (shifted by one), got %v", want, got)
		}
	}
}

func TestMatchIndependentOfDetectionOrder(t *testing.T) {
	cat := DefaultCatalog()
	center := Point{Row: 1080, Col: 2048}
	n := cat.Len()
	detected := make(PointSet, n)
	for i := range detected {
		detected[n-1-i] = rotateAbout(cat.Point(i), -7.25, 12, -30, center)
	}
	tuple, err := Match(cat, DefaultAnchors, detected, DefaultMatchOptions())
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !slices.Equal(tuple, CandidateTuple{6, 5, 4, 0}) {
		t.Fatalf("unexpected tuple %v", tuple)
	}
}

func TestMatchTooFewPoints(t *testing.T) {
	cat := DefaultCatalog()
	cases := map[string]PointSet{
		"empty":  nil,
		"single": {{10, 10}},
		"three":  {cat.Point(0), cat.Point(1), cat.Point(2)},
	}
	for name, detected := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Match(cat, DefaultAnchors, detected, DefaultMatchOptions())
			if !errors.Is(err, ErrNoCandidateFound) {
				t.Fatalf("expected ErrNoCandidateFound, got %v", err)
			}
		})
	}
}

func TestMatchCandidateSetTooLarge(t *testing.T) {
	cat := squareCatalog(t)
	var detected PointSet
	for r := 0; r < 6; r++ {
		for c := 0; c < 6; c++ {
			detected = append(detected, Point{Row: float64(r * 10), Col: float64(c * 10)})
		}
	}
	_, err := Match(cat, []int{0, 1, 2, 3}, detected, MatchOptions{Tolerance: 1, MaxCandidates: 8})
	if !errors.Is(err, ErrCandidateSetTooLarge) {
		t.Fatalf("expected ErrCandidateSetTooLarge, got %v", err)
	}
}

func TestMatchRejectsBadAnchors(t *testing.T) {
	cat := squareCatalog(t)
	for _, anchors := range [][]int{{0, 1}, {0, 1, 7}, {0, 1, 1, 2}, {-1, 0, 1}} {
		if _, err := Match(cat, anchors, PointSet{{0, 0}}, DefaultMatchOptions()); !errors.Is(err, ErrInvalidCatalog) {
			t.Fatalf("anchors %v: expected ErrInvalidCatalog, got %v", anchors, err)
		}
	}
}

func TestCandidatesEnumeratesSymmetries(t *testing.T) {
	cat := squareCatalog(t)
	detected := PointSet{{5, 5}, {-5, 5}, {-5, 15}, {5, 15}}
	tuples, err := Candidates(cat, []int{0, 1, 2, 3}, detected, MatchOptions{Tolerance: 1})
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(tuples) != 8 {
		t.Fatalf("expected the 8 symmetries of the square, got %d: %v", len(tuples), tuples)
	}
	if !slices.Equal(tuples[0], CandidateTuple{0, 1, 2, 3}) {
		t.Fatalf("unexpected enumeration order, first tuple %v", tuples[0])
	}
}

func TestArgminFirst(t *testing.T) {
	cases := []struct {
		name string
		vals []float64
		want int
	}{
		{"exact tie keeps first", []float64{0.5, 0.25, 0.25}, 1},
		{"rounding tie keeps first", []float64{7.105427357601002e-15, 0, 0}, 0},
		{"improvement beyond band wins", []float64{1, 1 - 1e-6, 1 - 2e-6}, 2},
		{"nan skipped", []float64{math.NaN(), 2, 1}, 2},
		{"all nan", []float64{math.NaN(), math.NaN()}, 0},
	}
	for _, tc := range cases {
		if got := argminFirst(tc.vals, angleTieDegrees); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestMatchReusesCandidateDistances(t *testing.T) {
	cat := squareCatalog(t)
	anchors := []int{0, 1, 2, 3}
	detected := PointSet{{5, 5}, {-5, 5}, {-5, 15}, {5, 15}}
	opts := MatchOptions{Tolerance: 1}

	tuples, dist, err := candidates(cat, anchors, detected, opts)
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	want := PairwiseDistances(detected)
	if dist.Len() != want.Len() {
		t.Fatalf("matrix size %d, want %d", dist.Len(), want.Len())
	}
	for i := 0; i < want.Len(); i++ {
		if !slices.Equal(dist.Row(i), want.Row(i)) {
			t.Fatalf("row %d differs: %v vs %v", i, dist.Row(i), want.Row(i))
		}
	}

	best, err := Match(cat, anchors, detected, opts)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if !slices.ContainsFunc(tuples, func(c CandidateTuple) bool { return slices.Equal(c, best) }) {
		t.Fatalf("winner %v not among candidates %v", best, tuples)
	}
}
