package registration

import (
	"fmt"
	"math"
)

// CandidateTuple holds one detected index per anchor, in anchor order.
type CandidateTuple []int

// MatchOptions tunes the correspondence search.
type MatchOptions struct {
	// Tolerance is the allowed distance mismatch in pixels.
	Tolerance float64
	// MaxCandidates caps |P_a| for every anchor. Zero disables the cap.
	MaxCandidates int
}

// DefaultMatchOptions mirrors the reference matcher settings.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{Tolerance: 10.0, MaxCandidates: 64}
}

// angleTieDegrees is the band within which two angular differences tie.
// Symmetric patterns produce ties that differ only by rounding (0 vs 7e-15 for
// a rotated square), so exact comparison would let rounding pick the winner.
const angleTieDegrees = 1e-9

// Match finds the tuple of detected indices whose mutual distances agree with
// the catalog distances between anchors. Surviving tuples are ranked by how well
// the angle between the anchor0->anchor1 and anchor0->anchor2 directions agrees
// with the catalog. The smallest difference wins; differences within
// angleTieDegrees of the best so far are ties, and ties keep the first tuple in
// enumeration order.
func Match(cat Catalog, anchors []int, detected PointSet, opts MatchOptions) (CandidateTuple, error) {
	tuples, dist, err := candidates(cat, anchors, detected, opts)
	if err != nil {
		return nil, err
	}
	ref := anchorAngle(cat.Point(anchors[0]), cat.Point(anchors[1]), cat.Point(anchors[2]),
		cat.Distance(anchors[0], anchors[1]), cat.Distance(anchors[0], anchors[2]))

	diffs := make([]float64, len(tuples))
	for i, t := range tuples {
		got := anchorAngle(detected[t[0]], detected[t[1]], detected[t[2]], dist.At(t[0], t[1]), dist.At(t[0], t[2]))
		diffs[i] = math.Abs(got - ref)
	}
	return tuples[argminFirst(diffs, angleTieDegrees)], nil
}

// argminFirst returns the index of the smallest value. A later value must be
// smaller than the best by more than eps to replace it. NaN never wins.
func argminFirst(vals []float64, eps float64) int {
	best := 0
	bestVal := math.Inf(1)
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if math.IsInf(bestVal, 1) || v < bestVal-eps {
			best, bestVal = i, v
		}
	}
	return best
}

// Candidates returns every tuple consistent with the catalog distances, in
// depth-first enumeration order.
func Candidates(cat Catalog, anchors []int, detected PointSet, opts MatchOptions) ([]CandidateTuple, error) {
	tuples, _, err := candidates(cat, anchors, detected, opts)
	return tuples, err
}

func candidates(cat Catalog, anchors []int, detected PointSet, opts MatchOptions) ([]CandidateTuple, DistanceMatrix, error) {
	if err := checkAnchors(cat, anchors); err != nil {
		return nil, DistanceMatrix{}, err
	}
	dist := PairwiseDistances(detected)

	sets := make([][]int, len(anchors))
	for k, a := range anchors {
		var rows []int
		for _, d := range cat.distancesFrom(a) {
			rows = FilterByDistance(dist, d, opts.Tolerance, rows)
			if len(rows) == 0 {
				return nil, dist, fmt.Errorf("%w: no detections consistent with anchor %d", ErrNoCandidateFound, a)
			}
		}
		if opts.MaxCandidates > 0 && len(rows) > opts.MaxCandidates {
			return nil, dist, fmt.Errorf("%w: anchor %d has %d candidates (max %d)", ErrCandidateSetTooLarge, a, len(rows), opts.MaxCandidates)
		}
		sets[k] = rows
	}

	s := &search{cat: cat, anchors: anchors, dist: dist, sets: sets, tol: opts.Tolerance}
	s.extend(make(CandidateTuple, 0, len(anchors)))
	if len(s.found) == 0 {
		return nil, dist, fmt.Errorf("%w: no tuple satisfies all anchor distances", ErrNoCandidateFound)
	}
	return s.found, dist, nil
}

type search struct {
	cat     Catalog
	anchors []int
	dist    DistanceMatrix
	sets    [][]int
	tol     float64
	found   []CandidateTuple
}

func (s *search) extend(prefix CandidateTuple) {
	k := len(prefix)
	if k == len(s.anchors) {
		t := make(CandidateTuple, k)
		copy(t, prefix)
		s.found = append(s.found, t)
		return
	}
	for _, cand := range s.sets[k] {
		if s.consistent(prefix, cand) {
			s.extend(append(prefix, cand))
		}
	}
}

func (s *search) consistent(prefix CandidateTuple, cand int) bool {
	k := len(prefix)
	for i, p := range prefix {
		if p == cand {
			return false
		}
		want := s.cat.Distance(s.anchors[i], s.anchors[k])
		if math.Abs(s.dist.At(p, cand)-want) >= s.tol {
			return false
		}
	}
	return true
}

func checkAnchors(cat Catalog, anchors []int) error {
	if len(anchors) < 3 {
		return fmt.Errorf("%w: need at least 3 anchors, got %d", ErrInvalidCatalog, len(anchors))
	}
	seen := make(map[int]bool, len(anchors))
	for _, a := range anchors {
		if a < 0 || a >= cat.Len() {
			return fmt.Errorf("%w: anchor %d out of range [0,%d)", ErrInvalidCatalog, a, cat.Len())
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate anchor %d", ErrInvalidCatalog, a)
		}
		seen[a] = true
	}
	return nil
}

// anchorAngle is acos(drow01/d01) - acos(drow02/d02) in degrees.
func anchorAngle(p0, p1, p2 Point, d01, d02 float64) float64 {
	t01 := math.Acos(clampUnit((p0.Row - p1.Row) / d01))
	t02 := math.Acos(clampUnit((p0.Row - p2.Row) / d02))
	return (t01 - t02) * 180 / math.Pi
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
