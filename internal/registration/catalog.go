package registration

import "fmt"

// Catalog is an immutable set of reference anchors with precomputed distances.
type Catalog struct {
	points PointSet
	dist   DistanceMatrix
}

// NewCatalog copies points and precomputes their distance matrix.
func NewCatalog(points []Point) (Catalog, error) {
	if len(points) < 3 {
		return Catalog{}, fmt.Errorf("%w: need at least 3 points, got %d", ErrInvalidCatalog, len(points))
	}
	ps := make(PointSet, len(points))
	copy(ps, points)
	for i := range ps {
		for j := i + 1; j < len(ps); j++ {
			if ps[i] == ps[j] {
				return Catalog{}, fmt.Errorf("%w: points %d and %d coincide", ErrInvalidCatalog, i, j)
			}
		}
	}
	return Catalog{points: ps, dist: PairwiseDistances(ps)}, nil
}

// Len returns the number of catalog points.
func (c Catalog) Len() int { return len(c.points) }

// Point returns catalog point i.
func (c Catalog) Point(i int) Point { return c.points[i] }

// Points returns a copy of the catalog points.
func (c Catalog) Points() PointSet {
	out := make(PointSet, len(c.points))
	copy(out, c.points)
	return out
}

// Distance returns the catalog distance between points i and j.
func (c Catalog) Distance(i, j int) float64 { return c.dist.At(i, j) }

// distancesFrom returns the nonzero distances from anchor a to every other point.
func (c Catalog) distancesFrom(a int) []float64 {
	out := make([]float64, 0, len(c.points)-1)
	for _, v := range c.dist.Row(a) {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// DefaultAnchors are the catalog indices matched against detections.
var DefaultAnchors = []int{0, 1, 2, 6}

// DefaultCatalog returns the reference anchors measured on the 2013-11-02 frame.
// Those centroids come from a saturated exposure.
func DefaultCatalog() Catalog {
	rows := []float64{1529.53134328, 1492.16197183, 1490.35830619,
		1552.85046729, 1587.90461538, 1618.61538462, 1651.09454545}
	cols := []float64{1384.45373134, 1378.35211268, 1434.78175896,
		1480.40809969, 1570.04307692, 1629.33216783, 1753.47272727}
	pts := make([]Point, len(rows))
	for i := range rows {
		pts[i] = Point{Row: rows[i], Col: cols[i]}
	}
	cat, err := NewCatalog(pts)
	if err != nil {
		panic(err)
	}
	return cat
}
