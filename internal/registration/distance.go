package registration

import "math"

// Point is a (row, col) coordinate in pixels.
type Point struct {
	Row float64 `json:"row" yaml:"row"`
	Col float64 `json:"col" yaml:"col"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{Row: p.Row - q.Row, Col: p.Col - q.Col}
}

// Dist is the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.Row-q.Row, p.Col-q.Col)
}

// PointSet is index-addressable; positions are never reordered after creation.
type PointSet []Point

// Select returns the points at idx, in idx order.
func (ps PointSet) Select(idx []int) []Point {
	out := make([]Point, len(idx))
	for i, j := range idx {
		out[i] = ps[j]
	}
	return out
}

// DistanceMatrix is a square symmetric matrix of pairwise distances.
type DistanceMatrix struct {
	n int
	d []float64
}

// PairwiseDistances computes exact Euclidean distances between every pair of points.
func PairwiseDistances(points PointSet) DistanceMatrix {
	n := len(points)
	m := DistanceMatrix{n: n, d: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := points[i].Dist(points[j])
			m.d[i*n+j] = v
			m.d[j*n+i] = v
		}
	}
	return m
}

// Len is the number of points the matrix covers.
func (m DistanceMatrix) Len() int { return m.n }

// At returns D[i][j].
func (m DistanceMatrix) At(i, j int) float64 { return m.d[i*m.n+j] }

// Row returns a view of row i.
func (m DistanceMatrix) Row(i int) []float64 { return m.d[i*m.n : (i+1)*m.n] }

// FilterByDistance keeps the indices in rows whose matrix row has at least one
// entry within tolerance of target. A nil rows slice means every index.
// Input order is preserved so calls can be chained to narrow a working set.
func FilterByDistance(m DistanceMatrix, target, tolerance float64, rows []int) []int {
	if rows == nil {
		rows = make([]int, m.n)
		for i := range rows {
			rows[i] = i
		}
	}
	out := make([]int, 0, len(rows))
	for _, i := range rows {
		for _, v := range m.Row(i) {
			if math.Abs(v-target) <= tolerance {
				out = append(out, i)
				break
			}
		}
	}
	return out
}
