package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform maps reference (catalog) coordinates onto current-image
// coordinates: p' = Linear*(p - Center) + (DRow, DCol) + Center.
type Transform struct {
	DRow         float64       `json:"d_row"`
	DCol         float64       `json:"d_col"`
	ThetaDegrees float64       `json:"theta_degrees"`
	ScaleRow     float64       `json:"scale_row"`
	ScaleCol     float64       `json:"scale_col"`
	Linear       [2][2]float64 `json:"linear"`
	Center       Point         `json:"center"`
}

// Apply maps p from reference space into the current image.
func (t Transform) Apply(p Point) Point {
	q := p.Sub(t.Center)
	return Point{
		Row: t.Linear[0][0]*q.Row + t.Linear[0][1]*q.Col + t.DRow + t.Center.Row,
		Col: t.Linear[1][0]*q.Row + t.Linear[1][1]*q.Col + t.DCol + t.Center.Col,
	}
}

// Invert maps p from the current image back into reference space.
func (t Transform) Invert(p Point) (Point, error) {
	det := t.Linear[0][0]*t.Linear[1][1] - t.Linear[0][1]*t.Linear[1][0]
	if det == 0 {
		return Point{}, ErrSingularSystem
	}
	r := p.Row - t.Center.Row - t.DRow
	c := p.Col - t.Center.Col - t.DCol
	return Point{
		Row: (t.Linear[1][1]*r-t.Linear[0][1]*c)/det + t.Center.Row,
		Col: (-t.Linear[1][0]*r+t.Linear[0][0]*c)/det + t.Center.Col,
	}, nil
}

// Residual is the RMS distance between Apply(from[i]) and to[i].
func (t Transform) Residual(from, to []Point) float64 {
	if len(from) == 0 || len(from) != len(to) {
		return math.NaN()
	}
	var sum float64
	for i := range from {
		d := t.Apply(from[i]).Dist(to[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(from)))
}

// Solve fits the similarity model [a, b, dRow, dCol] with
//
//	row' = a*row - b*col + dRow
//	col' = b*row + a*col + dCol
//
// on coordinates centered at center, via the normal equations (AᵀA)⁻¹Aᵀb.
func Solve(catalogPts, detectedPts []Point, center Point) (Transform, error) {
	n := len(catalogPts)
	if n != len(detectedPts) {
		return Transform{}, fmt.Errorf("point count mismatch: %d catalog vs %d detected", n, len(detectedPts))
	}
	if n < 2 {
		return Transform{}, fmt.Errorf("%w: need at least 2 pairs, got %d", ErrSingularSystem, n)
	}

	A := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		c := catalogPts[i].Sub(center)
		d := detectedPts[i].Sub(center)
		A.SetRow(2*i, []float64{c.Row, -c.Col, 1, 0})
		A.SetRow(2*i+1, []float64{c.Col, c.Row, 0, 1})
		b.SetVec(2*i, d.Row)
		b.SetVec(2*i+1, d.Col)
	}

	var ata mat.Dense
	ata.Mul(A.T(), A)
	var inv mat.Dense
	if err := inv.Inverse(&ata); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}
	var atb, params mat.VecDense
	atb.MulVec(A.T(), b)
	params.MulVec(&inv, &atb)

	a, s := params.AtVec(0), params.AtVec(1)
	scale := math.Hypot(a, s)
	return Transform{
		DRow:         params.AtVec(2),
		DCol:         params.AtVec(3),
		ThetaDegrees: math.Atan2(s, a) * 180 / math.Pi,
		ScaleRow:     scale,
		ScaleCol:     scale,
		Linear:       [2][2]float64{{a, -s}, {s, a}},
		Center:       center,
	}, nil
}

// SolveAffine fits a general 6-parameter affine map with QR least squares.
// Rotation is taken from the row axis; ScaleRow and ScaleCol are the column
// norms of the linear part.
func SolveAffine(catalogPts, detectedPts []Point, center Point) (Transform, error) {
	n := len(catalogPts)
	if n != len(detectedPts) {
		return Transform{}, fmt.Errorf("point count mismatch: %d catalog vs %d detected", n, len(detectedPts))
	}
	if n < 3 {
		return Transform{}, fmt.Errorf("%w: need at least 3 pairs, got %d", ErrSingularSystem, n)
	}

	A := mat.NewDense(2*n, 6, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		c := catalogPts[i].Sub(center)
		d := detectedPts[i].Sub(center)
		A.Set(2*i, 0, c.Row)
		A.Set(2*i, 1, c.Col)
		A.Set(2*i, 2, 1)
		b.SetVec(2*i, d.Row)

		A.Set(2*i+1, 3, c.Row)
		A.Set(2*i+1, 4, c.Col)
		A.Set(2*i+1, 5, 1)
		b.SetVec(2*i+1, d.Col)
	}

	var qr mat.QR
	qr.Factorize(A)
	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingularSystem, err)
	}

	m00, m01, m10, m11 := params.AtVec(0), params.AtVec(1), params.AtVec(3), params.AtVec(4)
	return Transform{
		DRow:         params.AtVec(2),
		DCol:         params.AtVec(5),
		ThetaDegrees: math.Atan2(m10, m00) * 180 / math.Pi,
		ScaleRow:     math.Hypot(m00, m10),
		ScaleCol:     math.Hypot(m01, m11),
		Linear:       [2][2]float64{{m00, m01}, {m10, m11}},
		Center:       center,
	}, nil
}
