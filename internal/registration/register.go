package registration

import (
	"fmt"
	"log/slog"
	"time"
)

// Registrar runs detection, matching and the transform solve against one catalog.
// It holds no mutable state and may be shared between goroutines.
type Registrar struct {
	Catalog Catalog
	Anchors []int
	Detect  DetectOptions
	Match   MatchOptions
	// Affine selects the 6-parameter solve instead of the similarity solve.
	Affine bool
	Log    *slog.Logger
}

// NewRegistrar returns a Registrar using the default detector and matcher settings.
func NewRegistrar(cat Catalog, anchors []int) *Registrar {
	return &Registrar{
		Catalog: cat,
		Anchors: anchors,
		Detect:  DefaultDetectOptions(),
		Match:   DefaultMatchOptions(),
	}
}

// Result is the outcome of a single registration.
type Result struct {
	Sources   PointSet       `json:"sources"`
	Tuple     CandidateTuple `json:"tuple"`
	Matched   []Point        `json:"matched"`
	Transform Transform      `json:"transform"`
	Residual  float64        `json:"residual"`
	Timings   Timings        `json:"timings"`
}

// Timings records the duration of each stage.
type Timings struct {
	Detect time.Duration `json:"detect"`
	Match  time.Duration `json:"match"`
	Solve  time.Duration `json:"solve"`
}

// Register locates sources in img and solves the transform from the catalog
// frame onto img. Rotation is about img's integer half dimensions.
func (r *Registrar) Register(img Raster) (Result, error) {
	return r.RegisterAbout(img, img.Center())
}

// RegisterAbout is Register with an explicit rotation center.
func (r *Registrar) RegisterAbout(img Raster, center Point) (Result, error) {
	var res Result

	start := time.Now()
	sources, err := Detect(img, r.Detect)
	if err != nil {
		return Result{}, fmt.Errorf("detect sources: %w", err)
	}
	res.Timings.Detect = time.Since(start)
	r.logger().Debug("source extraction complete", "sources", len(sources), "duration", res.Timings.Detect)

	return r.finish(res, sources, center)
}

// RegisterPoints runs matching and solving on already extracted sources.
func (r *Registrar) RegisterPoints(sources PointSet, center Point) (Result, error) {
	return r.finish(Result{}, sources, center)
}

func (r *Registrar) finish(res Result, sources PointSet, center Point) (Result, error) {
	res.Sources = sources

	start := time.Now()
	tuple, err := Match(r.Catalog, r.Anchors, sources, r.Match)
	if err != nil {
		return Result{}, fmt.Errorf("match catalog: %w", err)
	}
	res.Timings.Match = time.Since(start)
	res.Tuple = tuple
	res.Matched = sources.Select(tuple)
	r.logger().Debug("pattern localization complete", "tuple", []int(tuple), "duration", res.Timings.Match)

	catPts := make([]Point, len(r.Anchors))
	for i, a := range r.Anchors {
		catPts[i] = r.Catalog.Point(a)
	}

	start = time.Now()
	solve := Solve
	if r.Affine {
		solve = SolveAffine
	}
	t, err := solve(catPts, res.Matched, center)
	if err != nil {
		return Result{}, fmt.Errorf("solve transform: %w", err)
	}
	res.Timings.Solve = time.Since(start)
	res.Transform = t
	res.Residual = t.Residual(catPts, res.Matched)
	r.logger().Debug("orientation solved",
		"theta_deg", t.ThetaDegrees,
		"d_row", t.DRow,
		"d_col", t.DCol,
		"residual", res.Residual,
		"duration", res.Timings.Solve,
	)
	return res, nil
}

func (r *Registrar) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
