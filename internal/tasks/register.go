package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"cuip/internal/imageio"
	"cuip/internal/metrics"
	"cuip/internal/registration"
)

// RegisterRequest describes a single frame registration.
type RegisterRequest struct {
	FramePath string
	// ReferencePath, when set with OutputDir, produces a composite of the
	// frame against the reference warped by the solved transform.
	ReferencePath string
	OutputDir     string
	Geometry      imageio.Geometry
}

// RegisterResult is the solved registration plus any artifacts written.
type RegisterResult struct {
	registration.Result
	FramePath     string `json:"frame_path"`
	CompositePath string `json:"composite_path,omitempty"`
}

// Registrar is the registration core used by the tasks.
type Registrar interface {
	Register(img registration.Raster) (registration.Result, error)
}

// RegisterFrame loads a frame, registers it, and optionally writes a composite.
func RegisterFrame(ctx context.Context, reg Registrar, req RegisterRequest) (RegisterResult, error) {
	out := RegisterResult{FramePath: req.FramePath}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	frame, err := imageio.Load(req.FramePath, req.Geometry)
	if err != nil {
		return out, fmt.Errorf("load frame: %w", err)
	}

	res, err := reg.Register(frame)
	metrics.ObserveRegistration(res, err)
	if err != nil {
		return out, err
	}
	out.Result = res

	if req.ReferencePath == "" || req.OutputDir == "" {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	ref, err := imageio.Load(req.ReferencePath, req.Geometry)
	if err != nil {
		return out, fmt.Errorf("load reference: %w", err)
	}
	aligned := registration.Align(ref, res.Transform)
	path := CompositePath(req.OutputDir, req.FramePath)
	if err := imageio.Save(path, registration.Composite(frame, aligned)); err != nil {
		return out, fmt.Errorf("write composite: %w", err)
	}
	out.CompositePath = path
	return out, nil
}

// DetectFrame loads a frame and extracts its sources.
func DetectFrame(ctx context.Context, path string, g imageio.Geometry, opts registration.DetectOptions) (registration.PointSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := imageio.Load(path, g)
	if err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	return registration.Detect(frame, opts)
}

// CompositePath names the composite written for frame under dir.
func CompositePath(dir, frame string) string {
	base := filepath.Base(frame)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+"-composite.png")
}
