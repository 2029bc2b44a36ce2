package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"cuip/internal/fsutil"
	"cuip/internal/imageio"
	"cuip/internal/logging"
	"cuip/internal/metrics"
	"cuip/internal/registration"
	"cuip/internal/storage"
	"cuip/internal/tasks"
)

// Settings carries per-job defaults taken from configuration.
type Settings struct {
	Geometry      imageio.Geometry
	Detect        registration.DetectOptions
	ReferencePath string
	OutputDir     string
	QueueDepth    int
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	registrar  tasks.Registrar
	settings   Settings
	registerFn registerFunc
	detectFn   detectFunc
	scanFn     scanFunc
}

type registerFunc func(ctx context.Context, reg tasks.Registrar, req tasks.RegisterRequest) (tasks.RegisterResult, error)

type detectFunc func(ctx context.Context, path string, g imageio.Geometry, opts registration.DetectOptions) (registration.PointSet, error)

type scanFunc func(input string) (tasks.ScanResult, error)

func newRouter(logger *slog.Logger, store *storage.Store, reg *registration.Registrar, settings Settings) *router {
	return &router{
		log:        logger,
		store:      store,
		registrar:  reg,
		settings:   settings,
		registerFn: tasks.RegisterFrame,
		detectFn:   tasks.DetectFrame,
		scanFn:     tasks.Scan,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobRegister:
		return r.handleRegister(ctx, job)
	case JobDetect:
		return r.handleDetect(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	reference := getStringOption(job.Options, "reference", "")
	if reference == "" && r.settings.ReferencePath != "" {
		// A missing default reference only disables composites.
		reference = fsutil.FirstExisting(r.settings.ReferencePath)
		if reference == "" {
			r.log.Warn("default reference frame not found, skipping composite", "path", r.settings.ReferencePath)
		}
	}
	outputDir := job.Output
	if outputDir == "" {
		outputDir = r.settings.OutputDir
	}
	if getBoolOption(job.Options, "noComposite") {
		reference = ""
	}

	res, err := r.registerFn(ctx, r.registrar, tasks.RegisterRequest{
		FramePath:     job.InputPath,
		ReferencePath: reference,
		OutputDir:     outputDir,
		Geometry:      r.settings.Geometry,
	})

	rec := storage.RegistrationRecord{
		JobID:         job.ID,
		FramePath:     job.InputPath,
		ReferencePath: reference,
		OutputPath:    res.CompositePath,
		Status:        "completed",
		SourceCount:   len(res.Sources),
	}
	meta := map[string]any{
		"frame":   job.InputPath,
		"sources": len(res.Sources),
		"outcome": metrics.Outcome(err),
	}
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
	} else {
		t := res.Transform
		rec.Tuple = []int(res.Tuple)
		rec.ThetaDegrees = t.ThetaDegrees
		rec.DRow, rec.DCol = t.DRow, t.DCol
		rec.ScaleRow, rec.ScaleCol = t.ScaleRow, t.ScaleCol
		rec.Residual = res.Residual
		meta["tuple"] = rec.Tuple
		meta["theta_deg"] = t.ThetaDegrees
		meta["d_row"] = t.DRow
		meta["d_col"] = t.DCol
		meta["scale_row"] = t.ScaleRow
		meta["scale_col"] = t.ScaleCol
		meta["residual"] = res.Residual
		meta["detect_ms"] = res.Timings.Detect.Milliseconds()
		meta["match_ms"] = res.Timings.Match.Milliseconds()
		meta["solve_ms"] = res.Timings.Solve.Milliseconds()
		if res.CompositePath != "" {
			meta["composite"] = res.CompositePath
			logging.LogProcessingStep(r.log, job.ID, "composite", "written", map[string]any{"path": res.CompositePath, "reference": reference})
		}
	}

	if r.store != nil {
		id, serr := r.store.RecordRegistration(rec)
		if serr != nil {
			r.log.Warn("failed to persist registration", "job", job.ID, "error", serr)
		} else {
			meta["registration_id"] = id
		}
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	opts := r.settings.Detect
	if v, ok := job.Options["sigma"].(float64); ok && v > 0 {
		opts.Sigma = v
	}
	if v, ok := job.Options["highPass"].(bool); ok {
		opts.HighPass = v
	}
	pts, err := r.detectFn(ctx, job.InputPath, r.settings.Geometry, opts)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"frame":   job.InputPath,
		"sources": len(pts),
		"points":  pts,
	}}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	summary, err := r.scanFn(job.InputPath)
	return Result{Job: job, Error: err, Meta: map[string]any{
		"frames":  len(summary.Frames),
		"raw":     summary.Raw,
		"encoded": summary.Encoded,
		"groups":  summary.Groups,
	}}
}

func getStringOption(options map[string]any, key, defaultValue string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}
