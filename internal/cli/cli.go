package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cuip/internal/agent"
	"cuip/internal/catalog"
	"cuip/internal/config"
	"cuip/internal/grpcserver"
	"cuip/internal/imageio"
	"cuip/internal/pipeline"
	"cuip/internal/registration"
	"cuip/internal/server"
	"cuip/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions selects the surfaces started by the serve command.
type serveOptions struct {
	Addr       string
	GRPCAddr   string
	WatchPaths []string
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

type agentFunc func(ctx context.Context, cfg agent.Config, log *slog.Logger) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline  pipelineClient
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	registrar *registration.Registrar
	catalog   catalog.Set
	serveFn   serverFunc
	agentFn   agentFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, reg *registration.Registrar, cat catalog.Set) *Root {
	return &Root{
		pipeline:  pl,
		cfg:       cfg,
		log:       logger,
		store:     store,
		registrar: reg,
		catalog:   cat,
		serveFn:   defaultServe,
		agentFn:   defaultAgent,
	}
}

// NewRegistrar builds a registrar from the matching and detection settings.
// The configured anchors apply only to catalogs that do not name their own.
func NewRegistrar(cfg *config.Config, set catalog.Set, logger *slog.Logger) (*registration.Registrar, error) {
	if len(set.Anchors) == 0 {
		set.Anchors = cfg.Matching.Anchors
	}
	cat, anchors, err := set.Catalog()
	if err != nil {
		return nil, err
	}
	reg := registration.NewRegistrar(cat, anchors)
	reg.Detect = DetectOptions(cfg)
	reg.Match.Tolerance = cfg.Matching.Tolerance
	reg.Match.MaxCandidates = cfg.Matching.MaxCandidates
	reg.Affine = cfg.Matching.Affine
	reg.Log = logger
	return reg, nil
}

// DetectOptions maps the detection section onto detector options.
func DetectOptions(cfg *config.Config) registration.DetectOptions {
	d := cfg.Detection
	return registration.DetectOptions{
		Sigma:          d.Sigma,
		MinSize:        d.MinSize,
		MaxSize:        d.MaxSize,
		HighPass:       d.HighPass,
		HighPassRadius: d.HighPassRadius,
		Connectivity:   d.Connectivity,
	}
}

// Geometry returns the configured raw frame geometry.
func Geometry(cfg *config.Config) imageio.Geometry {
	return imageio.Geometry{Rows: cfg.Raw.Rows, Cols: cfg.Raw.Cols, Channels: cfg.Raw.Channels}
}

// PipelineSettings returns the per-job defaults taken from cfg.
func PipelineSettings(cfg *config.Config) pipeline.Settings {
	return pipeline.Settings{
		Geometry:      Geometry(cfg),
		Detect:        DetectOptions(cfg),
		ReferencePath: cfg.Paths.ReferenceFrame,
		OutputDir:     cfg.Paths.DefaultOutput,
		QueueDepth:    cfg.Processing.QueueDepth,
	}
}

func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	real, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	running := 1
	go func() {
		g := Geometry(r.cfg)
		errs <- server.NewServer(opts.Addr, r.store, real, opts.WatchPaths, int64(g.Size()), r.log).Start(ctx)
	}()
	if opts.GRPCAddr != "" {
		running++
		go func() {
			errs <- grpcserver.Serve(ctx, opts.GRPCAddr, grpcserver.New(real, r.registrar, r.store, r.log), r.log)
		}()
	}

	var first error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

func defaultAgent(ctx context.Context, cfg agent.Config, log *slog.Logger) error {
	conn, err := agent.Dial(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()
	return agent.New(cfg, conn, log).Run(ctx)
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// enqueueAndWait submits jobs and calls onResult for each of their results
// in completion order. At most queueWindow jobs are in flight, so batches
// larger than the pipeline queue are fed as earlier results arrive.
func (r *Root) enqueueAndWait(ctx context.Context, jobs []pipeline.Job, onResult func(pipeline.Result)) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	window := r.queueWindow()
	pending := make(map[string]bool, window)
	next := 0
	for next < len(jobs) || len(pending) > 0 {
		for next < len(jobs) && len(pending) < window {
			job := jobs[next]
			err := r.enqueue(ctx, job)
			if errors.Is(err, pipeline.ErrQueueFull) && len(pending) > 0 {
				// The queue is shared; resubmit once one of ours completes.
				r.log.Debug("queue full, waiting for a result", "input", job.InputPath, "in_flight", len(pending))
				break
			}
			if err != nil {
				if errors.Is(err, pipeline.ErrQueueFull) {
					return fmt.Errorf("queue %s: %w", job.InputPath, err)
				}
				return err
			}
			pending[job.ID] = true
			next++
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if !pending[res.Job.ID] {
				continue
			}
			delete(pending, res.Job.ID)
			onResult(res)
		}
	}
	return nil
}

// queueWindow is the number of jobs a batch keeps queued at once.
func (r *Root) queueWindow() int {
	if d := r.cfg.Processing.QueueDepth; d > 0 {
		return d
	}
	if n := r.cfg.Processing.ParallelJobs; n > 0 {
		return n * 2
	}
	return 1
}
