package pipeline

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"cuip/internal/imageio"
	"cuip/internal/registration"
	"cuip/internal/synth"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func TestPipelineWaitDeliversResult(t *testing.T) {
	store := testStore(t)
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{Meta: map[string]any{"frame": job.InputPath}}
	})
	p := NewWithProcessor(context.Background(), 2, 4, quietLogger(), store, proc)
	defer p.Stop()

	job := NewJob(JobScan, "/frames", "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx, job)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Job.ID != job.ID || res.Meta["frame"] != "/frames" {
		t.Fatalf("unexpected result %+v", res)
	}

	jobs, err := store.RecentJobs(5)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one persisted job, got %v, %v", jobs, err)
	}
	if jobs[0].Status != "completed" {
		t.Fatalf("unexpected status %s", jobs[0].Status)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	release := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		<-release
		return Result{}
	})
	p := NewWithProcessor(context.Background(), 1, 1, quietLogger(), nil, proc)
	defer func() {
		close(release)
		p.Stop()
	}()

	// One job occupies the worker, one fills the queue; the worker may not
	// have dequeued yet, so allow either the second or third submit to fail.
	var full error
	for i := 0; i < 3 && full == nil; i++ {
		full = p.Submit(NewJob(JobScan, "x", "", nil))
		if full == nil {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !errors.Is(full, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", full)
	}
}

func TestPipelineRejectsAfterStop(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, 1, quietLogger(), nil, funcProcessor(func(ctx context.Context, job Job) Result { return Result{} }))
	p.Stop()
	if err := p.Submit(NewJob(JobScan, "x", "", nil)); err == nil {
		t.Fatal("expected error submitting to stopped pipeline")
	}
	if err := p.Submit(Job{Type: JobScan}); err == nil {
		t.Fatal("expected error for job without id")
	}
	ch, unsub := p.Subscribe()
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed subscription after stop")
	}
}

func TestPipelineRegistersSyntheticFrame(t *testing.T) {
	dir := t.TempDir()
	img, _ := synth.Render(synth.Catalog(), -2.5, 4, 7)
	frame := filepath.Join(dir, "0001.raw")
	if err := imageio.WriteRaw(frame, img); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	reg := registration.NewRegistrar(synth.Catalog(), registration.DefaultAnchors)
	reg.Log = quietLogger()
	store := testStore(t)
	p := New(context.Background(), 1, quietLogger(), store, reg, Settings{
		Geometry: imageio.Geometry{Rows: synth.Rows, Cols: synth.Cols, Channels: synth.Channels},
		Detect:   registration.DefaultDetectOptions(),
	})
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := p.Wait(ctx, NewJob(JobRegister, frame, "", nil))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("register failed: %v", res.Error)
	}
	theta, _ := res.Meta["theta_deg"].(float64)
	if math.Abs(theta+2.5) > 0.25 {
		t.Fatalf("theta: want ~-2.5, got %v", theta)
	}

	recs, err := store.RecentRegistrations(1)
	if err != nil || len(recs) != 1 || recs[0].FramePath != frame {
		t.Fatalf("expected persisted registration, got %v, %v", recs, err)
	}
}
