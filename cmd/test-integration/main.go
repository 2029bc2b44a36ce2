package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"cuip/internal/imageio"
	"cuip/internal/logging"
	"cuip/internal/pipeline"
	"cuip/internal/registration"
	"cuip/internal/storage"
	"cuip/internal/synth"
	"cuip/internal/tasks"
)

type frame struct {
	name        string
	theta, r, c float64
}

func main() {
	fmt.Println("Testing watcher + pipeline + registration integration")

	work, err := os.MkdirTemp("", "cuip-integration-")
	if err != nil {
		log.Fatal("Failed to create work dir:", err)
	}
	defer os.RemoveAll(work)
	incoming := filepath.Join(work, "incoming")
	if err := os.MkdirAll(incoming, 0o755); err != nil {
		log.Fatal("Failed to create incoming dir:", err)
	}

	logger := logging.New("info", "text")

	store, err := storage.New(filepath.Join(work, "integration.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	reg := registration.NewRegistrar(synth.Catalog(), registration.DefaultAnchors)
	reg.Log = logger
	geometry := imageio.Geometry{Rows: synth.Rows, Cols: synth.Cols, Channels: synth.Channels}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pipe := pipeline.New(ctx, 2, logger, store, reg, pipeline.Settings{Geometry: geometry, QueueDepth: 8})
	defer pipe.Stop()
	results, unsubscribe := pipe.Subscribe()
	defer unsubscribe()

	watcher, err := tasks.NewFileSystemWatcher([]string{incoming}, logger)
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	go func() {
		for path := range tasks.CompleteFrames(ctx, watcher.Events, int64(geometry.Size())) {
			if err := pipe.Submit(pipeline.NewJob(pipeline.JobRegister, path, "", map[string]any{"source": "watch"})); err != nil {
				fmt.Printf("Failed to queue %s: %v\n", path, err)
			}
		}
	}()

	frames := []frame{
		{"0001.raw", 0, 0, 0},
		{"0002.raw", 4, 6, -9},
		{"0003.raw", -2.5, 4, 7},
	}
	truth := make(map[string]frame, len(frames))
	for _, f := range frames {
		img, _ := synth.Render(synth.Catalog(), f.theta, f.r, f.c)
		path := filepath.Join(incoming, f.name)
		truth[path] = f
		if err := imageio.WriteRaw(path, img); err != nil {
			log.Fatal("Failed to write frame:", err)
		}
	}
	fmt.Printf("Wrote %d synthetic frames to %s\n", len(frames), incoming)

	failures := 0
	for seen := map[string]bool{}; len(seen) < len(frames); {
		select {
		case <-ctx.Done():
			fmt.Printf("Timed out with %d of %d frames registered\n", len(seen), len(frames))
			os.Exit(1)
		case res := <-results:
			f, ok := truth[res.Job.InputPath]
			if !ok || seen[res.Job.InputPath] {
				continue
			}
			seen[res.Job.InputPath] = true
			if res.Error != nil {
				failures++
				fmt.Printf("FAIL %s: %v\n", f.name, res.Error)
				continue
			}
			theta, _ := res.Meta["theta_deg"].(float64)
			status := "ok  "
			if math.Abs(theta-f.theta) > 0.25 {
				status = "FAIL"
				failures++
			}
			fmt.Printf("%s %s: theta=%.3f (want %.1f) d=(%.2f, %.2f) (want %.0f, %.0f)\n",
				status, f.name, theta, f.theta, res.Meta["d_row"], res.Meta["d_col"], f.r, f.c)
		}
	}

	recs, err := store.RecentRegistrations(10)
	if err != nil {
		log.Fatal("Failed to read registrations:", err)
	}
	fmt.Printf("Persisted %d registrations\n", len(recs))
	if failures > 0 {
		os.Exit(1)
	}
}
