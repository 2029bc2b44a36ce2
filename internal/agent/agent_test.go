package agent

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"cuip/internal/grpcserver"
	"cuip/internal/imageio"
	"cuip/internal/pipeline"
	"cuip/internal/registration"
	"cuip/internal/synth"
)

var synthGeometry = imageio.Geometry{Rows: synth.Rows, Cols: synth.Cols, Channels: synth.Channels}

type noPipeline struct{}

func (noPipeline) Submit(pipeline.Job) error { return pipeline.ErrQueueFull }
func (noPipeline) Wait(context.Context, pipeline.Job) (pipeline.Result, error) {
	return pipeline.Result{}, pipeline.ErrQueueFull
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T) *grpc.ClientConn {
	t.Helper()
	reg := registration.NewRegistrar(synth.Catalog(), registration.DefaultAnchors)
	reg.Log = quietLogger()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	grpcserver.RegisterRegistrationServer(gs, grpcserver.New(noPipeline{}, reg, nil, quietLogger()))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, dir, name string, theta, dr, dc float64) string {
	t.Helper()
	img, _ := synth.Render(synth.Catalog(), theta, dr, dc)
	path := filepath.Join(dir, name)
	if err := imageio.WriteRaw(path, img); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

func TestProcessFrameSendsDetectedSources(t *testing.T) {
	a := New(Config{Geometry: synthGeometry}, serve(t), quietLogger())
	frame := writeFrame(t, t.TempDir(), "0001.raw", 4, 6, -9)

	out, err := a.ProcessFrame(context.Background(), frame)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	theta, _ := out["theta_deg"].(float64)
	if math.Abs(theta-4) > 0.25 {
		t.Fatalf("theta: want ~4, got %v", out["theta_deg"])
	}
	if st := a.Stats(); st.Processed != 1 || st.Failed != 0 || st.LastFrame != frame {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestProcessFrameCountsFailures(t *testing.T) {
	a := New(Config{Geometry: synthGeometry, RemoteLoad: true}, serve(t), quietLogger())
	if _, err := a.ProcessFrame(context.Background(), "/nowhere/0001.raw"); err == nil {
		t.Fatal("expected error from a server with a full queue")
	}
	if st := a.Stats(); st.Failed != 1 || st.LastError == "" {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRunRegistersExistingFrames(t *testing.T) {
	dir := t.TempDir()
	writeFrame(t, dir, "0001.raw", -2.5, 4, 7)

	a := New(Config{Geometry: synthGeometry, WatchDirs: []string{dir}}, serve(t), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for a.Stats().Processed+a.Stats().Failed == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("agent did not process the existing frame")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := a.Stats(); st.Processed != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
