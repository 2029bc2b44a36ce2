package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cuip/internal/pipeline"
	"cuip/internal/storage"
	"cuip/internal/web"
)

type fakePipeline struct {
	mu         sync.Mutex
	submitted  []pipeline.Job
	err        error
	results    chan pipeline.Result
	subscribed chan struct{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{results: make(chan pipeline.Result, 1), subscribed: make(chan struct{}, 1)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakePipeline) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return f.results, func() {}
}

func testServer(t *testing.T, pipe JobPipeline) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "cuip.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s := NewServer(":0", store, pipe, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, newFakePipeline())
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	pipe := newFakePipeline()
	srv, _ := testServer(t, pipe)

	cases := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"queued", `{"frame_path":"/frames/a.raw","reference":"/frames/ref.raw","output_dir":"/out"}`, nil, http.StatusAccepted},
		{"missing frame", `{"reference":"/frames/ref.raw"}`, nil, http.StatusBadRequest},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"queue full", `{"frame_path":"/frames/b.raw"}`, pipeline.ErrQueueFull, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipe.setErr(tc.err)
			resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	if len(pipe.submitted) != 1 {
		t.Fatalf("expected one submitted job, got %d", len(pipe.submitted))
	}
	job := pipe.submitted[0]
	if job.Type != pipeline.JobRegister || job.InputPath != "/frames/a.raw" || job.Output != "/out" || job.Options["reference"] != "/frames/ref.raw" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestJobAndRegistrationLookups(t *testing.T) {
	srv, store := testServer(t, newFakePipeline())
	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-1", JobType: "register", Status: "queued", InputPath: "a.raw"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordJobResult("job-1", "completed", map[string]any{"sources": 7}, ""); err != nil {
		t.Fatal(err)
	}
	id, err := store.RecordRegistration(storage.RegistrationRecord{JobID: "job-1", FramePath: "a.raw", Status: "completed", Tuple: []int{0, 1, 2, 6}, ThetaDegrees: 2})
	if err != nil {
		t.Fatal(err)
	}

	var job struct {
		Meta map[string]any `json:"meta"`
	}
	getJSON(t, srv.URL+"/jobs/job-1", http.StatusOK, &job)
	if job.Meta["sources"] != float64(7) {
		t.Fatalf("unexpected job meta %v", job.Meta)
	}

	var recs []storage.RegistrationRecord
	getJSON(t, srv.URL+"/registrations?limit=5", http.StatusOK, &recs)
	if len(recs) != 1 || recs[0].ID != id {
		t.Fatalf("unexpected registrations %+v", recs)
	}

	var rec storage.RegistrationRecord
	getJSON(t, srv.URL+"/registrations/"+id, http.StatusOK, &rec)
	if rec.ThetaDegrees != 2 || len(rec.Tuple) != 4 {
		t.Fatalf("unexpected registration %+v", rec)
	}

	getJSON(t, srv.URL+"/jobs/missing", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/registrations/missing", http.StatusNotFound, nil)

	var jobs []storage.JobRecord
	getJSON(t, srv.URL+"/jobs", http.StatusOK, &jobs)
	if len(jobs) != 1 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t, newFakePipeline())
	getJSON(t, srv.URL+"/healthz", http.StatusOK, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `cuip_http_requests_total{path="/healthz"}`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestStreamSendsEvents(t *testing.T) {
	pipe := newFakePipeline()
	srv, _ := testServer(t, pipe)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	select {
	case <-pipe.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not subscribe")
	}
	pipe.results <- pipeline.Result{Job: pipeline.Job{ID: "j1", Type: pipeline.JobRegister, InputPath: "a.raw"}}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var ev web.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if ev.JobID != "j1" || ev.Status != "completed" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestWatchedFrameRetriedWhileQueueFull(t *testing.T) {
	pipe := newFakePipeline()
	pipe.setErr(pipeline.ErrQueueFull)
	s := NewServer(":0", nil, pipe, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.retry = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan string, 1)
	frames <- "/watch/0001.raw"
	done := make(chan struct{})
	go func() {
		s.submitWatched(ctx, frames)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	pipe.setErr(nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		pipe.mu.Lock()
		n := len(pipe.submitted)
		pipe.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watched frame was dropped while the queue was full")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pipe.submitted[0].InputPath != "/watch/0001.raw" || pipe.submitted[0].Type != pipeline.JobRegister {
		t.Fatalf("unexpected job %+v", pipe.submitted[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitWatched did not return after cancel")
	}
}
