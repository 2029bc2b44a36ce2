package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cuip.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordJobQueued(JobRecord{ID: "job-1", JobType: "register", Status: "queued", InputPath: "a.raw", OptionsJSON: "{}"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("job-1", "completed", map[string]any{"sources": 7}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != "completed" || jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("unexpected job record %+v", jobs[0])
	}

	job, err := s.Job("job-1")
	if err != nil || job.JobType != "register" || job.InputPath != "a.raw" {
		t.Fatalf("job lookup: %+v, %v", job, err)
	}
	if _, err := s.Job("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	meta, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatalf("job meta: %v", err)
	}
	if meta["sources"] != float64(7) {
		t.Fatalf("unexpected meta %v", meta)
	}
	if _, err := s.JobMeta("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordRegistration(RegistrationRecord{
		JobID:        "job-1",
		FramePath:    "/frames/0001.raw",
		Status:       "completed",
		SourceCount:  9,
		Tuple:        []int{3, 1, 4, 0},
		ThetaDegrees: 1.25,
		DRow:         -3.5,
		DCol:         12,
		ScaleRow:     1,
		ScaleCol:     1,
		Residual:     0.4,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	rec, err := s.Registration(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.FramePath != "/frames/0001.raw" || rec.ThetaDegrees != 1.25 || rec.DRow != -3.5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	want := []int{3, 1, 4, 0}
	if len(rec.Tuple) != len(want) {
		t.Fatalf("tuple = %v, want %v", rec.Tuple, want)
	}
	for i := range want {
		if rec.Tuple[i] != want[i] {
			t.Fatalf("tuple = %v, want %v", rec.Tuple, want)
		}
	}

	if _, err := s.Registration("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentRegistrationsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, frame := range []string{"a.raw", "b.raw", "c.raw"} {
		if _, err := s.RecordRegistration(RegistrationRecord{FramePath: frame, Status: "failed", Error: "no candidate"}); err != nil {
			t.Fatalf("record %s: %v", frame, err)
		}
	}

	recs, err := s.RecentRegistrations(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].FramePath != "c.raw" || recs[1].FramePath != "b.raw" {
		t.Fatalf("unexpected order %s, %s", recs[0].FramePath, recs[1].FramePath)
	}
	if recs[0].Tuple != nil {
		t.Fatalf("expected nil tuple for failed registration, got %v", recs[0].Tuple)
	}
	if recs[0].Error != "no candidate" {
		t.Fatalf("error not persisted: %q", recs[0].Error)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store queue: %v", err)
	}
	if _, err := s.RecordRegistration(RegistrationRecord{FramePath: "x"}); err != nil {
		t.Fatalf("nil store record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
