package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"cuip/internal/metrics"
	"cuip/internal/pipeline"
	"cuip/internal/storage"
	"cuip/internal/tasks"
	"cuip/internal/web"
)

// JobPipeline is the part of the pipeline the server drives.
type JobPipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes jobs and registrations over HTTP and registers frames that
// appear in the watch paths.
type Server struct {
	addr       string
	store      *storage.Store
	pipeline   JobPipeline
	hub        *web.WebSocketHub
	watchPaths []string
	rawSize    int64
	retry      time.Duration
	log        *slog.Logger
	server     *http.Server
}

// NewServer creates a server. rawSize is the byte size of a complete raw
// frame; watched raw files of any other size are ignored.
func NewServer(addr string, store *storage.Store, pipe JobPipeline, watchPaths []string, rawSize int64, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:       addr,
		store:      store,
		pipeline:   pipe,
		hub:        web.NewHub(log),
		watchPaths: watchPaths,
		rawSize:    rawSize,
		retry:      time.Second,
		log:        log,
	}
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(s.watchPaths) > 0 {
		watcher, err := tasks.NewFileSystemWatcher(s.watchPaths, s.log)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			watcher.Stop()
			s.log.Error("Failed to start watcher", "error", err)
			return err
		}
		defer watcher.Stop()
		go s.submitWatched(ctx, tasks.CompleteFrames(ctx, watcher.Events, s.rawSize))
	}

	go s.hub.Run(ctx)
	results, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	go s.hub.Relay(ctx, results)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr, "watch", s.watchPaths)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve runs a server without directory watching.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe JobPipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, nil, 0, log).Start(ctx)
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.PrometheusMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/registrations", s.handleRegistrations).Methods("GET")
	r.HandleFunc("/registrations/{id}", s.handleRegistration).Methods("GET")
	r.HandleFunc("/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.Handle("/ws", s.hub)
	return r
}

func (s *Server) submitWatched(ctx context.Context, frames <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.submitFrame(ctx, frame)
		}
	}
}

// submitFrame queues a watched frame, retrying while the queue is full.
func (s *Server) submitFrame(ctx context.Context, frame string) {
	job := pipeline.NewJob(pipeline.JobRegister, frame, "", map[string]any{"source": "watch"})
	for {
		err := s.pipeline.Submit(job)
		if err == nil {
			s.log.Info("queued watched frame", "frame", frame, "job", job.ID)
			return
		}
		if !errors.Is(err, pipeline.ErrQueueFull) {
			s.log.Warn("failed to queue watched frame", "frame", frame, "error", err)
			return
		}
		s.log.Debug("queue full, retrying watched frame", "frame", frame)
		select {
		case <-ctx.Done():
			s.log.Warn("watched frame not queued before shutdown", "frame", frame)
			return
		case <-time.After(s.retry):
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	recs, err := s.store.RecentJobs(limit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	job, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"job": job}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp["meta"] = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	recs, err := s.store.RecentRegistrations(limit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	rec, err := s.store.Registration(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "registration not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RegisterRequest is the body accepted by POST /register.
type RegisterRequest struct {
	FramePath   string `json:"frame_path"`
	Reference   string `json:"reference,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
	NoComposite bool   `json:"no_composite,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.FramePath == "" {
		http.Error(w, "frame_path is required", http.StatusBadRequest)
		return
	}
	opts := map[string]any{"source": "http"}
	if req.Reference != "" {
		opts["reference"] = req.Reference
	}
	if req.NoComposite {
		opts["noComposite"] = true
	}
	job := pipeline.NewJob(pipeline.JobRegister, req.FramePath, req.OutputDir, opts)
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "queued"})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(web.NewEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "store not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
