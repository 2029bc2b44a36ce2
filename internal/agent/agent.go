package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"cuip/internal/fsutil"
	"cuip/internal/grpcserver"
	"cuip/internal/imageio"
	"cuip/internal/registration"
	"cuip/internal/tasks"
)

// Config controls a registration agent.
type Config struct {
	ServerAddress string   `json:"serverAddress"`
	AgentID       string   `json:"agentId"`
	WatchDirs     []string `json:"watchDirs"`
	// RemoteLoad sends frame paths instead of detected sources. The server
	// must be able to read the same paths.
	RemoteLoad bool `json:"remoteLoad"`

	Geometry imageio.Geometry           `json:"geometry"`
	Detect   registration.DetectOptions `json:"detect"`
	Timeout  time.Duration              `json:"timeout"`

	// Security
	TLSCertPath   string `json:"tlsCertPath"`
	TLSKeyPath    string `json:"tlsKeyPath"`
	CACertPath    string `json:"caCertPath"`
	SkipTLSVerify bool   `json:"skipTlsVerify"`
}

// Stats summarizes what an agent has sent.
type Stats struct {
	Processed    int       `json:"processed"`
	Failed       int       `json:"failed"`
	LastFrame    string    `json:"lastFrame,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// Agent watches local directories and registers new frames against a
// remote cuip server.
type Agent struct {
	cfg    Config
	client *grpcserver.Client
	log    *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New returns an agent that calls the server over cc.
func New(cfg Config, cc grpc.ClientConnInterface, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgentID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.AgentID = fmt.Sprintf("agent-%s-%d", hostname, time.Now().Unix())
	}
	if cfg.Detect == (registration.DetectOptions{}) {
		cfg.Detect = registration.DefaultDetectOptions()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		client: grpcserver.NewClient(cc),
		log:    logger.With("agent", cfg.AgentID),
	}
}

// Dial opens the client connection described by cfg.
func Dial(cfg Config) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption

	if cfg.SkipTLSVerify {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
	)

	return grpc.NewClient(cfg.ServerAddress, opts...)
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	config := &tls.Config{}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		config.RootCAs = pool
	}

	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// Run registers the frames already present in the watch directories, then
// every completed frame that appears, until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	watcher, err := tasks.NewFileSystemWatcher(a.cfg.WatchDirs, a.log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		watcher.Stop()
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()

	a.log.Info("agent started", "server", a.cfg.ServerAddress, "dirs", a.cfg.WatchDirs, "remote_load", a.cfg.RemoteLoad)

	for _, dir := range a.cfg.WatchDirs {
		frames, err := fsutil.ListFrames(dir)
		if err != nil {
			a.log.Warn("initial scan failed", "dir", dir, "error", err)
			continue
		}
		a.log.Info("initial scan", "dir", dir, "frames", len(frames))
		for _, frame := range frames {
			if ctx.Err() != nil {
				return nil
			}
			a.handle(ctx, frame)
		}
	}

	frames := tasks.CompleteFrames(ctx, watcher.Events, int64(a.cfg.Geometry.Size()))
	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent stopped", "processed", a.Stats().Processed)
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			a.handle(ctx, frame)
		}
	}
}

func (a *Agent) handle(ctx context.Context, frame string) {
	out, err := a.ProcessFrame(ctx, frame)
	if err != nil {
		a.log.Warn("registration failed", "frame", frame, "error", err)
		return
	}
	a.log.Info("frame registered", "frame", frame, "theta_deg", out["theta_deg"], "d_row", out["d_row"], "d_col", out["d_col"])
}

// ProcessFrame registers one frame with the server and returns its reply.
func (a *Agent) ProcessFrame(ctx context.Context, frame string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := a.send(ctx, frame)
	a.mu.Lock()
	a.stats.LastFrame = frame
	a.stats.LastActivity = time.Now()
	if err != nil {
		a.stats.Failed++
		a.stats.LastError = err.Error()
	} else {
		a.stats.Processed++
	}
	a.mu.Unlock()
	return out, err
}

func (a *Agent) send(ctx context.Context, frame string) (map[string]any, error) {
	if a.cfg.RemoteLoad {
		return a.client.Register(ctx, frame, "", "", true)
	}
	img, err := imageio.Load(frame, a.cfg.Geometry)
	if err != nil {
		return nil, fmt.Errorf("load frame: %w", err)
	}
	start := time.Now()
	sources, err := registration.Detect(img, a.cfg.Detect)
	if err != nil {
		return nil, fmt.Errorf("detect sources: %w", err)
	}
	a.log.Debug("sources detected", "frame", frame, "sources", len(sources), "duration", time.Since(start))
	return a.client.RegisterPoints(ctx, frame, sources, img.Center())
}

// Stats returns a snapshot of the agent's counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
