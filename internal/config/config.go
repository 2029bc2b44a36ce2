package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/cuip/config.json"
	defaultParallel   = 4
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "CUIP_CONFIG"

// Config holds user-editable settings for registration runs.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Raw        RawFormat  `json:"raw"`
	Detection  Detection  `json:"detection"`
	Matching   Matching   `json:"matching"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
	QueueDepth   int    `json:"queue_depth"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	// CatalogPath is a .yaml/.yml file or a .db/.sqlite catalog database.
	// Empty selects the built-in catalog.
	CatalogPath string `json:"catalog_path"`
	// ReferenceFrame is the frame composites are built against.
	ReferenceFrame string `json:"reference_frame"`
}

// RawFormat describes the fixed geometry of headerless .raw frames.
type RawFormat struct {
	Rows     int `json:"rows"`
	Cols     int `json:"cols"`
	Channels int `json:"channels"`
}

// Detection tunes source extraction.
type Detection struct {
	Sigma          float64 `json:"sigma"`
	MinSize        int     `json:"min_size"`
	MaxSize        int     `json:"max_size"`
	HighPass       bool    `json:"high_pass"`
	HighPassRadius int     `json:"high_pass_radius"`
	Connectivity   int     `json:"connectivity"`
}

// Matching tunes the catalog correspondence search and solve.
type Matching struct {
	Tolerance     float64 `json:"tolerance"`
	Anchors       []int   `json:"anchors"`
	MaxCandidates int     `json:"max_candidates"`
	Affine        bool    `json:"affine"`
}

// Server configures the HTTP and gRPC surfaces.
type Server struct {
	Addr       string   `json:"addr"`
	GRPCAddr   string   `json:"grpc_addr"`
	WatchPaths []string `json:"watch_paths"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			QueueDepth:   64,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "cuip.db"),
		},
		Raw: RawFormat{
			Rows:     2160,
			Cols:     4096,
			Channels: 3,
		},
		Detection: Detection{
			Sigma:          5.0,
			MinSize:        25,
			MaxSize:        400,
			HighPassRadius: 10,
			Connectivity:   4,
		},
		Matching: Matching{
			Tolerance:     10.0,
			Anchors:       []int{0, 1, 2, 6},
			MaxCandidates: 64,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.Processing.ParallelJobs < 1:
		return fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	case c.Raw.Rows <= 0 || c.Raw.Cols <= 0 || c.Raw.Channels <= 0:
		return fmt.Errorf("raw geometry must be positive, got %dx%dx%d", c.Raw.Rows, c.Raw.Cols, c.Raw.Channels)
	case c.Detection.Sigma <= 0:
		return fmt.Errorf("detection.sigma must be positive, got %v", c.Detection.Sigma)
	case c.Detection.MinSize < 0 || c.Detection.MaxSize <= c.Detection.MinSize+1:
		return fmt.Errorf("detection size window (%d, %d) is empty", c.Detection.MinSize, c.Detection.MaxSize)
	case c.Detection.Connectivity != 4 && c.Detection.Connectivity != 8:
		return fmt.Errorf("detection.connectivity must be 4 or 8, got %d", c.Detection.Connectivity)
	case c.Matching.Tolerance <= 0:
		return fmt.Errorf("matching.tolerance must be positive, got %v", c.Matching.Tolerance)
	case len(c.Matching.Anchors) < 3:
		return fmt.Errorf("matching.anchors needs at least 3 entries, got %d", len(c.Matching.Anchors))
	case c.Matching.MaxCandidates < 0:
		return fmt.Errorf("matching.max_candidates must be >= 0, got %d", c.Matching.MaxCandidates)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
