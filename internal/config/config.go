package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"relpose/internal/fsutil"
	"relpose/internal/solver"
)

const (
	defaultConfigPath = "~/.config/relpose/config.json"
	localConfigPath   = "relpose.json"
	defaultChunks     = 10
)

// Estimation modes.
const (
	ModeEstimate = "estimate"
	ModeLoad     = "load"
)

// Config holds user-editable settings for relative pose runs.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Estimation Estimation `json:"estimation"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers    int      `json:"workers"` // 0 = all CPUs
	Chunks     int      `json:"chunks"`
	JobTimeout Duration `json:"job_timeout"` // 0 = no deadline
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
	DatabasePath string `json:"database_path"`
	ExportPath   string `json:"export_path"`
}

// Estimation selects the pose source and solver parameters.
type Estimation struct {
	Mode   string               `json:"mode"` // estimate, load
	Ransac solver.RansacOptions `json:"ransac"`
	Bundle solver.BundleOptions `json:"bundle"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Duration is a time.Duration that reads and writes as a string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or seconds: %s", string(b))
		}
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Path returns the config file location honouring RELPOSE_CONFIG. Without it a
// relpose.json in the working directory wins over the per-user file.
func Path() string {
	if p := os.Getenv("RELPOSE_CONFIG"); p != "" {
		return p
	}
	if p := fsutil.FirstExisting(localConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := fsutil.ExpandUser(path)
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects settings no run can honour.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Estimation.Mode) {
	case ModeEstimate, ModeLoad:
	default:
		return fmt.Errorf("estimation.mode must be %q or %q, got %q", ModeEstimate, ModeLoad, c.Estimation.Mode)
	}
	if c.Processing.Chunks < 1 {
		return fmt.Errorf("processing.chunks must be positive, got %d", c.Processing.Chunks)
	}
	if c.Processing.Workers < 0 {
		return fmt.Errorf("processing.workers must not be negative, got %d", c.Processing.Workers)
	}
	if c.Processing.JobTimeout < 0 {
		return fmt.Errorf("processing.job_timeout must not be negative")
	}
	if c.Estimation.Ransac.MaxIterations < 1 {
		return fmt.Errorf("estimation.ransac.max_iterations must be positive")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			Workers: 0,
			Chunks:  defaultChunks,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: "database.db",
		},
		Estimation: Estimation{
			Mode:   ModeEstimate,
			Ransac: solver.DefaultRansacOptions(),
			Bundle: solver.DefaultBundleOptions(),
		},
		Server: Server{Addr: ":8080"},
	}
}
