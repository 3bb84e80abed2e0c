package relpose

import (
	"fmt"
	"log/slog"
	"time"

	"relpose/internal/pipeline"
	"relpose/internal/solver"
)

// Mode selects how pair poses are obtained.
type Mode string

const (
	// ModeEstimate runs the relative pose solver on every valid pair.
	ModeEstimate Mode = "estimate"
	// ModeLoad copies previously persisted geometries.
	ModeLoad Mode = "load"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEstimate, ModeLoad:
		return Mode(s), nil
	case "":
		return ModeEstimate, nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeEstimate, ModeLoad)
}

// Options configures a run.
type Options struct {
	Mode Mode

	// Workers caps the pool size; < 1 uses every CPU. Load runs always use a
	// single worker.
	Workers int
	// Chunks is the number of sequential progress chunks, pipeline.DefaultChunks
	// when < 1.
	Chunks int

	Ransac solver.RansacOptions
	Bundle solver.BundleOptions

	// JobTimeout bounds a single solver call. Zero disables the deadline.
	JobTimeout time.Duration

	// Solver overrides the built-in essential matrix solver.
	Solver solver.Solver

	// RunID identifies the run in logs; a random id is used when empty.
	RunID    string
	Progress pipeline.Reporter
	Log      *slog.Logger
}

// DefaultOptions returns estimate-mode options with the default solver
// parameters.
func DefaultOptions() Options {
	return Options{
		Mode:   ModeEstimate,
		Chunks: pipeline.DefaultChunks,
		Ransac: solver.DefaultRansacOptions(),
		Bundle: solver.DefaultBundleOptions(),
	}
}
