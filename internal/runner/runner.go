// Package runner drives a complete relative pose run against a scene
// database: load the scene, resolve every pair, optionally persist and export
// the result, and keep the run record up to date.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relpose/internal/config"
	"relpose/internal/export"
	"relpose/internal/pipeline"
	"relpose/internal/relpose"
	"relpose/internal/scene"
	"relpose/internal/solver"
	"relpose/internal/storage"
)

// Request describes one run.
type Request struct {
	RunID string
	// Mode overrides the configured estimation mode when set.
	Mode relpose.Mode
	// Save writes estimated geometries back to the database so a later load
	// run can reuse them.
	Save         bool
	ExportPath   string
	ExportFormat export.Format
	Progress     pipeline.Reporter
}

// Runner executes requests against Store with settings from Config.
type Runner struct {
	Store  *storage.Store
	Config *config.Config
	Log    *slog.Logger
	// Solver overrides the built-in solver in estimate mode.
	Solver solver.Solver
}

// Options derives orchestrator options from the configuration and req.
func (r *Runner) Options(req Request) (relpose.Options, error) {
	cfg := r.Config
	if cfg == nil {
		cfg = config.Default()
	}
	modeName := string(req.Mode)
	if modeName == "" {
		modeName = cfg.Estimation.Mode
	}
	mode, err := relpose.ParseMode(modeName)
	if err != nil {
		return relpose.Options{}, err
	}
	return relpose.Options{
		Mode:       mode,
		Workers:    cfg.Processing.Workers,
		Chunks:     cfg.Processing.Chunks,
		Ransac:     cfg.Estimation.Ransac,
		Bundle:     cfg.Estimation.Bundle,
		JobTimeout: time.Duration(cfg.Processing.JobTimeout),
		Solver:     r.Solver,
		RunID:      req.RunID,
		Progress:   req.Progress,
		Log:        r.logger(),
	}, nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// Run executes req and returns the run summary.
func (r *Runner) Run(ctx context.Context, req Request) (relpose.Summary, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	opts, err := r.Options(req)
	if err != nil {
		return relpose.Summary{}, err
	}

	sc, err := r.Store.LoadScene(ctx)
	if err != nil {
		return relpose.Summary{}, fmt.Errorf("load scene: %w", err)
	}

	optionsJSON, _ := json.Marshal(map[string]any{
		"ransac":      opts.Ransac,
		"bundle":      opts.Bundle,
		"job_timeout": opts.JobTimeout.String(),
		"save":        req.Save,
	})
	if err := r.Store.RecordRunQueued(storage.RunRecord{
		ID:          req.RunID,
		Mode:        string(opts.Mode),
		Pairs:       sc.Graph.NumValid(),
		Workers:     opts.Workers,
		Chunks:      opts.Chunks,
		OptionsJSON: string(optionsJSON),
	}); err != nil {
		r.logger().Warn("failed to record run", "id", req.RunID, "error", err)
	}
	if err := r.Store.RecordRunStart(req.RunID); err != nil {
		r.logger().Warn("failed to record run start", "id", req.RunID, "error", err)
	}

	summary, err := r.execute(ctx, req, opts, sc)
	status, msg := storage.StatusCompleted, ""
	if err != nil {
		status, msg = storage.StatusFailed, err.Error()
	}
	if recErr := r.Store.RecordRunResult(req.RunID, status, summary.Stats.Workers, summary.Map(), msg); recErr != nil {
		r.logger().Warn("failed to record run result", "id", req.RunID, "error", recErr)
	}
	return summary, err
}

func (r *Runner) execute(ctx context.Context, req Request, opts relpose.Options, sc *storage.Scene) (relpose.Summary, error) {
	e, err := relpose.NewFromOptions(opts, r.Store)
	if err != nil {
		return relpose.Summary{RunID: req.RunID, Mode: opts.Mode}, err
	}
	summary, err := e.Run(ctx, sc.Graph, sc.Cameras, sc.Images)
	if err != nil {
		return summary, err
	}

	if req.Save && opts.Mode == relpose.ModeEstimate {
		geoms := Geometries(sc.Graph)
		if err := r.Store.WriteTwoViewGeometries(ctx, geoms); err != nil {
			return summary, fmt.Errorf("save geometries: %w", err)
		}
		r.logger().Info("saved two-view geometries", "count", len(geoms))
	}

	if req.ExportPath != "" {
		format := req.ExportFormat
		if format == "" {
			if format, err = export.ParseFormat("", req.ExportPath); err != nil {
				return summary, err
			}
		}
		if err := export.Write(req.ExportPath, format, export.Build(sc.Graph, summary)); err != nil {
			return summary, fmt.Errorf("export: %w", err)
		}
		r.logger().Info("exported report", "path", req.ExportPath, "format", string(format))
	}
	return summary, nil
}

// Geometries lists the valid posed pairs of vg with their inlier
// correspondences, ordered by pair id.
func Geometries(vg *scene.ViewGraph) []storage.Geometry {
	var out []storage.Geometry
	for _, id := range vg.ValidPairIDs() {
		p := vg.Pair(id)
		if !p.HasPose {
			continue
		}
		g := storage.Geometry{ImageID1: p.ImageID1, ImageID2: p.ImageID2, Pose: p.Pose}
		for i, m := range p.Matches {
			if i < len(p.Inliers) && p.Inliers[i] {
				g.Inliers = append(g.Inliers, m)
			}
		}
		out = append(out, g)
	}
	return out
}
