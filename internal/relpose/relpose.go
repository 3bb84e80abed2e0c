// Package relpose resolves the relative pose of every valid pair of a view
// graph, either by estimating it from correspondences or by loading a
// persisted geometry.
package relpose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relpose/internal/logging"
	"relpose/internal/pipeline"
	"relpose/internal/posefmt"
	"relpose/internal/scene"
	"relpose/internal/solver"
	"relpose/internal/storage"
)

var (
	// ErrMissingImage is a fatal run error: a valid pair references an image
	// that is not registered.
	ErrMissingImage = errors.New("image not registered")
	// ErrMissingCamera is a fatal run error: an image references a camera
	// that is not registered.
	ErrMissingCamera = errors.New("camera not registered")
	// ErrNoStore is returned when a load run is requested without a store.
	ErrNoStore = errors.New("load mode requires a geometry store")
)

// Summary describes the outcome of a run.
type Summary struct {
	RunID       string
	Mode        Mode
	Pairs       int
	Estimated   int
	Loaded      int
	Invalidated int
	Skipped     int
	Stats       pipeline.Stats
	Duration    time.Duration
}

// Map flattens the summary for logs and run records.
func (s Summary) Map() map[string]any {
	return map[string]any{
		"mode":        string(s.Mode),
		"pairs":       s.Pairs,
		"estimated":   s.Estimated,
		"loaded":      s.Loaded,
		"invalidated": s.Invalidated,
		"skipped":     s.Skipped,
		"workers":     s.Stats.Workers,
		"chunks":      s.Stats.Chunks,
		"failed":      s.Stats.Failed,
	}
}

// Estimator runs a PoseSource over a view graph.
type Estimator struct {
	source PoseSource
	opts   Options
}

// New returns an Estimator driving source.
func New(source PoseSource, opts Options) *Estimator {
	return &Estimator{source: source, opts: opts}
}

// NewFromOptions picks the pose source for opts.Mode. store is only consulted
// in load mode.
func NewFromOptions(opts Options, store storage.GeometryReader) (*Estimator, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeLoad:
		if store == nil {
			return nil, ErrNoStore
		}
		return New(&LoadSource{Store: store}, opts), nil
	default:
		sv := opts.Solver
		if sv == nil {
			sv = solver.NewEssential()
		}
		return New(&EstimateSource{Solver: sv, Ransac: opts.Ransac, Bundle: opts.Bundle, Timeout: opts.JobTimeout}, opts), nil
	}
}

// EstimatePoses resolves every valid pair of vg in place and returns vg.
// Pair-level failures invalidate the pair and never fail the call; an error is
// returned only for corrupted input, a pool that cannot be started, or
// cancellation of ctx.
func EstimatePoses(ctx context.Context, vg *scene.ViewGraph, cameras map[scene.CameraID]scene.Camera,
	images map[scene.ImageID]*scene.Image, store storage.GeometryReader, opts Options) (*scene.ViewGraph, error) {
	e, err := NewFromOptions(opts, store)
	if err != nil {
		return vg, err
	}
	_, err = e.Run(ctx, vg, cameras, images)
	return vg, err
}

type counters struct {
	resolved    atomic.Int64
	invalidated atomic.Int64
	skipped     atomic.Int64
}

// job carries one pair and read-only handles to the registries.
type job struct {
	pair    *scene.ImagePair
	cameras map[scene.CameraID]scene.Camera
	images  map[scene.ImageID]*scene.Image
}

// Run resolves every valid pair of vg.
func (e *Estimator) Run(ctx context.Context, vg *scene.ViewGraph, cameras map[scene.CameraID]scene.Camera,
	images map[scene.ImageID]*scene.Image) (Summary, error) {
	start := time.Now()
	log := e.opts.Log
	if log == nil {
		log = slog.Default()
	}
	runID := e.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	mode := e.source.Mode()

	sched := &pipeline.Scheduler{
		Chunks:   e.opts.Chunks,
		Workers:  e.opts.Workers,
		Serial:   e.source.Serial(),
		Progress: e.opts.Progress,
		Log:      log,
	}
	slots := newScratchSlots(sched.PoolSize())

	var cnt counters
	ids := vg.ValidPairIDs()
	tasks := make([]pipeline.Task, len(ids))
	for i, id := range ids {
		j := job{pair: vg.Pair(id), cameras: cameras, images: images}
		tasks[i] = func(ctx context.Context, worker int) error {
			return e.resolve(ctx, log, j, slots.slot(worker), &cnt)
		}
	}

	logging.LogRunStart(log, string(mode), runID, len(tasks), sched.PoolSize(), sched.NumChunks())
	stats, err := sched.Run(ctx, tasks)

	summary := Summary{
		RunID:       runID,
		Mode:        mode,
		Pairs:       len(tasks),
		Invalidated: int(cnt.invalidated.Load()),
		Skipped:     int(cnt.skipped.Load()) + stats.Skipped,
		Stats:       stats,
		Duration:    time.Since(start),
	}
	if mode == ModeLoad {
		summary.Loaded = int(cnt.resolved.Load())
	} else {
		summary.Estimated = int(cnt.resolved.Load())
	}

	if err != nil {
		logging.LogRunError(log, string(mode), runID, summary.Duration, err)
		return summary, err
	}
	logging.LogRunComplete(log, string(mode), runID, summary.Duration, summary.Map())
	return summary, nil
}

func (e *Estimator) resolve(ctx context.Context, log *slog.Logger, j job, scratch *Scratch, cnt *counters) error {
	p := j.pair
	if !p.Valid {
		cnt.skipped.Add(1)
		return nil
	}

	img1, img2 := j.images[p.ImageID1], j.images[p.ImageID2]
	if img1 == nil || img2 == nil {
		missing := p.ImageID1
		if img1 != nil {
			missing = p.ImageID2
		}
		return pipeline.Fatal(fmt.Errorf("pair %d: image %d: %w", p.ID(), missing, ErrMissingImage))
	}
	in := PairInput{Pair: p}
	// Load mode never reads intrinsics.
	if e.source.Mode() == ModeEstimate {
		cam1, ok1 := j.cameras[img1.CameraID]
		cam2, ok2 := j.cameras[img2.CameraID]
		if !ok1 || !ok2 {
			missing := img1.CameraID
			if ok1 {
				missing = img2.CameraID
			}
			return pipeline.Fatal(fmt.Errorf("pair %d: camera %d: %w", p.ID(), missing, ErrMissingCamera))
		}
		in.Camera1, in.Camera2 = cam1, cam2
	}
	if err := scene.CheckMatches(p, img1, img2); err != nil {
		return pipeline.Fatal(err)
	}

	scratch.reset(len(p.Matches))
	for i, m := range p.Matches {
		scratch.Points1[i] = img1.Features[m.Feature1]
		scratch.Points2[i] = img2.Features[m.Feature2]
	}

	pose, inliers, err := e.source.Resolve(ctx, in, scratch)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", pipeline.ErrSkipped, ctx.Err())
		}
		if !pairLocal(err) {
			log.Error("pose source error", "pair_id", uint64(p.ID()), "error", err)
		}
		p.Invalidate()
		cnt.invalidated.Add(1)
		logging.LogPairInvalidated(log, uint64(p.ID()), uint32(p.ImageID1), uint32(p.ImageID2), err)
		return nil
	}

	p.SetPose(pose)
	if inliers != nil {
		p.Inliers = inliers
	}
	cnt.resolved.Add(1)
	return nil
}

// pairLocal reports whether err is an expected per-pair outcome rather than
// an infrastructure problem worth an error log.
func pairLocal(err error) bool {
	return solver.IsEstimationFailure(err) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, posefmt.ErrUnsupportedCameraModel)
}
