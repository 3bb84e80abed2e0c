package runner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relpose/internal/config"
	"relpose/internal/logging"
	"relpose/internal/posefmt"
	"relpose/internal/relpose"
	"relpose/internal/scene"
	"relpose/internal/storage"
	"relpose/internal/synthetic"
)

func setup(t *testing.T, opts synthetic.Options) (*Runner, *synthetic.Scene) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "scene.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sc := synthetic.Generate(opts)
	require.NoError(t, sc.Populate(context.Background(), store))

	cfg := config.Default()
	cfg.Processing.Workers = 4
	cfg.Estimation.Ransac.MaxIterations = 2000
	cfg.Estimation.Ransac.Seed = 5
	return &Runner{Store: store, Config: cfg, Log: logging.Discard()}, sc
}

func direction(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

func TestEstimateSaveThenLoad(t *testing.T) {
	ctx := context.Background()
	r, sc := setup(t, synthetic.DefaultOptions())
	exportPath := filepath.Join(t.TempDir(), "report.yaml")

	summary, err := r.Run(ctx, Request{RunID: "est", Save: true, ExportPath: exportPath})
	require.NoError(t, err)
	assert.Equal(t, relpose.ModeEstimate, summary.Mode)
	assert.Equal(t, len(sc.Pairs), summary.Estimated)
	assert.Zero(t, summary.Invalidated)

	for _, p := range sc.Pairs {
		got, err := r.Store.ReadTwoViewGeometry(ctx, p.ImageID1, p.ImageID2)
		require.NoError(t, err)
		truth := sc.Truth[p.ID()]
		assert.Less(t, posefmt.AngularDistance(truth.Rotation, got.Rotation), 0.01, "pair %d-%d", p.ImageID1, p.ImageID2)
		want, have := direction(truth.Translation), direction(got.Translation)
		assert.Greater(t, want[0]*have[0]+want[1]*have[1]+want[2]*have[2], 0.99)
	}

	_, err = os.Stat(exportPath)
	require.NoError(t, err)

	loaded, err := r.Run(ctx, Request{RunID: "load", Mode: relpose.ModeLoad})
	require.NoError(t, err)
	assert.Equal(t, len(sc.Pairs), loaded.Loaded)
	assert.Equal(t, 1, loaded.Stats.Workers)

	runs, err := r.Store.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, storage.StatusCompleted, run.Status)
	}
	rec, err := r.Store.Run("est")
	require.NoError(t, err)
	assert.Equal(t, len(sc.Pairs), rec.Pairs)
	assert.Equal(t, summary.Stats.Workers, rec.Workers)
	assert.LessOrEqual(t, rec.Workers, runtime.NumCPU())
	rec, err = r.Store.Run("load")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Workers)
}

func TestLoadWithoutSavedGeometriesInvalidates(t *testing.T) {
	r, sc := setup(t, synthetic.Options{Images: 3, Points: 20, Window: 1, Seed: 2})
	summary, err := r.Run(context.Background(), Request{Mode: relpose.ModeLoad})
	require.NoError(t, err)
	assert.Equal(t, len(sc.Pairs), summary.Invalidated)
	assert.Zero(t, summary.Loaded)
}

func TestUnsupportedCameraPairsAreInvalidated(t *testing.T) {
	opts := synthetic.DefaultOptions()
	opts.UnsupportedCamera = true
	r, sc := setup(t, opts)

	summary, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)

	last := scene.ImageID(len(sc.Images))
	touching := 0
	for _, p := range sc.Pairs {
		if p.ImageID1 == last || p.ImageID2 == last {
			touching++
		}
	}
	require.NotZero(t, touching)
	assert.Equal(t, touching, summary.Invalidated)
	assert.Equal(t, len(sc.Pairs)-touching, summary.Estimated)
}

func TestOptionsFollowConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Chunks = 4
	cfg.Estimation.Mode = config.ModeLoad
	r := &Runner{Config: cfg}

	opts, err := r.Options(Request{RunID: "x"})
	require.NoError(t, err)
	assert.Equal(t, relpose.ModeLoad, opts.Mode)
	assert.Equal(t, 4, opts.Chunks)

	opts, err = r.Options(Request{Mode: relpose.ModeEstimate})
	require.NoError(t, err)
	assert.Equal(t, relpose.ModeEstimate, opts.Mode)

	_, err = r.Options(Request{Mode: "bogus"})
	assert.Error(t, err)
}

func TestGeometriesKeepsInliersOnly(t *testing.T) {
	vg := scene.NewViewGraph()
	p := scene.NewImagePair(1, 2, []scene.Match{{Feature1: 0, Feature2: 0}, {Feature1: 1, Feature2: 3}, {Feature1: 2, Feature2: 2}})
	p.SetPose(scene.Rigid3{Rotation: scene.IdentityQuaternion})
	p.Inliers = []bool{true, false, true}
	require.NoError(t, vg.AddPair(p))
	dropped := scene.NewImagePair(2, 3, nil)
	dropped.Invalidate()
	require.NoError(t, vg.AddPair(dropped))

	gs := Geometries(vg)
	require.Len(t, gs, 1)
	assert.Equal(t, []scene.Match{{Feature1: 0, Feature2: 0}, {Feature1: 2, Feature2: 2}}, gs[0].Inliers)
}
