package relpose

import (
	"context"
	"fmt"
	"time"

	"relpose/internal/posefmt"
	"relpose/internal/scene"
	"relpose/internal/solver"
	"relpose/internal/storage"
)

// PairInput is the read-only view of one pair handed to a PoseSource.
type PairInput struct {
	Pair    *scene.ImagePair
	Camera1 scene.Camera
	Camera2 scene.Camera
}

// PoseSource produces the cam2_from_cam1 pose of a pair. It is chosen once
// per run. Any error leaves the pair to be invalidated by the caller.
type PoseSource interface {
	Mode() Mode
	// Serial reports whether the source must be driven by a single worker.
	Serial() bool
	// Resolve returns the pose and, when the source computes one, the inlier
	// mask aligned with the pair's correspondences. The correspondence points
	// are already assembled in scratch.
	Resolve(ctx context.Context, in PairInput, scratch *Scratch) (scene.Rigid3, []bool, error)
}

// EstimateSource runs a robust solver on the pair's correspondences.
type EstimateSource struct {
	Solver  solver.Solver
	Ransac  solver.RansacOptions
	Bundle  solver.BundleOptions
	Timeout time.Duration
}

func (s *EstimateSource) Mode() Mode   { return ModeEstimate }
func (s *EstimateSource) Serial() bool { return false }

func (s *EstimateSource) Resolve(ctx context.Context, in PairInput, scratch *Scratch) (scene.Rigid3, []bool, error) {
	cam1, err := posefmt.CameraFromScene(in.Camera1)
	if err != nil {
		return scene.Rigid3{}, nil, fmt.Errorf("image %d: %w", in.Pair.ImageID1, err)
	}
	cam2, err := posefmt.CameraFromScene(in.Camera2)
	if err != nil {
		return scene.Rigid3{}, nil, fmt.Errorf("image %d: %w", in.Pair.ImageID2, err)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	est, err := s.Solver.EstimateRelativePose(ctx, solver.Problem{
		Points1: scratch.Points1,
		Points2: scratch.Points2,
		Camera1: cam1,
		Camera2: cam2,
		Ransac:  s.Ransac,
		Bundle:  s.Bundle,
	})
	if err != nil {
		return scene.Rigid3{}, nil, err
	}
	if len(est.Inliers) != len(scratch.Inliers) {
		return scene.Rigid3{}, nil, &solver.EstimationError{
			Reason: solver.ReasonMismatchedInput,
			Detail: fmt.Sprintf("inlier mask has %d entries for %d correspondences", len(est.Inliers), len(scratch.Inliers)),
		}
	}
	copy(scratch.Inliers, est.Inliers)
	return posefmt.PoseFromEstimate(est), append([]bool(nil), scratch.Inliers...), nil
}

// LoadSource copies geometries persisted by an earlier run. Reads go through
// a single worker.
type LoadSource struct {
	Store storage.GeometryReader
}

func (s *LoadSource) Mode() Mode   { return ModeLoad }
func (s *LoadSource) Serial() bool { return true }

func (s *LoadSource) Resolve(ctx context.Context, in PairInput, _ *Scratch) (scene.Rigid3, []bool, error) {
	pose, err := s.Store.ReadTwoViewGeometry(ctx, in.Pair.ImageID1, in.Pair.ImageID2)
	if err != nil {
		return scene.Rigid3{}, nil, err
	}
	return pose, nil, nil
}
