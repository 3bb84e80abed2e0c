// Package solver defines the robust relative pose estimation capability and a
// built-in essential matrix implementation of it.
package solver

import (
	"context"
	"errors"
	"fmt"
)

// ModelTag names a camera projection understood by the solver.
type ModelTag string

const (
	ModelPinhole ModelTag = "PINHOLE"
	// ModelRadial carries two radial coefficients k1, k2.
	ModelRadial ModelTag = "RADIAL"
	// ModelOpenCV carries k1, k2, p1, p2.
	ModelOpenCV ModelTag = "OPENCV"
	// ModelFisheye carries the equidistant coefficients k1..k4.
	ModelFisheye ModelTag = "OPENCV_FISHEYE"
)

// Camera describes intrinsics in the solver's own layout.
type Camera struct {
	Model      ModelTag
	Width      int
	Height     int
	Focal      [2]float64
	Principal  [2]float64
	Distortion []float64
}

// RansacOptions bounds the robust sampling loop.
type RansacOptions struct {
	MaxIterations    int     `json:"max_iterations"`
	MinIterations    int     `json:"min_iterations"`
	MaxEpipolarError float64 `json:"max_epipolar_error"` // pixels
	SuccessProb      float64 `json:"success_prob"`
	MinInliers       int     `json:"min_inliers"`
	Seed             int64   `json:"seed"`
}

// BundleOptions controls the non-linear refinement on inliers.
type BundleOptions struct {
	MaxIterations     int     `json:"max_iterations"`
	LossScale         float64 `json:"loss_scale"`
	GradientTolerance float64 `json:"gradient_tolerance"`
}

// DefaultRansacOptions mirrors the settings the reconstruction pipeline has
// always used.
func DefaultRansacOptions() RansacOptions {
	return RansacOptions{
		MaxIterations:    50000,
		MinIterations:    100,
		MaxEpipolarError: 1.0,
		SuccessProb:      0.9999,
		MinInliers:       15,
	}
}

// DefaultBundleOptions returns the refinement defaults.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		MaxIterations:     100,
		LossScale:         1.0,
		GradientTolerance: 1e-10,
	}
}

// Problem is one relative pose estimation request. Points1[i] and Points2[i]
// are a correspondence.
type Problem struct {
	Points1 [][2]float64
	Points2 [][2]float64
	Camera1 Camera
	Camera2 Camera
	Ransac  RansacOptions
	Bundle  BundleOptions
}

// Estimate is a successful solve. Q is stored as (w, x, y, z). Inliers is
// aligned with the problem's point order.
type Estimate struct {
	Q       [4]float64
	T       [3]float64
	Inliers []bool
}

// NumInliers counts the set entries of the mask.
func (e Estimate) NumInliers() int {
	n := 0
	for _, in := range e.Inliers {
		if in {
			n++
		}
	}
	return n
}

// Solver estimates cam2_from_cam1 from point correspondences.
type Solver interface {
	EstimateRelativePose(ctx context.Context, p Problem) (Estimate, error)
}

// Reason classifies why no model was returned.
type Reason int

const (
	ReasonTooFewPoints Reason = iota + 1
	ReasonDegenerate
	ReasonInsufficientInliers
	ReasonTimeout
	ReasonMismatchedInput
)

func (r Reason) String() string {
	switch r {
	case ReasonTooFewPoints:
		return "too few points"
	case ReasonDegenerate:
		return "degenerate geometry"
	case ReasonInsufficientInliers:
		return "insufficient inliers"
	case ReasonTimeout:
		return "timeout"
	case ReasonMismatchedInput:
		return "mismatched input"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// EstimationError is returned when the solver cannot produce a valid model.
type EstimationError struct {
	Reason Reason
	Detail string
}

func (e *EstimationError) Error() string {
	if e.Detail == "" {
		return "relative pose estimation failed: " + e.Reason.String()
	}
	return fmt.Sprintf("relative pose estimation failed: %s: %s", e.Reason, e.Detail)
}

// IsEstimationFailure reports whether err is a model-level failure rather than
// an infrastructure error.
func IsEstimationFailure(err error) bool {
	var estErr *EstimationError
	return errors.As(err, &estErr)
}

func fail(r Reason, format string, args ...any) error {
	return &EstimationError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}
