// Package posefmt converts poses and cameras between the scene representation
// and the representation consumed by the relative pose solver.
package posefmt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"relpose/internal/scene"
	"relpose/internal/solver"
)

// ErrUnsupportedCameraModel is returned when a scene camera has no exact
// solver representation.
var ErrUnsupportedCameraModel = errors.New("unsupported camera model")

// QuatFromSolver reorders solver coefficients (w, x, y, z) into scene order
// (x, y, z, w).
func QuatFromSolver(q [4]float64) scene.Quaternion {
	var out scene.Quaternion
	for i := 0; i < 4; i++ {
		out[i] = q[(i+1)%4]
	}
	return out
}

// QuatToSolver is the inverse of QuatFromSolver.
func QuatToSolver(q scene.Quaternion) [4]float64 {
	var out [4]float64
	for i := 0; i < 4; i++ {
		out[(i+1)%4] = q[i]
	}
	return out
}

// PoseFromEstimate converts a solver estimate into a scene pose.
func PoseFromEstimate(est solver.Estimate) scene.Rigid3 {
	return scene.Rigid3{Rotation: QuatFromSolver(est.Q), Translation: est.T}
}

// CameraFromScene builds the solver descriptor for c. Every parameter of the
// scene model is carried over; models that cannot be expressed exactly fail
// with ErrUnsupportedCameraModel.
func CameraFromScene(c scene.Camera) (solver.Camera, error) {
	if err := c.Validate(); err != nil {
		return solver.Camera{}, err
	}
	p := c.Params
	out := solver.Camera{Width: c.Width, Height: c.Height}
	switch c.Model {
	case scene.ModelSimplePinhole:
		out.Model = solver.ModelPinhole
		out.Focal = [2]float64{p[0], p[0]}
		out.Principal = [2]float64{p[1], p[2]}
	case scene.ModelPinhole:
		out.Model = solver.ModelPinhole
		out.Focal = [2]float64{p[0], p[1]}
		out.Principal = [2]float64{p[2], p[3]}
	case scene.ModelSimpleRadial:
		out.Model = solver.ModelRadial
		out.Focal = [2]float64{p[0], p[0]}
		out.Principal = [2]float64{p[1], p[2]}
		out.Distortion = []float64{p[3], 0}
	case scene.ModelRadial:
		out.Model = solver.ModelRadial
		out.Focal = [2]float64{p[0], p[0]}
		out.Principal = [2]float64{p[1], p[2]}
		out.Distortion = []float64{p[3], p[4]}
	case scene.ModelOpenCV:
		out.Model = solver.ModelOpenCV
		out.Focal = [2]float64{p[0], p[1]}
		out.Principal = [2]float64{p[2], p[3]}
		out.Distortion = []float64{p[4], p[5], p[6], p[7]}
	case scene.ModelOpenCVFisheye:
		out.Model = solver.ModelFisheye
		out.Focal = [2]float64{p[0], p[1]}
		out.Principal = [2]float64{p[2], p[3]}
		out.Distortion = []float64{p[4], p[5], p[6], p[7]}
	case scene.ModelSimpleRadialFisheye:
		out.Model = solver.ModelFisheye
		out.Focal = [2]float64{p[0], p[0]}
		out.Principal = [2]float64{p[1], p[2]}
		out.Distortion = []float64{p[3], 0, 0, 0}
	case scene.ModelRadialFisheye:
		out.Model = solver.ModelFisheye
		out.Focal = [2]float64{p[0], p[0]}
		out.Principal = [2]float64{p[1], p[2]}
		out.Distortion = []float64{p[3], p[4], 0, 0}
	default:
		return solver.Camera{}, fmt.Errorf("camera %d (%s): %w", c.ID, c.Model, ErrUnsupportedCameraModel)
	}
	return out, nil
}

func toQuat(q scene.Quaternion) quat.Number {
	return quat.Number{Real: q[3], Imag: q[0], Jmag: q[1], Kmag: q[2]}
}

// RotationMatrix returns the 3x3 rotation matrix for a unit quaternion.
func RotationMatrix(q scene.Quaternion) *mat.Dense {
	n := toQuat(q)
	n = quat.Scale(1/quat.Abs(n), n)
	conj := quat.Conj(n)
	m := mat.NewDense(3, 3, nil)
	basis := []quat.Number{{Imag: 1}, {Jmag: 1}, {Kmag: 1}}
	for col, e := range basis {
		r := quat.Mul(quat.Mul(n, e), conj)
		m.Set(0, col, r.Imag)
		m.Set(1, col, r.Jmag)
		m.Set(2, col, r.Kmag)
	}
	return m
}

// Inverse returns cam1_from_cam2 for a cam2_from_cam1 pose.
func Inverse(p scene.Rigid3) scene.Rigid3 {
	n := toQuat(p.Rotation)
	conj := quat.Conj(n)
	t := quat.Number{Imag: p.Translation[0], Jmag: p.Translation[1], Kmag: p.Translation[2]}
	rt := quat.Mul(quat.Mul(conj, t), n)
	return scene.Rigid3{
		Rotation:    scene.Quaternion{conj.Imag, conj.Jmag, conj.Kmag, conj.Real},
		Translation: [3]float64{-rt.Imag, -rt.Jmag, -rt.Kmag},
	}
}

// AngularDistance is the rotation angle between two quaternions, in radians.
func AngularDistance(a, b scene.Quaternion) float64 {
	qa, qb := toQuat(a), toQuat(b)
	qa = quat.Scale(1/quat.Abs(qa), qa)
	qb = quat.Scale(1/quat.Abs(qb), qb)
	d := quat.Mul(quat.Conj(qa), qb)
	v := math.Sqrt(d.Imag*d.Imag + d.Jmag*d.Jmag + d.Kmag*d.Kmag)
	return 2 * math.Atan2(v, math.Abs(d.Real))
}
