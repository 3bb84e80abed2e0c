package solver

import (
	"fmt"
	"math"
)

const (
	undistortIterations = 100
	undistortEpsilon    = 1e-12
)

// Validate checks that the distortion slice fits the model.
func (c Camera) Validate() error {
	if c.Focal[0] <= 0 || c.Focal[1] <= 0 {
		return fmt.Errorf("camera focal length must be positive, got %v", c.Focal)
	}
	want := 0
	switch c.Model {
	case ModelPinhole:
	case ModelRadial:
		want = 2
	case ModelOpenCV, ModelFisheye:
		want = 4
	default:
		return fmt.Errorf("camera model %q not supported by solver", c.Model)
	}
	if len(c.Distortion) != want {
		return fmt.Errorf("camera model %s expects %d distortion coefficients, got %d", c.Model, want, len(c.Distortion))
	}
	return nil
}

// MeanFocal converts pixel thresholds to normalized image units.
func (c Camera) MeanFocal() float64 {
	return 0.5 * (c.Focal[0] + c.Focal[1])
}

// Unproject maps a pixel to undistorted normalized image coordinates, so that
// (x, y, 1) is the viewing ray.
func (c Camera) Unproject(p [2]float64) [2]float64 {
	xd := (p[0] - c.Principal[0]) / c.Focal[0]
	yd := (p[1] - c.Principal[1]) / c.Focal[1]
	switch c.Model {
	case ModelRadial, ModelOpenCV:
		return c.undistortIterative(xd, yd)
	case ModelFisheye:
		return c.undistortFisheye(xd, yd)
	default:
		return [2]float64{xd, yd}
	}
}

// Project maps normalized coordinates back to pixels.
func (c Camera) Project(x [2]float64) [2]float64 {
	d := c.distort(x[0], x[1])
	return [2]float64{
		c.Focal[0]*d[0] + c.Principal[0],
		c.Focal[1]*d[1] + c.Principal[1],
	}
}

func (c Camera) distort(u, v float64) [2]float64 {
	switch c.Model {
	case ModelRadial, ModelOpenCV:
		du, dv := c.delta(u, v)
		return [2]float64{u + du, v + dv}
	case ModelFisheye:
		r := math.Hypot(u, v)
		if r < undistortEpsilon {
			return [2]float64{u, v}
		}
		theta := math.Atan(r)
		td := c.fisheyeTheta(theta)
		return [2]float64{u * td / r, v * td / r}
	default:
		return [2]float64{u, v}
	}
}

func (c Camera) delta(u, v float64) (float64, float64) {
	k1, k2 := c.Distortion[0], c.Distortion[1]
	r2 := u*u + v*v
	radial := k1*r2 + k2*r2*r2
	du, dv := u*radial, v*radial
	if c.Model == ModelOpenCV {
		p1, p2 := c.Distortion[2], c.Distortion[3]
		uv := u * v
		du += 2*p1*uv + p2*(r2+2*u*u)
		dv += 2*p2*uv + p1*(r2+2*v*v)
	}
	return du, dv
}

func (c Camera) undistortIterative(xd, yd float64) [2]float64 {
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		du, dv := c.delta(x, y)
		nx, ny := xd-du, yd-dv
		if math.Abs(nx-x) < undistortEpsilon && math.Abs(ny-y) < undistortEpsilon {
			return [2]float64{nx, ny}
		}
		x, y = nx, ny
	}
	return [2]float64{x, y}
}

func (c Camera) fisheyeTheta(theta float64) float64 {
	t2 := theta * theta
	k := c.Distortion
	return theta * (1 + t2*(k[0]+t2*(k[1]+t2*(k[2]+t2*k[3]))))
}

func (c Camera) undistortFisheye(xd, yd float64) [2]float64 {
	td := math.Hypot(xd, yd)
	if td < undistortEpsilon {
		return [2]float64{xd, yd}
	}
	// Newton on theta_d(theta) = td.
	theta := td
	k := c.Distortion
	for i := 0; i < undistortIterations; i++ {
		t2 := theta * theta
		f := c.fisheyeTheta(theta) - td
		df := 1 + t2*(3*k[0]+t2*(5*k[1]+t2*(7*k[2]+t2*9*k[3])))
		if df == 0 {
			break
		}
		step := f / df
		theta -= step
		if math.Abs(step) < undistortEpsilon {
			break
		}
	}
	r := math.Tan(theta)
	return [2]float64{xd * r / td, yd * r / td}
}
