package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func mul(a, b mat.Matrix) *r3.Mat {
	m := r3.NewMat(nil)
	m.Mul(a, b)
	return m
}

func fromDense(d mat.Matrix) *r3.Mat {
	m := r3.NewMat(nil)
	m.CloneFrom(d)
	return m
}

func skew(v r3.Vec) *r3.Mat {
	m := r3.NewMat(nil)
	m.Skew(v)
	return m
}

func essentialFromPose(r *r3.Mat, t r3.Vec) *r3.Mat {
	return mul(skew(t), r)
}

// rodrigues returns exp([w]x).
func rodrigues(w r3.Vec) *r3.Mat {
	theta := r3.Norm(w)
	if theta < 1e-12 {
		m := skew(w)
		m.Add(m, r3.Eye())
		return m
	}
	return r3.NewRotation(theta, w).Mat()
}

// rotationToQuat converts a rotation matrix to a unit quaternion.
func rotationToQuat(r *r3.Mat) quat.Number {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)
	tr := m00 + m11 + m22
	var q quat.Number
	switch {
	case tr > 0:
		s := 0.5 / math.Sqrt(tr+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	q = quat.Scale(1/quat.Abs(q), q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// sampsonError is the squared first-order geometric error of a correspondence
// under essential matrix e.
func sampsonError(e *r3.Mat, x1, x2 [2]float64) float64 {
	h1 := r3.Vec{X: x1[0], Y: x1[1], Z: 1}
	h2 := r3.Vec{X: x2[0], Y: x2[1], Z: 1}
	ex1 := e.MulVec(h1)
	etx2 := e.MulVecTrans(h2)
	c := r3.Dot(h2, ex1)
	den := ex1.X*ex1.X + ex1.Y*ex1.Y + etx2.X*etx2.X + etx2.Y*etx2.Y
	if den < 1e-300 {
		return math.Inf(1)
	}
	return c * c / den
}

// pointDepths solves d2*x2 = d1*R*x1 + t in the least squares sense.
func pointDepths(r *r3.Mat, t r3.Vec, x1, x2 [2]float64) (float64, float64) {
	a := r.MulVec(r3.Vec{X: x1[0], Y: x1[1], Z: 1})
	b := r3.Vec{X: x2[0], Y: x2[1], Z: 1}
	// [a -b][d1 d2]^T = -t
	aa, ab, bb := r3.Dot(a, a), r3.Dot(a, b), r3.Dot(b, b)
	at, bt := r3.Dot(a, t), r3.Dot(b, t)
	det := aa*bb - ab*ab
	if math.Abs(det) < 1e-15 {
		return 0, 0
	}
	d1 := (-at*bb + ab*bt) / det
	d2 := (aa*bt - ab*at) / det
	return d1, d2
}
