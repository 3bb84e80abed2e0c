package solver

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func rotationError(a, b *r3.Mat) float64 {
	q := rotationToQuat(mul(a, b.T()))
	return 2 * math.Atan2(math.Sqrt(q.Imag*q.Imag+q.Jmag*q.Jmag+q.Kmag*q.Kmag), math.Abs(q.Real))
}

func TestRodrigues(t *testing.T) {
	r := rodrigues(r3.Vec{Z: math.Pi / 2})
	got := r.MulVec(r3.Vec{X: 1})
	assert.InDelta(t, 0, got.X, 1e-12)
	assert.InDelta(t, 1, got.Y, 1e-12)
	assert.InDelta(t, 1, r.Det(), 1e-12)

	tiny := rodrigues(r3.Vec{X: 1e-14})
	assert.Equal(t, 1.0, tiny.At(0, 0))
	assert.InDelta(t, -1e-14, tiny.At(1, 2), 1e-20)

	q := rotationToQuat(rodrigues(r3.Vec{X: 0.3, Y: -0.2, Z: 0.1}))
	assert.InDelta(t, math.Cos(0.5*math.Sqrt(0.14)), q.Real, 1e-12)
	assert.InDelta(t, 0, rotationError(r, r), 1e-12)
}

func TestEssentialFromPoseSatisfiesEpipolarConstraint(t *testing.T) {
	r := rodrigues(r3.Vec{X: 0.05, Y: -0.1, Z: 0.02})
	tr := r3.Unit(r3.Vec{X: 0.8, Y: 0.1, Z: -0.2})
	e := essentialFromPose(r, tr)
	x := r3.Vec{X: 0.4, Y: -0.3, Z: 5}
	y := r3.Add(r.MulVec(x), tr)
	x1 := [2]float64{x.X / x.Z, x.Y / x.Z}
	x2 := [2]float64{y.X / y.Z, y.Y / y.Z}
	assert.InDelta(t, 0, sampsonError(e, x1, x2), 1e-20)

	d1, d2 := pointDepths(r, tr, x1, x2)
	assert.InDelta(t, x.Z, d1, 1e-9)
	assert.InDelta(t, y.Z, d2, 1e-9)
}

// Starting about a degree away from the true pose, refinement must land on it.
func TestRefineConvergesFromPerturbedPose(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	truthR := rodrigues(r3.Vec{X: 0.01, Y: -0.08, Z: 0.02})
	truthT := r3.Unit(r3.Vec{X: 1, Y: 0.1, Z: 0.05})

	var x1, x2 [][2]float64
	for len(x1) < 60 {
		x := r3.Vec{X: rng.Float64()*6 - 3, Y: rng.Float64()*4 - 2, Z: 6 + rng.Float64()*6}
		y := r3.Add(truthR.MulVec(x), truthT)
		x1 = append(x1, [2]float64{x.X / x.Z, x.Y / x.Z})
		x2 = append(x2, [2]float64{y.X / y.Z, y.Y / y.Z})
	}
	mask := make([]bool, len(x1))
	for i := range mask {
		mask[i] = true
	}

	r0 := mul(rodrigues(r3.Vec{X: 0.01, Y: 0.01, Z: -0.005}), truthR)
	t0 := r3.Unit(r3.Add(truthT, r3.Vec{Y: 0.05, Z: -0.04}))
	require.Greater(t, rotationError(r0, truthR), 0.01)

	r, tr, ok := refine(context.Background(), r0, t0, x1, x2, mask, 1.0/500, DefaultBundleOptions())
	require.True(t, ok, "refinement made no progress")
	assert.Less(t, rotationError(r, truthR), 1e-4)
	assert.Greater(t, r3.Dot(tr, truthT), 1-1e-6)

	_, _, ok = refine(context.Background(), r0, t0, x1, x2, mask, 1.0/500, BundleOptions{})
	assert.False(t, ok, "zero iterations must leave the pose untouched")
}
