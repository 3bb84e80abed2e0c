package solver

import (
	"context"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	minimalSample   = 8
	ctxCheckEvery   = 64
	maxSampleTries  = 32
	minCheiralRatio = 0.5
)

// Essential estimates relative poses with an 8-point essential matrix inside
// a RANSAC loop followed by a robust non-linear refinement on the inliers.
// It is safe for concurrent use.
type Essential struct{}

// NewEssential returns the built-in solver.
func NewEssential() *Essential { return &Essential{} }

type hypothesis struct {
	e     *r3.Mat
	score float64
	n     int
}

// EstimateRelativePose implements Solver.
func (s *Essential) EstimateRelativePose(ctx context.Context, p Problem) (Estimate, error) {
	n := len(p.Points1)
	if n != len(p.Points2) {
		return Estimate{}, fail(ReasonMismatchedInput, "%d points in image 1, %d in image 2", n, len(p.Points2))
	}
	if err := p.Camera1.Validate(); err != nil {
		return Estimate{}, fail(ReasonMismatchedInput, "camera 1: %v", err)
	}
	if err := p.Camera2.Validate(); err != nil {
		return Estimate{}, fail(ReasonMismatchedInput, "camera 2: %v", err)
	}
	if n < minimalSample {
		return Estimate{}, fail(ReasonTooFewPoints, "%d correspondences", n)
	}

	opts := p.Ransac
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultRansacOptions().MaxIterations
	}
	if opts.MaxEpipolarError <= 0 {
		opts.MaxEpipolarError = DefaultRansacOptions().MaxEpipolarError
	}
	if opts.SuccessProb <= 0 || opts.SuccessProb >= 1 {
		opts.SuccessProb = DefaultRansacOptions().SuccessProb
	}
	minInliers := opts.MinInliers
	if minInliers < minimalSample {
		minInliers = minimalSample
	}

	x1 := make([][2]float64, n)
	x2 := make([][2]float64, n)
	for i := 0; i < n; i++ {
		x1[i] = p.Camera1.Unproject(p.Points1[i])
		x2[i] = p.Camera2.Unproject(p.Points2[i])
	}
	thr := opts.MaxEpipolarError / math.Sqrt(p.Camera1.MeanFocal()*p.Camera2.MeanFocal())
	thr2 := thr * thr

	best, err := ransac(ctx, x1, x2, thr2, opts)
	if err != nil {
		return Estimate{}, err
	}
	if best.n < minInliers {
		return Estimate{}, fail(ReasonInsufficientInliers, "%d of %d correspondences, need %d", best.n, n, minInliers)
	}

	mask := inlierMask(best.e, x1, x2, thr2)
	if e, ok := eightPoint(x1, x2, indicesOf(mask)); ok {
		if score, cnt := scoreModel(e, x1, x2, thr2); cnt >= best.n && score <= best.score {
			best = hypothesis{e: e, score: score, n: cnt}
			mask = inlierMask(e, x1, x2, thr2)
		}
	}

	r, t, ok := decompose(best.e, x1, x2, mask)
	if !ok {
		return Estimate{}, fail(ReasonDegenerate, "no pose candidate places points in front of both cameras")
	}

	if rr, rt, ok := refine(ctx, r, t, x1, x2, mask, thr, p.Bundle); ok {
		refined := inlierMask(essentialFromPose(rr, rt), x1, x2, thr2)
		if countTrue(refined) >= minInliers {
			r, t, mask = rr, rt, refined
		}
	}

	q := rotationToQuat(r)
	t = r3.Unit(t)
	return Estimate{
		Q:       [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		T:       [3]float64{t.X, t.Y, t.Z},
		Inliers: mask,
	}, nil
}

func ransac(ctx context.Context, x1, x2 [][2]float64, thr2 float64, opts RansacOptions) (hypothesis, error) {
	n := len(x1)
	rng := rand.New(rand.NewSource(opts.Seed))
	best := hypothesis{score: math.Inf(1)}
	sample := make([]int, minimalSample)
	limit := opts.MaxIterations

	for iter := 0; iter < limit; iter++ {
		if iter%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return hypothesis{}, fail(ReasonTimeout, "%v after %d iterations", err, iter)
			}
		}
		drawSample(rng, n, sample)
		e, ok := eightPoint(x1, x2, sample)
		if !ok {
			continue
		}
		score, cnt := scoreModel(e, x1, x2, thr2)
		if score < best.score {
			best = hypothesis{e: e, score: score, n: cnt}
			limit = adaptiveIterations(cnt, n, opts)
		}
	}
	if math.IsInf(best.score, 1) {
		return hypothesis{}, fail(ReasonDegenerate, "no non-degenerate minimal sample")
	}
	return best, nil
}

func adaptiveIterations(inliers, n int, opts RansacOptions) int {
	w := float64(inliers) / float64(n)
	pw := math.Pow(w, minimalSample)
	var k float64
	switch {
	case pw >= 1:
		k = 0
	case pw <= 0:
		k = float64(opts.MaxIterations)
	default:
		k = math.Log(1-opts.SuccessProb) / math.Log(1-pw)
	}
	it := int(math.Ceil(k))
	if it < opts.MinIterations {
		it = opts.MinIterations
	}
	if it > opts.MaxIterations {
		it = opts.MaxIterations
	}
	return it
}

func drawSample(rng *rand.Rand, n int, out []int) {
	for i := range out {
		for try := 0; ; try++ {
			c := rng.Intn(n)
			dup := false
			for j := 0; j < i; j++ {
				if out[j] == c {
					dup = true
					break
				}
			}
			if !dup || try >= maxSampleTries {
				out[i] = c
				break
			}
		}
	}
}

// scoreModel returns the truncated (MSAC) cost and the inlier count.
func scoreModel(e *r3.Mat, x1, x2 [][2]float64, thr2 float64) (float64, int) {
	score := 0.0
	cnt := 0
	for i := range x1 {
		err := sampsonError(e, x1[i], x2[i])
		if err < thr2 {
			score += err
			cnt++
		} else {
			score += thr2
		}
	}
	return score, cnt
}

func inlierMask(e *r3.Mat, x1, x2 [][2]float64, thr2 float64) []bool {
	mask := make([]bool, len(x1))
	for i := range x1 {
		mask[i] = sampsonError(e, x1[i], x2[i]) < thr2
	}
	return mask
}

func indicesOf(mask []bool) []int {
	idx := make([]int, 0, len(mask))
	for i, in := range mask {
		if in {
			idx = append(idx, i)
		}
	}
	return idx
}

func countTrue(mask []bool) int {
	n := 0
	for _, in := range mask {
		if in {
			n++
		}
	}
	return n
}

// eightPoint fits an essential matrix to the correspondences at idx and
// projects it onto the essential manifold.
func eightPoint(x1, x2 [][2]float64, idx []int) (*r3.Mat, bool) {
	if len(idx) < minimalSample {
		return nil, false
	}
	a := mat.NewDense(len(idx), 9, nil)
	for row, i := range idx {
		u1, v1 := x1[i][0], x1[i][1]
		u2, v2 := x2[i][0], x2[i][1]
		a.SetRow(row, []float64{u2 * u1, u2 * v1, u2, v2 * u1, v2 * v1, v2, u1, v1, 1})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	e := r3.NewMat(nil)
	for k := 0; k < 9; k++ {
		e.Set(k/3, k%3, v.At(k, 8))
	}

	var esvd mat.SVD
	if !esvd.Factorize(e, mat.SVDFull) {
		return nil, false
	}
	var u, ev mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&ev)
	sv := esvd.Values(nil)
	if sv[0] == 0 || sv[1]/sv[0] < 1e-8 {
		return nil, false
	}
	d := r3.NewMat([]float64{1, 0, 0, 0, 1, 0, 0, 0, 0})
	return mul(mul(&u, d), ev.T()), true
}

// decompose picks the (R, t) factorization of e with most inliers in front of
// both cameras.
func decompose(e *r3.Mat, x1, x2 [][2]float64, mask []bool) (*r3.Mat, r3.Vec, bool) {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return nil, r3.Vec{}, false
	}
	var ud, vd mat.Dense
	svd.UTo(&ud)
	svd.VTo(&vd)
	u, v := fromDense(&ud), fromDense(&vd)
	for _, m := range []*r3.Mat{u, v} {
		if m.Det() < 0 {
			for i := 0; i < 3; i++ {
				m.Set(i, 2, -m.At(i, 2))
			}
		}
	}
	w := r3.NewMat([]float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	r1 := mul(mul(u, w), v.T())
	r2 := mul(mul(u, w.T()), v.T())
	t := u.VecCol(2)

	type candidate struct {
		r *r3.Mat
		t r3.Vec
	}
	cands := []candidate{{r1, t}, {r1, r3.Scale(-1, t)}, {r2, t}, {r2, r3.Scale(-1, t)}}
	bestIdx, bestCnt, total := -1, 0, 0
	for ci, c := range cands {
		cnt := 0
		total = 0
		for i := range x1 {
			if !mask[i] {
				continue
			}
			total++
			d1, d2 := pointDepths(c.r, c.t, x1[i], x2[i])
			if d1 > 0 && d2 > 0 {
				cnt++
			}
		}
		if cnt > bestCnt {
			bestIdx, bestCnt = ci, cnt
		}
	}
	if bestIdx < 0 || float64(bestCnt) < minCheiralRatio*float64(total) {
		return nil, r3.Vec{}, false
	}
	return cands[bestIdx].r, cands[bestIdx].t, true
}

// refine minimizes a Cauchy-robustified Sampson cost over the inliers. The
// pose is parametrized as a rotation update and a two-dimensional update of
// the translation direction. Residuals are expressed in units of the loss
// scale, so the cost is of order one per inlier whatever the threshold.
func refine(ctx context.Context, r0 *r3.Mat, t0 r3.Vec, x1, x2 [][2]float64, mask []bool, thr float64, opts BundleOptions) (*r3.Mat, r3.Vec, bool) {
	if opts.MaxIterations <= 0 {
		return r0, t0, false
	}
	idx := indicesOf(mask)
	if len(idx) == 0 {
		return r0, t0, false
	}
	scale := opts.LossScale
	if scale <= 0 {
		scale = 1
	}
	c2 := (scale * thr) * (scale * thr)

	t0 = r3.Unit(t0)
	b1 := r3.Cross(t0, r3.Vec{X: 1})
	if r3.Norm(b1) < 1e-6 {
		b1 = r3.Cross(t0, r3.Vec{Y: 1})
	}
	b1 = r3.Unit(b1)
	b2 := r3.Unit(r3.Cross(t0, b1))

	pose := func(x []float64) (*r3.Mat, r3.Vec) {
		r := mul(rodrigues(r3.Vec{X: x[0], Y: x[1], Z: x[2]}), r0)
		t := r3.Unit(r3.Add(t0, r3.Add(r3.Scale(x[3], b1), r3.Scale(x[4], b2))))
		return r, t
	}
	cost := func(x []float64) float64 {
		r, t := pose(x)
		e := essentialFromPose(r, t)
		sum := 0.0
		for _, i := range idx {
			sum += math.Log1p(sampsonError(e, x1[i], x2[i]) / c2)
		}
		return sum
	}
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, &fd.Settings{Formula: fd.Central})
		},
	}

	initial := make([]float64, 5)
	f0 := cost(initial)
	settings := &optimize.Settings{
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: opts.GradientTolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.GradientTolerance,
			Iterations: 10,
		},
	}
	if ctx.Err() != nil {
		return r0, t0, false
	}
	// A line search stalling at the optimum reports an error together with
	// the best location found.
	res, _ := optimize.Minimize(problem, initial, settings, &optimize.LBFGS{})
	if res == nil || math.IsNaN(res.F) || !(res.F < f0) {
		return r0, t0, false
	}
	r, t := pose(res.X)
	return r, t, true
}
