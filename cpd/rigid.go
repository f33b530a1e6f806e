package cpd

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Rigid is Coherent Point Drift with a similarity transform:
// p ↦ scale·R·p + t, with R a proper rotation.
type Rigid struct {
	base
	scale    float64
	rot      *mat.Dense // 3×3
	trans    []float64  // 3
	variance float64
}

var _ Registration = (*Rigid)(nil)

// NewRigid snapshots source (moving) and target (fixed) and returns a rigid
// registration in its initial state.
func NewRigid(source, target PointSet, opts ...Option) (*Rigid, error) {
	b, err := newBase(source, target, opts)
	if err != nil {
		return nil, err
	}
	r := &Rigid{base: b}
	r.reset()
	return r, nil
}

func (r *Rigid) reset() {
	r.scale = 1
	r.rot = identity3()
	r.trans = make([]float64, 3)
	r.variance = initialVariance(r.x, r.y)
}

// Kind implements Registration.
func (r *Rigid) Kind() Kind { return KindRigid }

// Solve implements Registration.
func (r *Rigid) Solve(ctx context.Context, maxIterations int, tolerance float64) (Result, error) {
	if err := validateSolveArgs(maxIterations, tolerance); err != nil {
		return Result{}, err
	}
	r.reset()
	res, err := runEM(ctx, r, r.opts.observer, r.variance, maxIterations, tolerance)
	r.variance = res.Variance
	return res, err
}

// moved returns scale·R·Y_m + t for every moving point.
func (r *Rigid) moved() *mat.Dense {
	var t mat.Dense
	t.Mul(r.y, r.rot.T())
	t.Scale(r.scale, &t)
	for i := 0; i < r.m; i++ {
		row := t.RawRowView(i)
		row[0] += r.trans[0]
		row[1] += r.trans[1]
		row[2] += r.trans[2]
	}
	return &t
}

func (r *Rigid) estimate(variance float64) *expectation {
	return expect(r.x, r.moved(), variance, r.opts.w, r.opts.workers)
}

// maximize is the weighted Procrustes step.
func (r *Rigid) maximize(e *expectation, _ float64) (float64, bool, string) {
	if !(e.sum > 0) || math.IsInf(e.sum, 0) {
		return 0, false, "no inlier mass"
	}
	np := 1 / e.sum

	ux := weightedMean(r.x, e.px, np)
	uy := weightedMean(r.y, e.py, np)
	xc := centered(r.x, ux)
	yc := centered(r.y, uy)

	// A = XCᵀ·Pᵀ·YC
	var pyc mat.Dense
	pyc.Mul(e.p.T(), yc)
	var a mat.Dense
	a.Mul(xc.T(), &pyc)
	if !allFinite(&a) {
		return 0, false, "cross-covariance not finite"
	}

	rot, ok := properRotation(&a)
	if !ok {
		return 0, false, "svd failed"
	}

	trAR := frobeniusDot(&a, rot)
	trYY := weightedSqNorm(yc, e.py)
	if !(trYY > 0) {
		return 0, false, "moving set has no weighted spread"
	}
	scale := trAR / trYY

	variance, ok, reason := validVariance(np / 3 * (weightedSqNorm(xc, e.px) - scale*trAR))
	if !ok {
		return 0, false, reason
	}

	var ruy mat.VecDense
	ruy.MulVec(rot, mat.NewVecDense(3, uy))
	trans := []float64{
		ux[0] - scale*ruy.AtVec(0),
		ux[1] - scale*ruy.AtVec(1),
		ux[2] - scale*ruy.AtVec(2),
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || !allFinite(mat.NewVecDense(3, trans)) {
		return 0, false, "transform not finite"
	}

	r.scale = scale
	r.rot = rot
	r.trans = trans
	return variance, true, ""
}

// properRotation returns R = U·diag(1,1,det(U·Vᵀ))·Vᵀ from the SVD of a, the
// rotation closest to a that is never a reflection.
func properRotation(a mat.Matrix) (*mat.Dense, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	c := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&uvt))})

	var uc mat.Dense
	uc.Mul(&u, c)
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(&uc, v.T())
	return rot, true
}

// weightedMean returns Aᵀ·w·scale as a 3-vector.
func weightedMean(a *mat.Dense, w []float64, scale float64) []float64 {
	u := make([]float64, 3)
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		row := a.RawRowView(i)
		u[0] += w[i] * row[0]
		u[1] += w[i] * row[1]
		u[2] += w[i] * row[2]
	}
	u[0] *= scale
	u[1] *= scale
	u[2] *= scale
	return u
}

// centered returns a copy of a with u subtracted from every row.
func centered(a *mat.Dense, u []float64) *mat.Dense {
	c := mat.DenseCopyOf(a)
	r, _ := c.Dims()
	for i := 0; i < r; i++ {
		row := c.RawRowView(i)
		row[0] -= u[0]
		row[1] -= u[1]
		row[2] -= u[2]
	}
	return c
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Scale returns the fitted uniform scale.
func (r *Rigid) Scale() float64 { return r.scale }

// Rotation returns a copy of the fitted rotation matrix.
func (r *Rigid) Rotation() *mat.Dense { return mat.DenseCopyOf(r.rot) }

// Translation returns the fitted translation.
func (r *Rigid) Translation() r3.Vec {
	return r3.Vec{X: r.trans[0], Y: r.trans[1], Z: r.trans[2]}
}

// Variance implements Registration.
func (r *Rigid) Variance() float64 { return r.variance }

// Transform maps a single point with the fitted transform.
func (r *Rigid) Transform(p r3.Vec) r3.Vec {
	rp := r3.Vec{
		X: r.rot.At(0, 0)*p.X + r.rot.At(0, 1)*p.Y + r.rot.At(0, 2)*p.Z,
		Y: r.rot.At(1, 0)*p.X + r.rot.At(1, 1)*p.Y + r.rot.At(1, 2)*p.Z,
		Z: r.rot.At(2, 0)*p.X + r.rot.At(2, 1)*p.Y + r.rot.At(2, 2)*p.Z,
	}
	return r3.Add(r3.Scale(r.scale, rp), r.Translation())
}

// ApplyTransform implements Registration. Any point count is accepted.
func (r *Rigid) ApplyTransform(cloud MutablePointSet) error {
	for i := 0; i < cloud.Len(); i++ {
		cloud.SetPoint(i, r.Transform(cloud.Point(i)))
	}
	return nil
}
