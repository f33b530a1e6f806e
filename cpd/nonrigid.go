package cpd

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// NonRigid is Coherent Point Drift with a displacement field: each moving
// point Y_m is displaced to T_m = Y_m + (G·W)_m, where G is a Gaussian
// affinity kernel over the moving points and W is fitted under a smoothness
// penalty of weight λ.
type NonRigid struct {
	base
	g        *mat.SymDense // M×M
	w        *mat.Dense    // M×3
	variance float64
}

var _ Registration = (*NonRigid)(nil)

// NewNonRigid snapshots source (moving) and target (fixed), builds the
// kernel over the source points and returns a registration in its initial
// state. Beta and lambda must be positive.
func NewNonRigid(source, target PointSet, opts ...Option) (*NonRigid, error) {
	b, err := newBase(source, target, opts)
	if err != nil {
		return nil, err
	}
	if !(b.opts.beta > 0) || math.IsInf(b.opts.beta, 0) {
		return nil, fmt.Errorf("%w: beta %v must be positive", ErrInvalidInput, b.opts.beta)
	}
	if !(b.opts.lambda > 0) || math.IsInf(b.opts.lambda, 0) {
		return nil, fmt.Errorf("%w: lambda %v must be positive", ErrInvalidInput, b.opts.lambda)
	}

	nr := &NonRigid{
		base: b,
		g:    gaussianKernel(b.y, b.opts.beta),
	}
	nr.reset()
	return nr, nil
}

func (nr *NonRigid) reset() {
	nr.w = mat.NewDense(nr.m, 3, nil)
	nr.variance = initialVariance(nr.x, nr.y)
}

// Kind implements Registration.
func (nr *NonRigid) Kind() Kind { return KindNonRigid }

// Solve implements Registration.
func (nr *NonRigid) Solve(ctx context.Context, maxIterations int, tolerance float64) (Result, error) {
	if err := validateSolveArgs(maxIterations, tolerance); err != nil {
		return Result{}, err
	}
	nr.reset()
	res, err := runEM(ctx, nr, nr.opts.observer, nr.variance, maxIterations, tolerance)
	nr.variance = res.Variance
	return res, err
}

// deformedBy returns Y + G·w.
func (nr *NonRigid) deformedBy(w mat.Matrix) *mat.Dense {
	var t mat.Dense
	t.Mul(nr.g, w)
	t.Add(nr.y, &t)
	return &t
}

func (nr *NonRigid) estimate(variance float64) *expectation {
	return expect(nr.x, nr.deformedBy(nr.w), variance, nr.opts.w, nr.opts.workers)
}

// maximize solves (G + λ·var·diag(1/PY))·W = diag(1/PY)·P·X − Y in its
// row-scaled form (diag(PY)·G + λ·var·I)·W = P·X − diag(PY)·Y, which has the
// same solution for PY > 0 and stays finite for moving points with no inlier
// support (PY_m = 0 gives W_m = 0).
func (nr *NonRigid) maximize(e *expectation, variance float64) (float64, bool, string) {
	if !(e.sum > 0) || math.IsInf(e.sum, 0) {
		return 0, false, "no inlier mass"
	}
	np := 1 / e.sum
	reg := nr.opts.lambda * variance

	lhs := mat.NewDense(nr.m, nr.m, nil)
	for i := 0; i < nr.m; i++ {
		row := lhs.RawRowView(i)
		for j := 0; j < nr.m; j++ {
			row[j] = e.py[i] * nr.g.At(i, j)
		}
		row[i] += reg
	}

	var px mat.Dense
	px.Mul(e.p, nr.x)
	rhs := mat.DenseCopyOf(&px)
	for i := 0; i < nr.m; i++ {
		row := rhs.RawRowView(i)
		yi := nr.y.RawRowView(i)
		row[0] -= e.py[i] * yi[0]
		row[1] -= e.py[i] * yi[1]
		row[2] -= e.py[i] * yi[2]
	}

	var w mat.Dense
	if err := w.Solve(lhs, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return 0, false, "regularized solve failed: " + err.Error()
		}
		// Ill-conditioned but solved; the finiteness check decides.
	}
	if !allFinite(&w) {
		return 0, false, "solve produced non-finite displacement"
	}

	t := nr.deformedBy(&w)
	next := np / 3 * (weightedSqNorm(nr.x, e.px) - 2*frobeniusDot(&px, t) + weightedSqNorm(t, e.py))
	next, ok, reason := validVariance(next)
	if !ok {
		return 0, false, reason
	}

	nr.w = &w
	return next, true, ""
}

// W returns a copy of the fitted displacement coefficients (M×3).
func (nr *NonRigid) W() *mat.Dense { return mat.DenseCopyOf(nr.w) }

// G returns a copy of the Gaussian affinity kernel (M×M).
func (nr *NonRigid) G() *mat.SymDense {
	var g mat.SymDense
	g.CopySym(nr.g)
	return &g
}

// Deformed returns the current moving positions Y + G·W (M×3).
func (nr *NonRigid) Deformed() *mat.Dense { return nr.deformedBy(nr.w) }

// Beta returns the kernel bandwidth.
func (nr *NonRigid) Beta() float64 { return nr.opts.beta }

// Lambda returns the regularization weight.
func (nr *NonRigid) Lambda() float64 { return nr.opts.lambda }

// Variance implements Registration.
func (nr *NonRigid) Variance() float64 { return nr.variance }

// ApplyTransform implements Registration. The cloud must be index-aligned
// with the source set the registration was built from: point i is replaced
// by the deformed position of source point i.
func (nr *NonRigid) ApplyTransform(cloud MutablePointSet) error {
	if cloud.Len() != nr.m {
		return fmt.Errorf("%w: cloud has %d points, source had %d", ErrPointCountMismatch, cloud.Len(), nr.m)
	}
	t := nr.Deformed()
	for i := 0; i < nr.m; i++ {
		row := t.RawRowView(i)
		cloud.SetPoint(i, r3.Vec{X: row[0], Y: row[1], Z: row[2]})
	}
	return nil
}
