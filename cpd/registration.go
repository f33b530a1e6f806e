// Package cpd implements Coherent Point Drift registration of 3D point sets.
//
// A registration aligns a moving point set (the source) onto a fixed point
// set (the target) without known correspondences. The moving set is modelled
// as the centroids of a Gaussian mixture and the fixed set as data drawn from
// it, plus a uniform outlier component. Expectation-Maximization alternates
// between soft correspondences (E-step) and transform parameters (M-step).
//
// Following the CPD literature the fixed set is stored as X (N rows) and the
// moving set as Y (M rows). The fitted transform maps source onto target, so
// ApplyTransform(source) materialises the alignment.
//
// Two variants are provided: Rigid (uniform scale, rotation, translation) and
// NonRigid (a displacement field over the moving points regularised by a
// Gaussian kernel).
package cpd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrInvalidInput is returned when a registration cannot be constructed or
	// solved with the given arguments (empty sets, out-of-range parameters).
	ErrInvalidInput = errors.New("cpd: invalid input")

	// ErrPointCountMismatch is returned by NonRigid.ApplyTransform when the
	// cloud does not have one point per moving point.
	ErrPointCountMismatch = errors.New("cpd: point count mismatch")
)

// PointSet is an ordered collection of 3D points.
type PointSet interface {
	Len() int
	Point(i int) r3.Vec
}

// MutablePointSet is a PointSet whose points can be overwritten in place,
// preserving index order.
type MutablePointSet interface {
	PointSet
	SetPoint(i int, p r3.Vec)
}

// Kind selects one of the registration variants.
type Kind int

const (
	KindRigid Kind = iota
	KindNonRigid
)

// String returns the config name of the variant.
func (k Kind) String() string {
	switch k {
	case KindRigid:
		return "rigid"
	case KindNonRigid:
		return "nonrigid"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps "rigid" and "nonrigid" (also "non-rigid") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "rigid", "":
		return KindRigid, nil
	case "nonrigid", "non-rigid":
		return KindNonRigid, nil
	}
	return 0, fmt.Errorf("%w: unknown registration method %q", ErrInvalidInput, s)
}

// Registration is the contract shared by the rigid and non-rigid variants.
type Registration interface {
	// Kind reports which variant this is.
	Kind() Kind
	// Solve runs the EM loop from the initial state until the change in
	// variance is at most tolerance or maxIterations iterations have run.
	Solve(ctx context.Context, maxIterations int, tolerance float64) (Result, error)
	// ApplyTransform overwrites every point of cloud with its image under the
	// currently fitted transform.
	ApplyTransform(cloud MutablePointSet) error
	// Variance returns the current variance of the mixture.
	Variance() float64
}

// Result summarises a Solve call.
type Result struct {
	Iterations int     `json:"iterations"`
	Variance   float64 `json:"variance"`
	Converged  bool    `json:"converged"`
	// Degenerate is set when the loop stopped on a numeric degeneracy. The
	// fitted state is the one from the last valid iteration.
	Degenerate bool   `json:"degenerate"`
	Reason     string `json:"reason,omitempty"`
}

// New constructs a registration of the given kind.
func New(kind Kind, source, target PointSet, opts ...Option) (Registration, error) {
	switch kind {
	case KindRigid:
		return NewRigid(source, target, opts...)
	case KindNonRigid:
		return NewNonRigid(source, target, opts...)
	}
	return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidInput, int(kind))
}

// Option configures a registration.
type Option func(*options)

type options struct {
	w        float64
	beta     float64
	lambda   float64
	workers  int
	observer Observer
}

func defaultOptions() options {
	return options{
		w:       0,
		beta:    DefaultBeta,
		lambda:  DefaultLambda,
		workers: runtime.GOMAXPROCS(0),
	}
}

const (
	// DefaultBeta is the default kernel bandwidth of the non-rigid variant.
	DefaultBeta = 0.1
	// DefaultLambda is the default regularization weight of the non-rigid variant.
	DefaultLambda = 0.1
	// DefaultTolerance is the default convergence threshold on |Δvar|.
	DefaultTolerance = 0.01
)

// WithOutlierWeight sets the fraction w ∈ [0,1) of probability mass given to
// the uniform outlier component.
func WithOutlierWeight(w float64) Option {
	return func(o *options) {
		o.w = w
	}
}

// WithBeta sets the Gaussian kernel bandwidth (non-rigid only).
func WithBeta(beta float64) Option {
	return func(o *options) {
		o.beta = beta
	}
}

// WithLambda sets the smoothness regularization weight (non-rigid only).
func WithLambda(lambda float64) Option {
	return func(o *options) {
		o.lambda = lambda
	}
}

// WithWorkers bounds the number of goroutines used by the E-step.
// Values below 1 select runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = runtime.GOMAXPROCS(0)
		}
		o.workers = n
	}
}

// WithObserver injects per-iteration instrumentation.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// base owns the point snapshots shared by both variants.
type base struct {
	x    *mat.Dense // fixed set (target), N×3
	y    *mat.Dense // moving set (source), M×3
	n, m int
	opts options
}

func newBase(source, target PointSet, opts []Option) (base, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if source == nil || target == nil {
		return base{}, fmt.Errorf("%w: nil point set", ErrInvalidInput)
	}
	if source.Len() == 0 {
		return base{}, fmt.Errorf("%w: source point set is empty", ErrInvalidInput)
	}
	if target.Len() == 0 {
		return base{}, fmt.Errorf("%w: target point set is empty", ErrInvalidInput)
	}
	if o.w < 0 || o.w >= 1 || math.IsNaN(o.w) {
		return base{}, fmt.Errorf("%w: outlier weight %v outside [0,1)", ErrInvalidInput, o.w)
	}

	x, err := snapshot(target)
	if err != nil {
		return base{}, fmt.Errorf("target: %w", err)
	}
	y, err := snapshot(source)
	if err != nil {
		return base{}, fmt.Errorf("source: %w", err)
	}

	return base{
		x:    x,
		y:    y,
		n:    target.Len(),
		m:    source.Len(),
		opts: o,
	}, nil
}

// N returns the number of fixed (target) points.
func (b *base) N() int { return b.n }

// M returns the number of moving (source) points.
func (b *base) M() int { return b.m }

// Snapshot copies a point set into a dense len×3 matrix.
func Snapshot(ps PointSet) *mat.Dense {
	d := mat.NewDense(ps.Len(), 3, nil)
	for i := 0; i < ps.Len(); i++ {
		p := ps.Point(i)
		d.SetRow(i, []float64{p.X, p.Y, p.Z})
	}
	return d
}

func snapshot(ps PointSet) (*mat.Dense, error) {
	d := Snapshot(ps)
	for i := 0; i < ps.Len(); i++ {
		for _, v := range d.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: point %d is not finite", ErrInvalidInput, i)
			}
		}
	}
	return d, nil
}

func validateSolveArgs(maxIterations int, tolerance float64) error {
	if maxIterations < 0 {
		return fmt.Errorf("%w: maxIterations %d is negative", ErrInvalidInput, maxIterations)
	}
	if !(tolerance > 0) {
		return fmt.Errorf("%w: tolerance %v must be positive", ErrInvalidInput, tolerance)
	}
	return nil
}

// stepper is the per-variant half of the shared EM loop.
type stepper interface {
	// estimate runs the E-step for the current state and variance.
	estimate(variance float64) *expectation
	// maximize computes the M-step from e. It returns the new variance and
	// commits the new transform only when ok is true.
	maximize(e *expectation, variance float64) (next float64, ok bool, reason string)
}

// runEM drives the EM loop shared by both variants.
func runEM(ctx context.Context, s stepper, obs Observer, variance float64, maxIterations int, tolerance float64) (Result, error) {
	res := Result{Variance: variance}

	if variance == 0 {
		// Every moving point already sits on every fixed point.
		res.Converged = true
		res.Degenerate = true
		res.Reason = "variance collapsed"
		return res, nil
	}

	for res.Iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := now()
		e := s.estimate(variance)
		estimateDur := since(start)

		start = now()
		next, ok, reason := s.maximize(e, variance)
		maximizeDur := since(start)

		res.Iterations++
		if !ok {
			res.Degenerate = true
			res.Reason = reason
			notify(obs, IterationStats{
				Iteration:  res.Iterations,
				Variance:   variance,
				Estimate:   estimateDur,
				Maximize:   maximizeDur,
				Degenerate: true,
			})
			return res, nil
		}

		delta := math.Abs(variance - next)
		variance = next
		res.Variance = variance
		notify(obs, IterationStats{
			Iteration: res.Iterations,
			Variance:  variance,
			Delta:     delta,
			Estimate:  estimateDur,
			Maximize:  maximizeDur,
		})

		if variance == 0 {
			res.Converged = true
			res.Degenerate = true
			res.Reason = "variance collapsed"
			return res, nil
		}
		if delta <= tolerance {
			res.Converged = true
			return res, nil
		}
	}

	return res, nil
}

// validVariance reports whether v can be used as the next mixture variance.
func validVariance(v float64) (float64, bool, string) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return 0, false, "variance not finite"
	case v < 0:
		// Roundoff on a near-perfect fit.
		return 0, true, ""
	}
	return v, true, ""
}
