package cpd

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNonRigid_KernelIsSymmetricWithUnitDiagonal(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	source := randomCloud(rng, 12)

	reg, err := NewNonRigid(source, source.clone(), WithBeta(0.7))
	require.NoError(t, err)

	g := reg.G()
	m, _ := g.Dims()
	require.Equal(t, 12, m)
	for i := 0; i < m; i++ {
		assert.Equal(t, 1.0, g.At(i, i))
		for j := 0; j < m; j++ {
			assert.Equal(t, g.At(i, j), g.At(j, i))
			d := r3.Norm2(r3.Sub(source[i], source[j]))
			assert.InDelta(t, math.Exp(-d/(2*0.7*0.7)), g.At(i, j), 1e-12)
		}
	}
}

func TestNonRigid_LargeLambdaSuppressesDeformation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	source := randomCloud(rng, 20)
	target := similarity(source, 1, identity3(), r3.Vec{X: 0.05})

	reg, err := NewNonRigid(source, target, WithBeta(1), WithLambda(1e9))
	require.NoError(t, err)

	_, err = reg.Solve(context.Background(), 30, 1e-8)
	require.NoError(t, err)

	w := reg.W()
	assert.Less(t, mat.Norm(w, math.Inf(1)), 1e-4, "W should vanish for very large lambda")

	// The deformed source is the undeformed source, like a rigid fit that
	// never moved.
	aligned := source.clone()
	require.NoError(t, reg.ApplyTransform(aligned))
	assert.Less(t, meanDistance(aligned, source), 1e-4)
}

func TestNonRigid_FitsSmoothDisplacement(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	source := randomCloud(rng, 40)
	target := similarity(source, 1, identity3(), r3.Vec{X: 0.05, Y: -0.03})

	rec := NewRecorder()
	reg, err := NewNonRigid(source, target, WithBeta(1), WithLambda(0.5), WithObserver(rec))
	require.NoError(t, err)
	initial := reg.Variance()

	res, err := reg.Solve(context.Background(), 150, 1e-10)
	require.NoError(t, err)
	t.Logf("non-rigid: %d iterations, var=%g, reason=%q", res.Iterations, res.Variance, res.Reason)

	assert.Less(t, res.Variance, initial)
	for i, v := range rec.Variances() {
		assert.GreaterOrEqual(t, v, 0.0, "variance at iteration %d", i+1)
		assert.LessOrEqual(t, v, 2*initial, "variance at iteration %d", i+1)
	}

	before := meanDistance(source, target)
	aligned := source.clone()
	require.NoError(t, reg.ApplyTransform(aligned))
	assert.Less(t, meanDistance(aligned, target), before/2)
}

func TestNonRigid_ZeroSupportStaysFinite(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	target := randomCloud(rng, 10)
	source := append(target.clone(), r3.Vec{X: 1000, Y: 1000, Z: 1000})
	far := len(source) - 1

	reg, err := NewNonRigid(source, target, WithBeta(0.5), WithLambda(0.1))
	require.NoError(t, err)

	// With a narrow mixture the far point's affinities underflow to zero.
	e := reg.estimate(1e-3)
	require.Equal(t, 0.0, e.py[far], "far point should have no inlier support")

	_, ok, reason := reg.maximize(e, 1e-3)
	require.True(t, ok, reason)
	w := reg.W()
	assert.True(t, allFinite(w))
	assert.Equal(t, []float64{0, 0, 0}, w.RawRowView(far))

	res, err := reg.Solve(context.Background(), 40, 1e-8)
	require.NoError(t, err)
	assert.NotEqual(t, "solve produced non-finite displacement", res.Reason)
	assert.True(t, allFinite(reg.W()))
	assert.True(t, allFinite(reg.Deformed()))
}

func TestNonRigid_NonFiniteVarianceKeepsState(t *testing.T) {
	reg, err := NewNonRigid(unitCube(), similarity(unitCube(), 1, identity3(), r3.Vec{X: 0.1}))
	require.NoError(t, err)
	prev := mat.NewDense(8, 3, nil)
	prev.Set(2, 1, 0.5)
	reg.w = mat.DenseCopyOf(prev)

	e := reg.estimate(reg.Variance())
	e.px[0] = math.NaN()
	_, ok, reason := reg.maximize(e, reg.Variance())
	assert.False(t, ok)
	assert.Equal(t, "variance not finite", reason)
	assertMatrixNear(t, prev, reg.W(), 0, "W")
}

func TestNonRigid_SingularSystemKeepsState(t *testing.T) {
	reg, err := NewNonRigid(unitCube(), unitCube())
	require.NoError(t, err)
	prev := reg.W()

	// Without inlier support or regularization the system is all zeros.
	reg.opts.lambda = 0
	e := &expectation{
		p:   mat.NewDense(8, 8, nil),
		px:  make([]float64, 8),
		py:  make([]float64, 8),
		z:   make([]float64, 8),
		sum: 1,
	}
	_, ok, reason := reg.maximize(e, reg.Variance())
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(reason, "regularized solve failed"), reason)
	assertMatrixNear(t, prev, reg.W(), 0, "W")
}

// nanStepper corrupts every expectation of the wrapped registration.
type nanStepper struct{ *NonRigid }

func (s nanStepper) estimate(variance float64) *expectation {
	e := s.NonRigid.estimate(variance)
	e.px[0] = math.NaN()
	return e
}

func TestRunEM_NonFiniteVarianceIsDegenerate(t *testing.T) {
	reg, err := NewNonRigid(unitCube(), similarity(unitCube(), 1, identity3(), r3.Vec{Z: 0.2}))
	require.NoError(t, err)
	initial := reg.Variance()

	var stats []IterationStats
	obs := ObserverFunc(func(s IterationStats) { stats = append(stats, s) })
	res, err := runEM(context.Background(), nanStepper{reg}, obs, initial, 10, 1e-9)
	require.NoError(t, err)

	assert.True(t, res.Degenerate)
	assert.False(t, res.Converged)
	assert.Equal(t, "variance not finite", res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, initial, res.Variance)
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Degenerate)
	assert.Equal(t, 0.0, mat.Norm(reg.W(), 1), "W stays at its initial value")
}

func TestNonRigid_IdentityShrinksVariance(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	cloud := randomCloud(rng, 20)

	reg, err := NewNonRigid(cloud, cloud.clone(), WithBeta(0.5))
	require.NoError(t, err)
	initial := reg.Variance()

	res, err := reg.Solve(context.Background(), 100, 1e-9)
	require.NoError(t, err)
	assert.Less(t, res.Variance, initial)

	aligned := cloud.clone()
	require.NoError(t, reg.ApplyTransform(aligned))
	assert.Less(t, meanDistance(aligned, cloud), 0.05)
}

func TestNonRigid_ApplyTransformRequiresSourceOrdering(t *testing.T) {
	reg, err := NewNonRigid(unitCube(), unitCube())
	require.NoError(t, err)

	short := unitCube()[:5]
	err = reg.ApplyTransform(short)
	assert.True(t, errors.Is(err, ErrPointCountMismatch), "got %v", err)
}

func TestNonRigid_Defaults(t *testing.T) {
	reg, err := New(KindNonRigid, unitCube(), unitCube())
	require.NoError(t, err)
	nr := reg.(*NonRigid)
	assert.Equal(t, DefaultBeta, nr.Beta())
	assert.Equal(t, DefaultLambda, nr.Lambda())
	assert.Equal(t, KindNonRigid, nr.Kind())
	assert.Equal(t, 8, nr.M())
	assert.Equal(t, 8, nr.N())
}
