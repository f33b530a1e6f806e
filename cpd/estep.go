package cpd

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// expectation holds the soft correspondences of one E-step.
type expectation struct {
	p    *mat.Dense // M×N
	px   []float64  // column sums, one per fixed point
	py   []float64  // row sums, one per moving point
	z    []float64  // column normalizers including bias
	bias float64
	sum  float64 // Σ P
}

// expect computes P[m,n] ∝ exp(-||X_n - T_m||² / (2·var)) with columns
// normalized by Z_n = bias + Σ_m P[m,n]. Columns are processed in parallel,
// then rows are reduced in parallel for PY.
func expect(x, t *mat.Dense, variance, w float64, workers int) *expectation {
	n, _ := x.Dims()
	m, _ := t.Dims()

	e := &expectation{
		p:    mat.NewDense(m, n, nil),
		px:   make([]float64, n),
		py:   make([]float64, m),
		z:    make([]float64, n),
		bias: outlierBias(variance, w, m, n),
	}
	k := -0.5 / variance

	var g errgroup.Group
	g.SetLimit(workers)

	for _, c := range chunks(n, workers) {
		g.Go(func() error {
			for col := c.lo; col < c.hi; col++ {
				xn := x.RawRowView(col)
				z := e.bias
				for row := 0; row < m; row++ {
					v := math.Exp(k * sqDist(xn, t.RawRowView(row)))
					e.p.Set(row, col, v)
					z += v
				}
				e.z[col] = z
				if z == 0 {
					// Every affinity underflowed and there is no outlier
					// component: the point carries no inlier mass.
					continue
				}
				var px float64
				for row := 0; row < m; row++ {
					v := e.p.At(row, col) / z
					e.p.Set(row, col, v)
					px += v
				}
				e.px[col] = px
			}
			return nil
		})
	}
	_ = g.Wait() // the closures never return an error

	for _, c := range chunks(m, workers) {
		g.Go(func() error {
			for row := c.lo; row < c.hi; row++ {
				var py float64
				for _, v := range e.p.RawRowView(row) {
					py += v
				}
				e.py[row] = py
			}
			return nil
		})
	}
	_ = g.Wait() // the closures never return an error

	for _, v := range e.px {
		e.sum += v
	}
	return e
}

type span struct{ lo, hi int }

// chunks splits [0, n) into at most parts contiguous spans.
func chunks(n, parts int) []span {
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	if parts == 0 {
		return nil
	}
	size := (n + parts - 1) / parts
	out := make([]span, 0, parts)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, span{lo, hi})
	}
	return out
}
