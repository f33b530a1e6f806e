package cpd

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// sqDist returns the squared distance between two 3-element rows.
func sqDist(a, b []float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}

// initialVariance is the mean squared distance over all (n, m) pairs divided
// by the dimension.
func initialVariance(x, y *mat.Dense) float64 {
	n, _ := x.Dims()
	m, _ := y.Dims()
	var sum float64
	for i := 0; i < n; i++ {
		xi := x.RawRowView(i)
		for j := 0; j < m; j++ {
			sum += sqDist(xi, y.RawRowView(j))
		}
	}
	return sum / float64(3*n*m)
}

// outlierBias is the uniform component's contribution to every column
// normalizer: (2π·var)^{3/2} · w/(1-w) · M/N.
func outlierBias(variance, w float64, m, n int) float64 {
	if w == 0 {
		return 0
	}
	return math.Pow(2*math.Pi*variance, 1.5) * w / (1 - w) * float64(m) / float64(n)
}

// gaussianKernel builds G[i,j] = exp(-||Y_i - Y_j||² / (2β²)).
func gaussianKernel(y *mat.Dense, beta float64) *mat.SymDense {
	m, _ := y.Dims()
	g := mat.NewSymDense(m, nil)
	k := -0.5 / (beta * beta)
	for i := 0; i < m; i++ {
		yi := y.RawRowView(i)
		g.SetSym(i, i, 1)
		for j := i + 1; j < m; j++ {
			g.SetSym(i, j, math.Exp(k*sqDist(yi, y.RawRowView(j))))
		}
	}
	return g
}

// weightedSqNorm returns Σ_i w_i·||A_i||² = tr(Aᵀ·diag(w)·A).
func weightedSqNorm(a mat.Matrix, w []float64) float64 {
	r, c := a.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		var row float64
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			row += v * v
		}
		sum += w[i] * row
	}
	return sum
}

// frobeniusDot returns tr(Aᵀ·B) for equally shaped matrices.
func frobeniusDot(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
