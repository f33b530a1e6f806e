package cpd

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// points is a minimal MutablePointSet for tests.
type points []r3.Vec

func (p points) Len() int                 { return len(p) }
func (p points) Point(i int) r3.Vec       { return p[i] }
func (p points) SetPoint(i int, v r3.Vec) { p[i] = v }

func (p points) clone() points {
	out := make(points, len(p))
	copy(out, p)
	return out
}

func unitCube() points {
	var out points
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				out = append(out, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}

func randomCloud(rng *rand.Rand, n int) points {
	out := make(points, n)
	for i := range out {
		out[i] = r3.Vec{
			X: rng.Float64()*2 - 1,
			Y: rng.Float64()*2 - 1,
			Z: rng.Float64()*2 - 1,
		}
	}
	return out
}

// axisAngle returns the rotation by angle radians about axis (Rodrigues).
func axisAngle(axis r3.Vec, angle float64) *mat.Dense {
	k := r3.Unit(axis)
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}

func similarity(p points, scale float64, rot *mat.Dense, t r3.Vec) points {
	out := make(points, len(p))
	for i, q := range p {
		rq := r3.Vec{
			X: rot.At(0, 0)*q.X + rot.At(0, 1)*q.Y + rot.At(0, 2)*q.Z,
			Y: rot.At(1, 0)*q.X + rot.At(1, 1)*q.Y + rot.At(1, 2)*q.Z,
			Z: rot.At(2, 0)*q.X + rot.At(2, 1)*q.Y + rot.At(2, 2)*q.Z,
		}
		out[i] = r3.Add(r3.Scale(scale, rq), t)
	}
	return out
}

func assertMatrixNear(t *testing.T, want, got mat.Matrix, tol float64, msg string) {
	t.Helper()
	if !mat.EqualApprox(want, got, tol) {
		t.Errorf("%s: got\n%v\nwant\n%v", msg, mat.Formatted(got), mat.Formatted(want))
	}
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64, msg string) {
	t.Helper()
	if r3.Norm(r3.Sub(want, got)) > tol {
		t.Errorf("%s: got %+v, want %+v", msg, got, want)
	}
}

func meanDistance(a, b points) float64 {
	var sum float64
	for i := range a {
		sum += r3.Norm(r3.Sub(a[i], b[i]))
	}
	return sum / float64(len(a))
}
