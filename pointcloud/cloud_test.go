package pointcloud

import (
	"image/color"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestCloud_PointSet(t *testing.T) {
	c := New([]r3.Vec{{X: 1}, {Y: 2}, {Z: 3}})
	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	c.SetPoint(1, r3.Vec{X: 4, Y: 5, Z: 6})
	if got := c.Point(1); got != (r3.Vec{X: 4, Y: 5, Z: 6}) {
		t.Errorf("Point(1) = %+v after SetPoint", got)
	}
	if c.HasColors() {
		t.Error("HasColors() = true for a cloud without colors")
	}
	if c.Color(0) != White {
		t.Errorf("Color(0) = %+v, want White", c.Color(0))
	}
}

func TestCloud_CloneIsDeep(t *testing.T) {
	c := &Cloud{
		Points: []r3.Vec{{X: 1}},
		Colors: []color.RGBA{{R: 10, A: 255}},
	}
	d := c.Clone()
	d.Points[0].X = 9
	d.Colors[0].R = 99

	if c.Points[0].X != 1 || c.Colors[0].R != 10 {
		t.Errorf("Clone shares storage with the original: %+v", c)
	}
}

func TestCloud_Matrix(t *testing.T) {
	c := New([]r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}})
	want := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	if !mat.Equal(c.Matrix(), want) {
		t.Errorf("Matrix() = %v", mat.Formatted(c.Matrix()))
	}

	back, err := FromMatrix(want)
	if err != nil {
		t.Fatalf("FromMatrix() error: %v", err)
	}
	if back.Point(1) != (r3.Vec{X: 4, Y: 5, Z: 6}) {
		t.Errorf("FromMatrix point 1 = %+v", back.Point(1))
	}

	if _, err := FromMatrix(mat.NewDense(2, 2, nil)); err == nil {
		t.Error("FromMatrix accepted a 2-column matrix")
	}
}

func TestCloud_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cloud   *Cloud
		wantErr bool
	}{
		{"ok", New([]r3.Vec{{X: 1}}), false},
		{"empty", New(nil), true},
		{"nan", New([]r3.Vec{{X: math.NaN()}}), true},
		{"inf", New([]r3.Vec{{Z: math.Inf(-1)}}), true},
		{"color count", &Cloud{Points: []r3.Vec{{}, {}}, Colors: []color.RGBA{{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cloud.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloud_BoundsAndCentroid(t *testing.T) {
	c := New([]r3.Vec{{X: -1, Y: 2, Z: 0}, {X: 3, Y: -2, Z: 1}, {X: 1, Y: 0, Z: 5}})

	b := c.Bounds()
	if b.Min != (r3.Vec{X: -1, Y: -2, Z: 0}) || b.Max != (r3.Vec{X: 3, Y: 2, Z: 5}) {
		t.Errorf("Bounds() = %+v", b)
	}
	if b.Size() != (r3.Vec{X: 4, Y: 4, Z: 5}) {
		t.Errorf("Size() = %+v", b.Size())
	}

	got := c.Centroid()
	want := r3.Vec{X: 1, Y: 0, Z: 2}
	if r3.Norm(r3.Sub(got, want)) > 1e-12 {
		t.Errorf("Centroid() = %+v, want %+v", got, want)
	}

	if New(nil).Bounds() != (Box{}) {
		t.Error("empty cloud should have a zero box")
	}
}

func TestMeanDistance(t *testing.T) {
	a := New([]r3.Vec{{}, {X: 1}})
	b := New([]r3.Vec{{X: 3}, {X: 1, Y: 1}})
	d, err := MeanDistance(a, b)
	if err != nil {
		t.Fatalf("MeanDistance() error: %v", err)
	}
	if d != 2 {
		t.Errorf("MeanDistance() = %v, want 2", d)
	}
	if _, err := MeanDistance(a, New(nil)); err == nil {
		t.Error("MeanDistance accepted clouds of different length")
	}
}
