// Package pointcloud holds ordered 3D point clouds and their file and wire
// formats. A Cloud satisfies the point-set contract of package cpd.
package pointcloud

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/cpd"
)

// White is the color assigned to points read without color data.
var White = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Cloud is an ordered list of 3D points with optional per-point colors.
// Point order is significant: registration results refer to points by index.
type Cloud struct {
	Points []r3.Vec
	// Colors is either nil or has one entry per point.
	Colors []color.RGBA
}

var _ cpd.MutablePointSet = (*Cloud)(nil)

// New creates a cloud over the given points (no colors).
func New(points []r3.Vec) *Cloud {
	return &Cloud{Points: points}
}

// FromMatrix builds a cloud from the rows of an N×3 matrix.
func FromMatrix(m mat.Matrix) (*Cloud, error) {
	r, c := m.Dims()
	if c != 3 {
		return nil, fmt.Errorf("matrix has %d columns, want 3", c)
	}
	pts := make([]r3.Vec, r)
	for i := range pts {
		pts[i] = r3.Vec{X: m.At(i, 0), Y: m.At(i, 1), Z: m.At(i, 2)}
	}
	return New(pts), nil
}

// Len implements cpd.PointSet.
func (c *Cloud) Len() int { return len(c.Points) }

// Point implements cpd.PointSet.
func (c *Cloud) Point(i int) r3.Vec { return c.Points[i] }

// SetPoint implements cpd.MutablePointSet.
func (c *Cloud) SetPoint(i int, p r3.Vec) { c.Points[i] = p }

// HasColors reports whether every point carries a color.
func (c *Cloud) HasColors() bool {
	return len(c.Colors) > 0 && len(c.Colors) == len(c.Points)
}

// Color returns the color of point i, or White when the cloud has none.
func (c *Cloud) Color(i int) color.RGBA {
	if !c.HasColors() {
		return White
	}
	return c.Colors[i]
}

// Clone returns a deep copy.
func (c *Cloud) Clone() *Cloud {
	out := &Cloud{Points: make([]r3.Vec, len(c.Points))}
	copy(out.Points, c.Points)
	if c.Colors != nil {
		out.Colors = make([]color.RGBA, len(c.Colors))
		copy(out.Colors, c.Colors)
	}
	return out
}

// Matrix returns the points as an N×3 dense matrix.
func (c *Cloud) Matrix() *mat.Dense {
	return cpd.Snapshot(c)
}

// Validate rejects empty clouds, non-finite coordinates and mismatched colors.
func (c *Cloud) Validate() error {
	if len(c.Points) == 0 {
		return fmt.Errorf("cloud is empty")
	}
	if c.Colors != nil && len(c.Colors) != len(c.Points) {
		return fmt.Errorf("cloud has %d colors for %d points", len(c.Colors), len(c.Points))
	}
	for i, p := range c.Points {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Z) {
			return fmt.Errorf("point %d is not finite", i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min, Max r3.Vec
}

// Size returns the box extent along each axis.
func (b Box) Size() r3.Vec { return r3.Sub(b.Max, b.Min) }

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	return Box{
		Min: r3.Vec{X: math.Min(b.Min.X, o.Min.X), Y: math.Min(b.Min.Y, o.Min.Y), Z: math.Min(b.Min.Z, o.Min.Z)},
		Max: r3.Vec{X: math.Max(b.Max.X, o.Max.X), Y: math.Max(b.Max.Y, o.Max.Y), Z: math.Max(b.Max.Z, o.Max.Z)},
	}
}

// Bounds returns the bounding box of the cloud. An empty cloud has a zero box.
func (c *Cloud) Bounds() Box {
	if len(c.Points) == 0 {
		return Box{}
	}
	b := Box{Min: c.Points[0], Max: c.Points[0]}
	for _, p := range c.Points[1:] {
		b = b.Union(Box{Min: p, Max: p})
	}
	return b
}

// Centroid returns the mean point. An empty cloud has the origin as centroid.
func (c *Cloud) Centroid() r3.Vec {
	if len(c.Points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range c.Points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(c.Points)), sum)
}

// MeanDistance returns the mean Euclidean distance between index-aligned
// points of two clouds of equal length.
func MeanDistance(a, b *Cloud) (float64, error) {
	if a.Len() != b.Len() {
		return 0, fmt.Errorf("clouds have %d and %d points", a.Len(), b.Len())
	}
	if a.Len() == 0 {
		return 0, nil
	}
	var sum float64
	for i := range a.Points {
		sum += r3.Norm(r3.Sub(a.Points[i], b.Points[i]))
	}
	return sum / float64(a.Len()), nil
}
