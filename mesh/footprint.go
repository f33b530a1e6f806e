package mesh

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/kwv/driftmesh/pointcloud"
)

// Footprint returns the convex hull of the cloud projected onto plane as a
// closed ring. Clouds whose projection has no area yield nil.
func Footprint(c *pointcloud.Cloud, plane Plane) orb.Ring {
	if c == nil {
		return nil
	}
	hull := convexHull(projectCloud(c, plane))
	if len(hull) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(hull)+1)
	ring = append(ring, hull...)
	return append(ring, hull[0])
}

// simplifyRing applies Douglas-Peucker to a closed ring. A ring that would
// collapse below a triangle is returned unchanged.
func simplifyRing(ring orb.Ring, tolerance float64) orb.Ring {
	if tolerance <= 0 {
		return ring
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ring.Clone()).(orb.Ring)
	if !ok || len(simplified) < 4 {
		return ring
	}
	return simplified
}

// CombinedGeoJSON exports the target and aligned footprints of every result
// that still carries its clouds, one Polygon feature each, so the coverage of
// all jobs can be compared on one map. tolerance > 0 simplifies the rings.
func CombinedGeoJSON(results []*JobResult, plane Plane, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	jobs := 0
	var bound orb.Bound

	for _, r := range results {
		if !r.HasClouds() {
			continue
		}
		jobs++
		for _, layer := range []struct {
			name  string
			cloud *pointcloud.Cloud
		}{
			{LayerTarget, r.Target},
			{LayerAligned, r.Aligned},
		} {
			ring := Footprint(layer.cloud, plane)
			if ring == nil {
				continue
			}
			poly := orb.Polygon{simplifyRing(ring, tolerance)}
			centroid, area := planar.CentroidArea(poly)

			f := geojson.NewFeature(poly)
			f.ID = r.JobID + "/" + layer.name + "-footprint"
			f.Properties["jobId"] = r.JobID
			f.Properties["layer"] = layer.name
			f.Properties["area"] = math.Abs(area)
			f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
			f.Properties["meanError"] = r.MeanError
			fc.Append(f)

			if len(fc.Features) == 1 {
				bound = poly.Bound()
			} else {
				bound = bound.Union(poly.Bound())
			}
		}
	}

	if len(fc.Features) > 0 {
		fc.BBox = geojson.NewBBox(bound)
	}
	fc.ExtraMembers = geojson.Properties{
		"plane": string(plane),
		"jobs":  jobs,
	}
	return fc
}

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain algorithm. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	// Sort by x, then y
	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)

	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// last point repeats the first
	return hull[:len(hull)-1]
}
