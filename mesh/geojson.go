package mesh

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/pointcloud"
)

// Feature layers of a result export.
const (
	LayerTarget       = "target"
	LayerAligned      = "aligned"
	LayerDisplacement = "displacement"
)

// projectCloud converts a cloud to an orb.MultiPoint in plane coordinates.
func projectCloud(c *pointcloud.Cloud, plane Plane) orb.MultiPoint {
	mp := make(orb.MultiPoint, c.Len())
	for i, p := range c.Points {
		u, v := plane.Project(p)
		mp[i] = orb.Point{u, v}
	}
	return mp
}

// ResultGeoJSON exports a result as a FeatureCollection in plane
// coordinates: the target and aligned clouds as MultiPoint features, and one
// LineString per source point from its original to its aligned position.
// Displacement features carry the full 3D length; planarLength is the length
// of the projected line.
func ResultGeoJSON(r *JobResult, plane Plane) (*geojson.FeatureCollection, error) {
	if !r.HasClouds() {
		return nil, fmt.Errorf("result for job %s has no clouds to export", r.JobID)
	}
	if r.Source.Len() != r.Aligned.Len() {
		return nil, fmt.Errorf("result for job %s: %d source points but %d aligned points",
			r.JobID, r.Source.Len(), r.Aligned.Len())
	}

	fc := geojson.NewFeatureCollection()
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}}
	first := true
	extend := func(g orb.Geometry) {
		if first {
			bound = g.Bound()
			first = false
			return
		}
		bound = bound.Union(g.Bound())
	}

	target := projectCloud(r.Target, plane)
	aligned := projectCloud(r.Aligned, plane)
	for _, layer := range []struct {
		name string
		mp   orb.MultiPoint
	}{
		{LayerTarget, target},
		{LayerAligned, aligned},
	} {
		if len(layer.mp) == 0 {
			continue
		}
		f := geojson.NewFeature(layer.mp)
		f.ID = fmt.Sprintf("%s/%s", r.JobID, layer.name)
		f.Properties["layer"] = layer.name
		f.Properties["points"] = len(layer.mp)
		fc.Append(f)
		extend(layer.mp)
	}

	source := projectCloud(r.Source, plane)
	for i := range source {
		ls := orb.LineString{source[i], aligned[i]}
		f := geojson.NewFeature(ls)
		f.Properties["layer"] = LayerDisplacement
		f.Properties["index"] = i
		f.Properties["length"] = r3.Norm(r3.Sub(r.Aligned.Point(i), r.Source.Point(i)))
		f.Properties["planarLength"] = planar.Length(ls)
		fc.Append(f)
		extend(ls)
	}

	if !first {
		fc.BBox = geojson.NewBBox(bound)
	}
	fc.ExtraMembers = geojson.Properties{
		"jobId":     r.JobID,
		"runId":     r.RunID,
		"method":    r.Method,
		"plane":     string(plane),
		"meanError": r.MeanError,
	}
	return fc, nil
}
