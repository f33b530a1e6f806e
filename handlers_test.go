package main

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/mesh"
	"github.com/kwv/driftmesh/pointcloud"
)

// unitCube returns the eight corners of the unit cube.
func unitCube() *pointcloud.Cloud {
	var pts []r3.Vec
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				pts = append(pts, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	return pointcloud.New(pts)
}

// scaledCube returns 2·cube + (1,1,1).
func scaledCube() *pointcloud.Cloud {
	c := unitCube()
	for i, p := range c.Points {
		c.Points[i] = r3.Add(r3.Scale(2, p), r3.Vec{X: 1, Y: 1, Z: 1})
	}
	return c
}

func testConfig() *mesh.Config {
	return &mesh.Config{
		Registration: mesh.RegistrationConfig{MaxIterations: 100, Tolerance: 1e-6},
		Jobs: []mesh.JobConfig{
			{ID: "cube", SourceTopic: "cube/source", TargetTopic: "cube/target", Color: "#00AA00"},
			{ID: "idle", SourceTopic: "idle/source", TargetTopic: "idle/target"},
		},
	}
}

// newTestServer returns a handler whose "cube" job has already run once.
func newTestServer(t *testing.T) (http.Handler, *server) {
	t.Helper()
	config := testConfig()
	tracker := mesh.NewStateTracker()
	metrics := mesh.NewMetrics()
	registrar := mesh.NewAutoRegistrar(context.Background(), config, tracker, nil, metrics, nil)

	tracker.UpdateCloud("cube", mesh.RoleSource, unitCube())
	tracker.UpdateCloud("cube", mesh.RoleTarget, scaledCube())
	_, err := registrar.Run(context.Background(), "cube")
	require.NoError(t, err)

	s := &server{tracker: tracker, config: config, metrics: metrics, registrar: registrar}
	return newHTTPServer(s), s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status     string `json:"status"`
		HasResults bool   `json:"hasResults"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.HasResults)

	empty := newHTTPServer(&server{tracker: mesh.NewStateTracker(), config: testConfig()})
	require.NoError(t, json.Unmarshal(get(t, empty, "/health").Body.Bytes(), &body))
	assert.False(t, body.HasResults)
}

func TestHandleStatus(t *testing.T) {
	h, _ := newTestServer(t)
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status mesh.ResultStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, []string{"cube"}, status.Completed)
	assert.Equal(t, []string{"idle"}, status.Missing)
	assert.Equal(t, "converged", status.Outcomes["cube"])
}

func TestHandleResults(t *testing.T) {
	h, _ := newTestServer(t)

	var list []mesh.JobResult
	require.NoError(t, json.Unmarshal(get(t, h, "/results").Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "cube", list[0].JobID)

	rec := get(t, h, "/results/cube")
	require.Equal(t, http.StatusOK, rec.Code)
	var r mesh.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, "rigid", r.Method)
	require.NotNil(t, r.Rigid)
	assert.InDelta(t, 2.0, r.Rigid.Scale, 1e-2)
	assert.NotContains(t, rec.Body.String(), `"points"`, "clouds stay out of the result JSON")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/results/ghost").Code)
}

func TestHandleOverlays(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/results/cube/overlay.svg")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "<svg")

	rec = get(t, h, "/results/cube/overlay.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/results/ghost/overlay.png").Code)
}

func TestHandleAlignedXYZ(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/results/cube/aligned.xyz")
	require.Equal(t, http.StatusOK, rec.Code)
	aligned, err := pointcloud.ParseXYZ(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 8, aligned.Len())

	d, err := pointcloud.MeanDistance(aligned, scaledCube())
	require.NoError(t, err)
	assert.Less(t, d, 1e-2)
}

func TestHandleGeoJSON(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/results/cube/geojson?plane=xz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, 10)
	assert.Equal(t, "xz", fc.ExtraMembers["plane"])

	// Without a query the configured plane (default xy) applies.
	fc, err = geojson.UnmarshalFeatureCollection(get(t, h, "/results/cube/geojson").Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "xy", fc.ExtraMembers["plane"])

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/results/cube/geojson?plane=zz").Code)
}

func TestHandleCombinedGeoJSON(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/geojson?simplify=0.5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "cube/target-footprint", fc.Features[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/geojson?simplify=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/geojson?plane=uv").Code)
}

func TestHandlers_CachedResultHasNoClouds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	cache := mesh.NewResultCache()
	cache.Update(&mesh.JobResult{RunID: "r1", JobID: "old", Method: "rigid"})
	require.NoError(t, mesh.SaveResults(path, cache))

	tracker := mesh.NewStateTrackerWithCache(path, nil)
	h := newHTTPServer(&server{tracker: tracker, config: testConfig()})

	assert.Equal(t, http.StatusOK, get(t, h, "/results/old").Code)
	for _, suffix := range []string{"overlay.svg", "overlay.png", "aligned.xyz", "geojson"} {
		rec := get(t, h, "/results/old/"+suffix)
		assert.Equal(t, http.StatusNotFound, rec.Code, suffix)
		assert.Contains(t, rec.Body.String(), "not available", suffix)
	}
}

func TestHandleRun(t *testing.T) {
	h, s := newTestServer(t)
	before, _ := s.tracker.GetResult("cube")

	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}

	rec := post("/jobs/cube/run")
	require.Equal(t, http.StatusOK, rec.Code)
	var r mesh.JobResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.NotEqual(t, before.RunID, r.RunID)

	assert.Equal(t, http.StatusNotFound, post("/jobs/ghost/run").Code)
	assert.Equal(t, http.StatusConflict, post("/jobs/idle/run").Code, "idle has no clouds")
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/jobs/cube/run").Code)

	disabled := newHTTPServer(&server{tracker: s.tracker, config: s.config})
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/cube/run", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	h, _ := newTestServer(t)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `driftmesh_registration_runs_total{job="cube",outcome="converged"} 1`)
	assert.True(t, strings.Contains(body, "driftmesh_registration_mean_error"))

	noMetrics := newHTTPServer(&server{tracker: mesh.NewStateTracker(), config: testConfig()})
	assert.Equal(t, http.StatusNotFound, get(t, noMetrics, "/metrics").Code)
}
