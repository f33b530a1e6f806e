package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/mesh"
	"github.com/kwv/driftmesh/pointcloud"
)

// server holds the dependencies of the HTTP endpoints.
type server struct {
	tracker   *mesh.StateTracker
	config    *mesh.Config
	metrics   *mesh.Metrics
	registrar *mesh.AutoRegistrar // nil disables POST /jobs/{id}/run
	log       logrus.FieldLogger
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(s *server) http.Handler {
	if s.log == nil {
		s.log = mesh.DiscardLogger()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /results", s.handleResults)
	mux.HandleFunc("GET /geojson", s.handleCombinedGeoJSON)
	mux.HandleFunc("GET /results/{id}", s.handleResult)
	mux.HandleFunc("GET /results/{id}/overlay.svg", s.handleOverlaySVG)
	mux.HandleFunc("GET /results/{id}/overlay.png", s.handleOverlayPNG)
	mux.HandleFunc("GET /results/{id}/aligned.xyz", s.handleAlignedXYZ)
	mux.HandleFunc("GET /results/{id}/geojson", s.handleGeoJSON)
	mux.HandleFunc("POST /jobs/{id}/run", s.handleRun)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("http request")
		mux.ServeHTTP(w, r)
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("encoding JSON response")
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Status     string    `json:"status"`
		Timestamp  time.Time `json:"timestamp"`
		HasResults bool      `json:"hasResults"`
	}{
		Status:     "ok",
		Timestamp:  time.Now(),
		HasResults: s.tracker.HasResults(),
	})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0, len(s.config.Jobs))
	for _, job := range s.config.Jobs {
		ids = append(ids, job.ID)
	}
	s.writeJSON(w, http.StatusOK, s.tracker.Status(ids))
}

func (s *server) handleResults(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Results())
}

// lookup returns the result named by the {id} path value, writing a 404 when
// there is none. withClouds also requires the clouds, which results restored
// from the cache lack.
func (s *server) lookup(w http.ResponseWriter, r *http.Request, withClouds bool) (*mesh.JobResult, bool) {
	id := r.PathValue("id")
	result, ok := s.tracker.GetResult(id)
	if !ok {
		http.Error(w, "no result for job "+id, http.StatusNotFound)
		return nil, false
	}
	if withClouds && !result.HasClouds() {
		http.Error(w, "clouds for job "+id+" are not available until it runs again", http.StatusNotFound)
		return nil, false
	}
	return result, true
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	if result, ok := s.lookup(w, r, false); ok {
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *server) overlay(w http.ResponseWriter, r *http.Request) (*mesh.OverlayRenderer, bool) {
	result, ok := s.lookup(w, r, true)
	if !ok {
		return nil, false
	}
	renderer, err := mesh.NewOverlayRenderer(result, s.config.Render, s.tracker.GetColor(result.JobID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return renderer, true
}

func (s *server) handleOverlaySVG(w http.ResponseWriter, r *http.Request) {
	renderer, ok := s.overlay(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	if err := renderer.RenderToSVG(w); err != nil {
		s.log.WithError(err).Warn("rendering overlay SVG")
	}
}

func (s *server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	renderer, ok := s.overlay(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := renderer.RenderToPNG(w); err != nil {
		s.log.WithError(err).Warn("rendering overlay PNG")
	}
}

func (s *server) handleAlignedXYZ(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := pointcloud.WriteXYZ(w, result.Aligned); err != nil {
		s.log.WithError(err).Warn("writing aligned cloud")
	}
}

// plane returns the ?plane= query value, or the configured render plane.
func (s *server) plane(w http.ResponseWriter, r *http.Request) (mesh.Plane, bool) {
	name := r.URL.Query().Get("plane")
	if name == "" {
		name = s.config.Render.Plane
	}
	plane, err := mesh.ParsePlane(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return plane, true
}

func (s *server) writeGeoJSON(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	data, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *server) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookup(w, r, true)
	if !ok {
		return
	}
	plane, ok := s.plane(w, r)
	if !ok {
		return
	}
	fc, err := mesh.ResultGeoJSON(result, plane)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeGeoJSON(w, fc)
}

// handleCombinedGeoJSON serves the footprints of all jobs. ?simplify= sets
// the Douglas-Peucker tolerance in plane units.
func (s *server) handleCombinedGeoJSON(w http.ResponseWriter, r *http.Request) {
	plane, ok := s.plane(w, r)
	if !ok {
		return
	}
	var tolerance float64
	if v := r.URL.Query().Get("simplify"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 {
			http.Error(w, "invalid simplify tolerance "+strconv.Quote(v), http.StatusBadRequest)
			return
		}
		tolerance = t
	}
	s.writeGeoJSON(w, mesh.CombinedGeoJSON(s.tracker.Results(), plane, tolerance))
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.registrar == nil {
		http.Error(w, "registration runs are disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if s.config.GetJobByID(id) == nil {
		http.Error(w, "unknown job "+id, http.StatusNotFound)
		return
	}
	result, err := s.registrar.RunNow(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
