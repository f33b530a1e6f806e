package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kwv/driftmesh/cpd"
)

// Metrics holds the registration collectors. Each instance owns its
// registry so tests and multiple services do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	runs       *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	stepTime   *prometheus.HistogramVec
	variance   *prometheus.GaugeVec
	meanError  *prometheus.GaugeVec
	ingested   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Name:      "registration_runs_total",
			Help:      "Registration runs by job and outcome (converged, stopped, degenerate, error).",
		}, []string{"job", "outcome"}),
		iterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftmesh",
			Name:      "registration_iterations",
			Help:      "EM iterations per registration run.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"job"}),
		stepTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftmesh",
			Name:      "registration_step_seconds",
			Help:      "Duration of a single E or M step.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"job", "step"}),
		variance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "driftmesh",
			Name:      "registration_variance",
			Help:      "Mixture variance after the latest iteration.",
		}, []string{"job"}),
		meanError: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "driftmesh",
			Name:      "registration_mean_error",
			Help:      "Mean nearest-target distance of the latest aligned cloud.",
		}, []string{"job"}),
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftmesh",
			Name:      "clouds_ingested_total",
			Help:      "Point clouds received per job and role.",
		}, []string{"job", "role"}),
	}
}

// Observer returns a cpd.Observer that feeds the step and variance metrics.
func (m *Metrics) Observer(jobID string) cpd.Observer {
	estimate := m.stepTime.WithLabelValues(jobID, "estimate")
	maximize := m.stepTime.WithLabelValues(jobID, "maximize")
	variance := m.variance.WithLabelValues(jobID)
	return cpd.ObserverFunc(func(s cpd.IterationStats) {
		estimate.Observe(s.Estimate.Seconds())
		maximize.Observe(s.Maximize.Seconds())
		if !s.Degenerate {
			variance.Set(s.Variance)
		}
	})
}

// ObserveResult records the outcome of a finished run.
func (m *Metrics) ObserveResult(r *JobResult) {
	m.runs.WithLabelValues(r.JobID, Outcome(r.Result)).Inc()
	m.iterations.WithLabelValues(r.JobID).Observe(float64(r.Result.Iterations))
	m.meanError.WithLabelValues(r.JobID).Set(r.MeanError)
}

// ObserveError records a run that failed before producing a result.
func (m *Metrics) ObserveError(jobID string) {
	m.runs.WithLabelValues(jobID, "error").Inc()
}

// ObserveIngest counts a received cloud.
func (m *Metrics) ObserveIngest(jobID, role string) {
	m.ingested.WithLabelValues(jobID, role).Inc()
}

// Outcome classifies a result for metrics and status output.
func Outcome(r cpd.Result) string {
	switch {
	case r.Degenerate && !r.Converged:
		return "degenerate"
	case r.Converged:
		return "converged"
	default:
		return "stopped"
	}
}
