package cpd

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// IterationStats describes one completed EM iteration.
type IterationStats struct {
	Iteration  int
	Variance   float64
	Delta      float64 // |var_prev - var|
	Estimate   time.Duration
	Maximize   time.Duration
	Degenerate bool
}

// Observer receives per-iteration statistics. It is purely observational and
// is called synchronously from Solve.
type Observer interface {
	ObserveIteration(IterationStats)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(IterationStats)

// ObserveIteration calls f(s).
func (f ObserverFunc) ObserveIteration(s IterationStats) { f(s) }

// MultiObserver fans statistics out to several observers.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

type multiObserver []Observer

func (m multiObserver) ObserveIteration(s IterationStats) {
	for _, o := range m {
		notify(o, s)
	}
}

func notify(o Observer, s IterationStats) {
	if o != nil {
		o.ObserveIteration(s)
	}
}

var (
	now   = time.Now
	since = time.Since
)

// Statistic accumulates samples and reports their mean and unbiased variance.
type Statistic struct {
	name    string
	samples []float64
}

// NewStatistic creates an empty named statistic.
func NewStatistic(name string) *Statistic {
	return &Statistic{name: name}
}

// Name returns the statistic name.
func (s *Statistic) Name() string { return s.name }

// Add records a sample.
func (s *Statistic) Add(sample float64) {
	s.samples = append(s.samples, sample)
}

// Count returns the number of samples.
func (s *Statistic) Count() int { return len(s.samples) }

// Mean returns the sample mean, or 0 without samples.
func (s *Statistic) Mean() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	return stat.Mean(s.samples, nil)
}

// Variance returns the unbiased sample variance, or 0 with fewer than two samples.
func (s *Statistic) Variance() float64 {
	if len(s.samples) < 2 {
		return 0
	}
	_, variance := stat.MeanVariance(s.samples, nil)
	return variance
}

func (s *Statistic) clone() *Statistic {
	return &Statistic{name: s.name, samples: append([]float64(nil), s.samples...)}
}

// String formats the statistic as "name: mean (stddev)".
func (s *Statistic) String() string {
	return fmt.Sprintf("%s: %.4f (%.4f)", s.name, s.Mean(), math.Sqrt(s.Variance()))
}

// Recorder is an Observer that keeps timing statistics for both EM phases in
// milliseconds, along with the variance trace.
type Recorder struct {
	mu        sync.Mutex
	estimate  *Statistic
	maximize  *Statistic
	variances []float64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		estimate: NewStatistic("estimate"),
		maximize: NewStatistic("maximize"),
	}
}

// ObserveIteration implements Observer.
func (r *Recorder) ObserveIteration(s IterationStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimate.Add(float64(s.Estimate) / float64(time.Millisecond))
	r.maximize.Add(float64(s.Maximize) / float64(time.Millisecond))
	if !s.Degenerate {
		r.variances = append(r.variances, s.Variance)
	}
}

// Estimate returns a snapshot of the E-step timing statistic.
func (r *Recorder) Estimate() *Statistic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.estimate.clone()
}

// Maximize returns a snapshot of the M-step timing statistic.
func (r *Recorder) Maximize() *Statistic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maximize.clone()
}

// Variances returns a copy of the per-iteration variance trace.
func (r *Recorder) Variances() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.variances))
	copy(out, r.variances)
	return out
}

// WriteSummary prints both timing statistics, one per line.
func (r *Recorder) WriteSummary(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := fmt.Fprintf(w, "%s ms\n", r.estimate); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s ms\n", r.maximize)
	return err
}
