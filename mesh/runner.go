package mesh

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/cpd"
	"github.com/kwv/driftmesh/pointcloud"
)

// RunOption configures RunJob.
type RunOption func(*runConfig)

type runConfig struct {
	observers []cpd.Observer
	log       logrus.FieldLogger
}

// WithObserver adds a per-iteration observer to the run.
func WithObserver(o cpd.Observer) RunOption {
	return func(c *runConfig) {
		c.observers = append(c.observers, o)
	}
}

// WithLogger sets the run logger.
func WithLogger(log logrus.FieldLogger) RunOption {
	return func(c *runConfig) {
		c.log = log
	}
}

// RunJob registers source onto target with the job's settings and returns
// the result, including a copy of source moved by the fitted transform.
// Neither input cloud is modified.
func RunJob(ctx context.Context, s JobSettings, source, target *pointcloud.Cloud, opts ...RunOption) (*JobResult, error) {
	cfg := runConfig{log: DiscardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.log.WithFields(logrus.Fields{"job": s.ID, "method": s.Kind.String()})

	if source == nil || target == nil {
		return nil, fmt.Errorf("job %s: missing source or target cloud", s.ID)
	}

	var extra []cpd.Option
	if len(cfg.observers) > 0 {
		extra = append(extra, cpd.WithObserver(cpd.MultiObserver(cfg.observers...)))
	}

	reg, err := cpd.New(s.Kind, source, target, s.Options(extra...)...)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", s.ID, err)
	}

	log.WithFields(logrus.Fields{
		"sourcePoints": source.Len(),
		"targetPoints": target.Len(),
		"variance":     reg.Variance(),
	}).Info("starting registration")

	start := time.Now()
	res, err := reg.Solve(ctx, s.MaxIterations, s.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("job %s: solving: %w", s.ID, err)
	}
	elapsed := time.Since(start)

	aligned := source.Clone()
	if err := reg.ApplyTransform(aligned); err != nil {
		return nil, fmt.Errorf("job %s: applying transform: %w", s.ID, err)
	}

	result := &JobResult{
		RunID:        uuid.NewString(),
		JobID:        s.ID,
		Method:       s.Kind.String(),
		Result:       res,
		SourcePoints: source.Len(),
		TargetPoints: target.Len(),
		MeanError:    NearestMeanDistance(aligned, target),
		DurationMs:   float64(elapsed) / float64(time.Millisecond),
		CompletedAt:  time.Now().Unix(),
		Source:       source.Clone(),
		Target:       target.Clone(),
		Aligned:      aligned,
	}
	if rigid, ok := reg.(*cpd.Rigid); ok {
		result.Rigid = rigidParams(rigid)
	}

	entry := log.WithFields(logrus.Fields{
		"runId":      result.RunID,
		"iterations": res.Iterations,
		"variance":   res.Variance,
		"converged":  res.Converged,
		"meanError":  result.MeanError,
		"duration":   elapsed.Round(time.Millisecond),
	})
	if res.Degenerate {
		entry.WithField("reason", res.Reason).Warn("registration stopped on degeneracy")
	} else {
		entry.Info("registration complete")
	}
	return result, nil
}

func rigidParams(r *cpd.Rigid) *RigidParams {
	p := &RigidParams{Scale: r.Scale()}
	rot := r.Rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Rotation[i*3+j] = rot.At(i, j)
		}
	}
	t := r.Translation()
	p.Translation = [3]float64{t.X, t.Y, t.Z}
	return p
}

// NearestMeanDistance returns the mean distance from each point of a to its
// nearest point in b, or 0 if either cloud is empty.
func NearestMeanDistance(a, b *pointcloud.Cloud) float64 {
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	var sum float64
	for _, p := range a.Points {
		best := math.Inf(1)
		for _, q := range b.Points {
			if d := r3.Norm2(r3.Sub(p, q)); d < best {
				best = d
			}
		}
		sum += math.Sqrt(best)
	}
	return sum / float64(a.Len())
}
