package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/pointcloud"
)

const (
	// DefaultMinRunInterval is the minimum time between automatic runs of
	// the same job (debounce).
	DefaultMinRunInterval = 10 * time.Second
)

// ErrJobRunning is returned by RunNow while the job is already running.
var ErrJobRunning = errors.New("job is already running")

// AutoRegistrar runs a job whenever one of its clouds changes and both are
// present. It debounces bursts of updates, never runs the same job twice
// concurrently, and publishes and persists every result.
type AutoRegistrar struct {
	ctx       context.Context
	config    *Config
	tracker   *StateTracker
	publisher *Publisher
	metrics   *Metrics
	log       logrus.FieldLogger

	mu          sync.Mutex
	minInterval time.Duration
	lastRun     map[string]time.Time
	running     map[string]bool
	pending     map[string]bool
}

// NewAutoRegistrar creates an AutoRegistrar. publisher and metrics may be nil.
// ctx bounds every run it starts.
func NewAutoRegistrar(ctx context.Context, config *Config, st *StateTracker, publisher *Publisher, metrics *Metrics, log logrus.FieldLogger) *AutoRegistrar {
	if log == nil {
		log = DiscardLogger()
	}
	return &AutoRegistrar{
		ctx:         ctx,
		config:      config,
		tracker:     st,
		publisher:   publisher,
		metrics:     metrics,
		log:         log,
		minInterval: DefaultMinRunInterval,
		lastRun:     make(map[string]time.Time),
		running:     make(map[string]bool),
		pending:     make(map[string]bool),
	}
}

// SetPublisher sets the publisher used for results from now on. The service
// creates it once the MQTT client exists.
func (ar *AutoRegistrar) SetPublisher(p *Publisher) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.publisher = p
}

// SetMinInterval changes the debounce interval.
func (ar *AutoRegistrar) SetMinInterval(d time.Duration) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.minInterval = d
}

// OnCloud is the CloudHandler registered with the MQTT client.
func (ar *AutoRegistrar) OnCloud(jobID string, role Role, cloud *pointcloud.Cloud, err error) {
	log := ar.log.WithFields(logrus.Fields{"job": jobID, "role": role})
	if err != nil {
		log.WithError(err).Warn("dropping undecodable cloud")
		return
	}
	if verr := cloud.Validate(); verr != nil {
		log.WithError(verr).Warn("dropping invalid cloud")
		return
	}

	ar.tracker.UpdateCloud(jobID, role, cloud)
	if ar.metrics != nil {
		ar.metrics.ObserveIngest(jobID, string(role))
	}
	ar.Trigger(jobID)
}

// Trigger runs the job unless it lacks a cloud, ran within the debounce
// interval, or is already running. A trigger that arrives during a run
// schedules one more run after it.
func (ar *AutoRegistrar) Trigger(jobID string) {
	if _, _, _, ok := ar.tracker.Clouds(jobID); !ok {
		ar.log.WithField("job", jobID).Debug("waiting for both clouds")
		return
	}

	ar.mu.Lock()
	if ar.running[jobID] {
		ar.pending[jobID] = true
		ar.mu.Unlock()
		return
	}
	if last, ok := ar.lastRun[jobID]; ok && time.Since(last) < ar.minInterval {
		ar.log.WithFields(logrus.Fields{
			"job":     jobID,
			"lastRun": time.Since(last).Round(time.Millisecond),
		}).Debug("skipping run within debounce interval")
		ar.mu.Unlock()
		return
	}
	ar.running[jobID] = true
	ar.mu.Unlock()

	ar.drain(jobID)
}

// RunNow runs the job immediately, ignoring the debounce interval. It returns
// ErrJobRunning instead of waiting when a run of the job is in progress.
// Triggers that arrive during the run are served in the background afterwards.
func (ar *AutoRegistrar) RunNow(ctx context.Context, jobID string) (*JobResult, error) {
	ar.mu.Lock()
	if ar.running[jobID] {
		ar.mu.Unlock()
		return nil, ErrJobRunning
	}
	ar.running[jobID] = true
	ar.mu.Unlock()

	result, err := ar.Run(ctx, jobID)
	if ar.release(jobID) {
		go ar.drain(jobID)
	}
	return result, err
}

// drain runs the job until no trigger is pending. The caller must have marked
// the job running.
func (ar *AutoRegistrar) drain(jobID string) {
	for {
		if _, err := ar.Run(ar.ctx, jobID); err != nil {
			ar.log.WithField("job", jobID).WithError(err).Error("registration run failed")
		}
		if !ar.release(jobID) {
			return
		}
	}
}

// release records the end of a run. It returns true, keeping the job marked
// running, when another run is pending.
func (ar *AutoRegistrar) release(jobID string) bool {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.lastRun[jobID] = time.Now()
	again := ar.pending[jobID] && ar.ctx.Err() == nil
	delete(ar.pending, jobID)
	if !again {
		ar.running[jobID] = false
	}
	return again
}

// Run registers the job's current clouds, then stores, publishes and records
// the result. A result that lost to one computed from newer clouds is returned
// but not published. Run does not take the per-job guard; use RunNow or
// Trigger for that.
func (ar *AutoRegistrar) Run(ctx context.Context, jobID string) (*JobResult, error) {
	job := ar.config.GetJobByID(jobID)
	if job == nil {
		return nil, fmt.Errorf("job %q not found in config", jobID)
	}
	settings, err := ar.config.Resolve(*job)
	if err != nil {
		return nil, err
	}

	source, target, version, ok := ar.tracker.Clouds(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s: waiting for source and target clouds", jobID)
	}

	opts := []RunOption{WithLogger(ar.log), WithObserver(LogObserver(ar.log, jobID))}
	if ar.metrics != nil {
		opts = append(opts, WithObserver(ar.metrics.Observer(jobID)))
	}

	result, err := RunJob(ctx, settings, source, target, opts...)
	if err != nil {
		if ar.metrics != nil {
			ar.metrics.ObserveError(jobID)
		}
		return nil, err
	}

	kept := ar.tracker.SetResult(result, version)
	if ar.metrics != nil {
		ar.metrics.ObserveResult(result)
	}
	if !kept {
		return result, nil
	}
	ar.mu.Lock()
	publisher := ar.publisher
	ar.mu.Unlock()
	if publisher != nil {
		if err := publisher.PublishResult(result); err != nil {
			ar.log.WithField("job", jobID).WithError(err).Warn("failed to publish result")
		}
	}
	return result, nil
}

// FetchClouds downloads the clouds of every job with a sourceUrl or
// targetUrl and stores them in the tracker. Failures are logged and
// returned, one error per cloud; the remaining clouds are still fetched.
func (ar *AutoRegistrar) FetchClouds(ctx context.Context, opts ...pointcloud.FetchOption) []error {
	var errs []error
	for _, job := range ar.config.Jobs {
		for _, src := range []struct {
			url  string
			role Role
		}{
			{job.sourceURL(), RoleSource},
			{job.targetURL(), RoleTarget},
		} {
			if src.url == "" {
				continue
			}
			log := ar.log.WithFields(logrus.Fields{"job": job.ID, "role": src.role, "url": src.url})
			cloud, err := pointcloud.Fetch(ctx, src.url, opts...)
			if err != nil {
				log.WithError(err).Warn("failed to fetch cloud")
				errs = append(errs, fmt.Errorf("job %s %s: %w", job.ID, src.role, err))
				continue
			}
			log.WithField("points", cloud.Len()).Info("fetched cloud")
			ar.tracker.UpdateCloud(job.ID, src.role, cloud)
			if ar.metrics != nil {
				ar.metrics.ObserveIngest(job.ID, string(src.role))
			}
		}
	}
	return errs
}

// RunStale runs every job whose clouds are newer than its latest result.
func (ar *AutoRegistrar) RunStale() {
	for _, job := range ar.config.Jobs {
		if ar.tracker.IsStale(job.ID) {
			ar.Trigger(job.ID)
		}
	}
}
