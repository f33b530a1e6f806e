package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kwv/driftmesh/pointcloud"
)

// Role tells which side of a job a cloud belongs to.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// jobClouds holds the latest clouds received for a job.
type jobClouds struct {
	source, target     *pointcloud.Cloud
	sourceAt, targetAt time.Time
	// version increases with every update; a result records the version it
	// was computed from.
	version uint64
}

// StateTracker tracks the latest clouds and results per job for the service
// and its HTTP endpoints.
type StateTracker struct {
	mu        sync.RWMutex
	clouds    map[string]*jobClouds
	results   map[string]*JobResult
	versions  map[string]uint64 // job ID -> cloud version of the latest result
	colors    map[string]string // job ID -> hex color
	cache     *ResultCache
	cachePath string // empty disables persistence
	log       logrus.FieldLogger
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		clouds:   make(map[string]*jobClouds),
		results:  make(map[string]*JobResult),
		versions: make(map[string]uint64),
		colors:   make(map[string]string),
		cache:    NewResultCache(),
		log:      DiscardLogger(),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists results to
// cachePath. Results already in the file are loaded, without their clouds.
func NewStateTrackerWithCache(cachePath string, log logrus.FieldLogger) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if log != nil {
		st.log = log
	}
	if cachePath != "" {
		cache, err := LoadResults(cachePath)
		if err != nil {
			st.log.WithError(err).Warn("ignoring unreadable result cache")
		} else {
			st.cache = cache
		}
	}
	return st
}

// SetColor sets the display color for a job
func (st *StateTracker) SetColor(jobID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[jobID] = hexColor
}

// GetColor returns the job color, or the default aligned color.
func (st *StateTracker) GetColor(jobID string) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if c := st.colors[jobID]; c != "" {
		return c
	}
	return DefaultAlignedColor
}

// UpdateCloud stores the latest cloud for one side of a job and returns the
// job's new cloud version.
func (st *StateTracker) UpdateCloud(jobID string, role Role, c *pointcloud.Cloud) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	jc, ok := st.clouds[jobID]
	if !ok {
		jc = &jobClouds{}
		st.clouds[jobID] = jc
	}
	now := time.Now()
	switch role {
	case RoleSource:
		jc.source, jc.sourceAt = c, now
	case RoleTarget:
		jc.target, jc.targetAt = c, now
	}
	jc.version++
	return jc.version
}

// Clouds returns copies of both clouds of a job and their version. ok is
// false until both sides have been received.
func (st *StateTracker) Clouds(jobID string) (source, target *pointcloud.Cloud, version uint64, ok bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	jc, found := st.clouds[jobID]
	if !found || jc.source == nil || jc.target == nil {
		return nil, nil, 0, false
	}
	return jc.source.Clone(), jc.target.Clone(), jc.version, true
}

// IsStale reports whether the job has clouds newer than its latest result.
func (st *StateTracker) IsStale(jobID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	jc, ok := st.clouds[jobID]
	if !ok {
		return false
	}
	return jc.version > st.versions[jobID]
}

// SetResult stores r as the latest result computed from cloud version, and
// persists the cache when configured. A result computed from an older version
// than the stored one is dropped and SetResult returns false.
func (st *StateTracker) SetResult(r *JobResult, version uint64) bool {
	st.mu.Lock()
	if version < st.versions[r.JobID] {
		latest := st.versions[r.JobID]
		st.mu.Unlock()
		st.log.WithFields(logrus.Fields{
			"job":     r.JobID,
			"version": version,
			"latest":  latest,
		}).Debug("dropping result computed from older clouds")
		return false
	}
	st.results[r.JobID] = r
	st.versions[r.JobID] = version
	st.cache.Update(r)
	cachePath := st.cachePath
	var snapshot ResultCache
	if cachePath != "" {
		snapshot = ResultCache{Jobs: make(map[string]JobResult, len(st.cache.Jobs))}
		for k, v := range st.cache.Jobs {
			snapshot.Jobs[k] = v
		}
	}
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveResults(cachePath, &snapshot); err != nil {
			st.log.WithError(err).Warn("failed to save result cache")
		}
	}
	return true
}

// GetResult returns the latest result for a job. Results restored from the
// cache carry no clouds.
func (st *StateTracker) GetResult(jobID string) (*JobResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if r, ok := st.results[jobID]; ok {
		return r, true
	}
	if r, ok := st.cache.Get(jobID); ok {
		return &r, true
	}
	return nil, false
}

// Results returns the latest result of every job, ordered by job ID.
func (st *StateTracker) Results() []*JobResult {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*JobResult, 0, len(st.cache.Jobs))
	for id, cached := range st.cache.Jobs {
		if r, ok := st.results[id]; ok {
			out = append(out, r)
			continue
		}
		c := cached
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// HasResults returns true if at least one job has a result
func (st *StateTracker) HasResults() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.cache.Jobs) > 0
}

// Status reports result coverage of the given jobs.
func (st *StateTracker) Status(jobIDs []string) ResultStatus {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cache.Status(jobIDs)
}
