package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultResultCachePath is the default path for the result cache
const DefaultResultCachePath = ".driftmesh-results.json"

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{Jobs: make(map[string]JobResult)}
}

// LoadResults loads the result cache from a JSON file. A missing file yields
// an empty cache.
func LoadResults(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewResultCache(), nil
		}
		return nil, fmt.Errorf("reading result cache: %w", err)
	}

	var cache ResultCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing result cache: %w", err)
	}
	if cache.Jobs == nil {
		cache.Jobs = make(map[string]JobResult)
	}
	return &cache, nil
}

// SaveResults writes the result cache to a JSON file
func SaveResults(path string, cache *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result cache: %w", err)
	}
	return nil
}

// Update stores r as the latest result of its job.
func (c *ResultCache) Update(r *JobResult) {
	if c.Jobs == nil {
		c.Jobs = make(map[string]JobResult)
	}
	entry := *r
	entry.Source, entry.Target, entry.Aligned = nil, nil, nil
	c.Jobs[r.JobID] = entry
}

// Get returns the latest result for a job.
func (c *ResultCache) Get(jobID string) (JobResult, bool) {
	if c == nil {
		return JobResult{}, false
	}
	r, ok := c.Jobs[jobID]
	return r, ok
}

// ResultStatus summarises the cache against the configured jobs.
type ResultStatus struct {
	Completed   []string          `json:"completed"`
	Missing     []string          `json:"missing"`
	Degenerate  []string          `json:"degenerate,omitempty"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Outcomes    map[string]string `json:"outcomes"`
}

// Status reports which of the expected jobs have results.
func (c *ResultCache) Status(expectedJobs []string) ResultStatus {
	status := ResultStatus{Outcomes: make(map[string]string)}
	if c == nil {
		status.Missing = expectedJobs
		return status
	}
	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for id, r := range c.Jobs {
		status.Completed = append(status.Completed, id)
		outcome := Outcome(r.Result)
		status.Outcomes[id] = outcome
		if outcome == "degenerate" {
			status.Degenerate = append(status.Degenerate, id)
		}
	}
	sort.Strings(status.Completed)
	sort.Strings(status.Degenerate)

	for _, id := range expectedJobs {
		if _, ok := c.Jobs[id]; !ok {
			status.Missing = append(status.Missing, id)
		}
	}
	return status
}

// NeedsRerun reports whether a job has no result or one older than maxAge.
func (c *ResultCache) NeedsRerun(jobID string, maxAge time.Duration) bool {
	r, ok := c.Get(jobID)
	if !ok || r.CompletedAt == 0 {
		return true
	}
	return time.Since(r.Completed()) > maxAge
}
