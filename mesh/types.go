package mesh

import (
	"time"

	"github.com/kwv/driftmesh/cpd"
	"github.com/kwv/driftmesh/pointcloud"
)

// Config represents the full configuration file
type Config struct {
	MQTT         MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	Render       RenderConfig       `yaml:"render" json:"render"`
	Jobs         []JobConfig        `yaml:"jobs" json:"jobs"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// RegistrationConfig holds the registration defaults shared by all jobs.
// Zero values select the package defaults.
type RegistrationConfig struct {
	MaxIterations int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance     float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	OutlierWeight float64 `yaml:"outlierWeight,omitempty" json:"outlierWeight,omitempty"`
	Beta          float64 `yaml:"beta,omitempty" json:"beta,omitempty"`
	Lambda        float64 `yaml:"lambda,omitempty" json:"lambda,omitempty"`
	Workers       int     `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = GOMAXPROCS
}

// RenderConfig controls overlay rendering.
type RenderConfig struct {
	Plane       string  `yaml:"plane,omitempty" json:"plane,omitempty"`             // xy, xz or yz (default xy)
	Padding     float64 `yaml:"padding,omitempty" json:"padding,omitempty"`         // fraction of the extent (default 0.1)
	Resolution  float64 `yaml:"resolution,omitempty" json:"resolution,omitempty"`   // PNG DPI (default 150)
	PointRadius float64 `yaml:"pointRadius,omitempty" json:"pointRadius,omitempty"` // fraction of the extent (default 0.01)
}

// JobConfig defines a registration job from the config file. Override fields
// are optional and fall back to the registration defaults.
type JobConfig struct {
	ID          string  `yaml:"id" json:"id"`
	Method      string  `yaml:"method,omitempty" json:"method,omitempty"` // rigid (default) or nonrigid
	SourceTopic string  `yaml:"sourceTopic,omitempty" json:"sourceTopic,omitempty"`
	TargetTopic string  `yaml:"targetTopic,omitempty" json:"targetTopic,omitempty"`
	SourceURL   *string `yaml:"sourceUrl,omitempty" json:"sourceUrl,omitempty"`
	TargetURL   *string `yaml:"targetUrl,omitempty" json:"targetUrl,omitempty"`
	Color       string  `yaml:"color,omitempty" json:"color,omitempty"`

	MaxIterations *int     `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	Tolerance     *float64 `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	OutlierWeight *float64 `yaml:"outlierWeight,omitempty" json:"outlierWeight,omitempty"`
	Beta          *float64 `yaml:"beta,omitempty" json:"beta,omitempty"`
	Lambda        *float64 `yaml:"lambda,omitempty" json:"lambda,omitempty"`
}

// JobSettings is a job with every option resolved.
type JobSettings struct {
	ID            string
	Kind          cpd.Kind
	MaxIterations int
	Tolerance     float64
	OutlierWeight float64
	Beta          float64
	Lambda        float64
	Workers       int
	Color         string
}

// RigidParams is the fitted similarity transform of a rigid job.
type RigidParams struct {
	Scale       float64    `json:"scale"`
	Rotation    [9]float64 `json:"rotation"` // row-major 3×3
	Translation [3]float64 `json:"translation"`
}

// JobResult records one registration run.
type JobResult struct {
	RunID        string       `json:"runId"`
	JobID        string       `json:"jobId"`
	Method       string       `json:"method"`
	Result       cpd.Result   `json:"result"`
	Rigid        *RigidParams `json:"rigid,omitempty"`
	SourcePoints int          `json:"sourcePoints"`
	TargetPoints int          `json:"targetPoints"`
	// MeanError is the mean distance from each aligned point to its nearest
	// target point.
	MeanError   float64 `json:"meanError"`
	DurationMs  float64 `json:"durationMs"`
	CompletedAt int64   `json:"completedAt"`

	Source  *pointcloud.Cloud `json:"-"`
	Target  *pointcloud.Cloud `json:"-"`
	Aligned *pointcloud.Cloud `json:"-"`
}

// HasClouds reports whether the result still carries its point clouds.
// Results loaded from the cache do not.
func (r *JobResult) HasClouds() bool {
	return r != nil && r.Source != nil && r.Target != nil && r.Aligned != nil
}

// Completed returns CompletedAt as a time.
func (r *JobResult) Completed() time.Time {
	return time.Unix(r.CompletedAt, 0)
}

// ResultCache stores the latest result per job as JSON.
type ResultCache struct {
	Jobs        map[string]JobResult `json:"jobs"`
	LastUpdated int64                `json:"lastUpdated"`
}
