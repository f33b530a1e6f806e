package mesh

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kwv/driftmesh/cpd"
)

const (
	// DefaultMaxIterations bounds a job's EM loop when neither the job nor
	// the registration defaults set it.
	DefaultMaxIterations = 100

	// DefaultPublishPrefix is the MQTT prefix for published results.
	DefaultPublishPrefix = "driftmesh"

	// DefaultClientID is the MQTT client ID when none is configured.
	DefaultClientID = "driftmesh"
)

// LoadConfig loads the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks required fields and job definitions.
func (c *Config) Validate() error {
	if len(c.Jobs) == 0 {
		return fmt.Errorf("at least one job must be defined")
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.ID == "" {
			return fmt.Errorf("jobs[%d].id is required", i)
		}
		if seen[job.ID] {
			return fmt.Errorf("jobs[%d].id %q is duplicated", i, job.ID)
		}
		seen[job.ID] = true

		if _, err := cpd.ParseKind(job.Method); err != nil {
			return fmt.Errorf("jobs[%d].method for %s: %w", i, job.ID, err)
		}
		if job.SourceTopic == "" && job.sourceURL() == "" {
			return fmt.Errorf("jobs[%d] %s needs a sourceTopic or sourceUrl", i, job.ID)
		}
		if job.TargetTopic == "" && job.targetURL() == "" {
			return fmt.Errorf("jobs[%d] %s needs a targetTopic or targetUrl", i, job.ID)
		}
	}

	if _, err := ParsePlane(c.Render.Plane); err != nil {
		return fmt.Errorf("render.plane: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetJobByID returns the job config for the given ID
func (c *Config) GetJobByID(id string) *JobConfig {
	for i := range c.Jobs {
		if c.Jobs[i].ID == id {
			return &c.Jobs[i]
		}
	}
	return nil
}

// GetJobByTopic returns the job subscribed to topic and whether the topic
// carries the source cloud.
func (c *Config) GetJobByTopic(topic string) (job *JobConfig, isSource bool, ok bool) {
	for i := range c.Jobs {
		switch topic {
		case c.Jobs[i].SourceTopic:
			return &c.Jobs[i], true, true
		case c.Jobs[i].TargetTopic:
			return &c.Jobs[i], false, true
		}
	}
	return nil, false, false
}

func (jc *JobConfig) sourceURL() string {
	if jc.SourceURL == nil {
		return ""
	}
	return *jc.SourceURL
}

func (jc *JobConfig) targetURL() string {
	if jc.TargetURL == nil {
		return ""
	}
	return *jc.TargetURL
}

// Resolve merges the job's overrides over the registration defaults.
func (c *Config) Resolve(job JobConfig) (JobSettings, error) {
	kind, err := cpd.ParseKind(job.Method)
	if err != nil {
		return JobSettings{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	d := c.Registration
	s := JobSettings{
		ID:            job.ID,
		Kind:          kind,
		MaxIterations: d.MaxIterations,
		Tolerance:     d.Tolerance,
		OutlierWeight: d.OutlierWeight,
		Beta:          d.Beta,
		Lambda:        d.Lambda,
		Workers:       d.Workers,
		Color:         job.Color,
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.Tolerance <= 0 {
		s.Tolerance = cpd.DefaultTolerance
	}
	if s.Beta <= 0 {
		s.Beta = cpd.DefaultBeta
	}
	if s.Lambda <= 0 {
		s.Lambda = cpd.DefaultLambda
	}

	if job.MaxIterations != nil {
		s.MaxIterations = *job.MaxIterations
	}
	if job.Tolerance != nil {
		s.Tolerance = *job.Tolerance
	}
	if job.OutlierWeight != nil {
		s.OutlierWeight = *job.OutlierWeight
	}
	if job.Beta != nil {
		s.Beta = *job.Beta
	}
	if job.Lambda != nil {
		s.Lambda = *job.Lambda
	}
	return s, nil
}

// Options converts the settings into registration options.
func (s JobSettings) Options(extra ...cpd.Option) []cpd.Option {
	opts := []cpd.Option{
		cpd.WithOutlierWeight(s.OutlierWeight),
		cpd.WithBeta(s.Beta),
		cpd.WithLambda(s.Lambda),
		cpd.WithWorkers(s.Workers),
	}
	return append(opts, extra...)
}

// ResolveMQTT returns the MQTT settings with environment overrides applied:
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME, MQTT_PASSWORD and
// MQTT_PUBLISH_PREFIX take precedence over the config file.
func ResolveMQTT(config *Config) MQTTConfig {
	var m MQTTConfig
	if config != nil {
		m = config.MQTT
	}
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	override(&m.Broker, "MQTT_BROKER")
	override(&m.ClientID, "MQTT_CLIENT_ID")
	override(&m.Username, "MQTT_USERNAME")
	override(&m.Password, "MQTT_PASSWORD")
	override(&m.PublishPrefix, "MQTT_PUBLISH_PREFIX")

	if m.ClientID == "" {
		m.ClientID = DefaultClientID
	}
	if m.PublishPrefix == "" {
		m.PublishPrefix = DefaultPublishPrefix
	}
	return m
}

// BuildMethodOverrideMap parses the --method CLI flag format
// "JOB_ID=METHOD,JOB_ID2=METHOD2". Unknown methods are an error; entries
// without '=' are skipped.
func BuildMethodOverrideMap(value string) (map[string]cpd.Kind, error) {
	overrides := make(map[string]cpd.Kind)
	if value == "" {
		return overrides, nil
	}

	for _, entry := range strings.Split(value, ",") {
		id, method, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || id == "" {
			continue
		}
		kind, err := cpd.ParseKind(strings.ToLower(strings.TrimSpace(method)))
		if err != nil {
			return nil, fmt.Errorf("method override for %s: %w", id, err)
		}
		overrides[id] = kind
	}
	return overrides, nil
}

// ApplyMethodOverrides replaces the method of every job named in overrides
// and returns the IDs that matched no job.
func (c *Config) ApplyMethodOverrides(overrides map[string]cpd.Kind) []string {
	var unknown []string
	for id, kind := range overrides {
		job := c.GetJobByID(id)
		if job == nil {
			unknown = append(unknown, id)
			continue
		}
		job.Method = kind.String()
	}
	return unknown
}
