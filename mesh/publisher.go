package mesh

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Publisher publishes registration results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        map[string]*JobResult
	log           logrus.FieldLogger
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher. An empty prefix falls back to
// MQTT_PUBLISH_PREFIX, then to DefaultPublishPrefix. A nil client disables
// publishing.
func NewPublisher(client mqtt.Client, prefix string, log logrus.FieldLogger) *Publisher {
	if prefix == "" {
		prefix = ResolveMQTT(nil).PublishPrefix
	}
	if log == nil {
		log = DiscardLogger()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // late subscribers get the latest result
		latest:        make(map[string]*JobResult),
		log:           log,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string { return p.publishPrefix }

// JobTopic returns the topic a job's results are published on.
func (p *Publisher) JobTopic(jobID string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, jobID)
}

// ResultsTopic returns the combined results topic.
func (p *Publisher) ResultsTopic() string {
	return p.publishPrefix + "/results"
}

// PublishResult publishes r on its job topic and refreshes the combined
// results topic.
func (p *Publisher) PublishResult(r *JobResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.latest[r.JobID] = r
	p.mu.Unlock()

	if err := p.publish(p.JobTopic(r.JobID), r); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"job":   r.JobID,
		"runId": r.RunID,
		"topic": p.JobTopic(r.JobID),
	}).Info("published result")

	return p.publishCombined()
}

// resultSummary is the combined-topic entry for one job.
type resultSummary struct {
	JobID      string  `json:"jobId"`
	RunID      string  `json:"runId"`
	Method     string  `json:"method"`
	Outcome    string  `json:"outcome"`
	Iterations int     `json:"iterations"`
	Variance   float64 `json:"variance"`
	MeanError  float64 `json:"meanError"`
	Completed  int64   `json:"completedAt"`
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	summaries := make([]resultSummary, 0, len(p.latest))
	for _, r := range p.latest {
		summaries = append(summaries, resultSummary{
			JobID:      r.JobID,
			RunID:      r.RunID,
			Method:     r.Method,
			Outcome:    Outcome(r.Result),
			Iterations: r.Result.Iterations,
			Variance:   r.Result.Variance,
			MeanError:  r.MeanError,
			Completed:  r.CompletedAt,
		})
	}
	p.mu.RUnlock()

	if len(summaries) == 0 {
		return nil
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].JobID < summaries[j].JobID })

	return p.publish(p.ResultsTopic(), map[string]interface{}{
		"jobs":      summaries,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last published result for a job.
func (p *Publisher) Latest(jobID string) (*JobResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.latest[jobID]
	return r, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
