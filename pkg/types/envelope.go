package types

import "time"

type ResultEnvelope struct {
	ProbeID     string            `json:"probe_id" yaml:"probe_id"`
	ProbeRegion string            `json:"probe_region" yaml:"probe_region"`
	SentAt      time.Time         `json:"sent_at" yaml:"sent_at"`
	BatchSeq    uint64            `json:"batch_seq" yaml:"batch_seq"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Results     []TestResult      `json:"results" yaml:"results"`
}

// Heartbeat is the periodic liveness report posted by the probe.
type Heartbeat struct {
	ProbeID       string     `json:"probe_id"`
	ProbeRegion   string     `json:"probe_region"`
	Status        string     `json:"status"`
	SentAt        time.Time  `json:"sent_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	LastTest      *time.Time `json:"last_test,omitempty"`
	TestsToday    int64      `json:"tests_today"`
	QueueDepth    int        `json:"queue_depth"`
	Reasons       []string   `json:"reasons,omitempty"`
}
