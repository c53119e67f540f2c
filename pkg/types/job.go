package types

import "strings"

// Tier selects how much measurement a job performs.
type Tier string

const (
	TierCold Tier = "cold"
	TierWarm Tier = "warm"
	TierHot  Tier = "hot"
)

// ParseTier maps a tier name to a Tier, defaulting to warm for unknown input.
func ParseTier(value string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierCold:
		return TierCold
	case TierHot:
		return TierHot
	default:
		return TierWarm
	}
}

// RunsSpeed reports whether the tier includes a throughput test.
func (t Tier) RunsSpeed() bool { return t != TierCold }

// RunsStreaming reports whether the tier includes streaming checks.
func (t Tier) RunsStreaming() bool { return t == TierHot }

// Job is a single test assignment handed to the probe by the central service.
type Job struct {
	JobID             string           `json:"job_id" yaml:"job_id"`
	Tier              Tier             `json:"tier" yaml:"tier"`
	LatencyTarget     string           `json:"latency_target,omitempty" yaml:"latency_target,omitempty"`
	StreamingServices []string         `json:"streaming_services,omitempty" yaml:"streaming_services,omitempty"`
	Server            ServerDescriptor `json:"server" yaml:"server"`
}

// JobBatch is the payload returned by the job endpoint.
type JobBatch struct {
	Jobs []Job `json:"jobs" yaml:"jobs"`
}
