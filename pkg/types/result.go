package types

import "time"

// Status is the outcome of a single measurement.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
	StatusBlocked Status = "blocked"
	StatusSkipped Status = "skipped"
)

// IPSource records how the assigned tunnel address was learned.
type IPSource string

const (
	IPSourceInterface IPSource = "interface"
	IPSourceLookup    IPSource = "lookup"
	IPSourceUnknown   IPSource = "unknown"
)

// LatencyResult aggregates ping measurements over one or more targets.
type LatencyResult struct {
	LatencyMs  *float64 `json:"latency_ms"`
	PacketLoss float64  `json:"packet_loss"`
	Status     Status   `json:"status"`
	Error      string   `json:"error,omitempty"`
}

// StreamingResult reports whether a streaming service is reachable through the tunnel.
type StreamingResult struct {
	Service        string   `json:"service"`
	Accessible     bool     `json:"accessible"`
	Status         Status   `json:"status"`
	ResponseTimeMs *float64 `json:"response_time_ms,omitempty"`
	DetectedRegion string   `json:"detected_region,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SpeedResult holds throughput measured through the tunnel.
type SpeedResult struct {
	DownloadMbps *float64 `json:"download_mbps,omitempty"`
	UploadMbps   *float64 `json:"upload_mbps,omitempty"`
	Status       Status   `json:"status"`
	Error        string   `json:"error,omitempty"`
}

// TestResult is the record produced for one test attempt against one server.
type TestResult struct {
	ID               string            `json:"id"`
	ProbeID          string            `json:"probe_id"`
	ProbeRegion      string            `json:"probe_region"`
	ServerID         string            `json:"server_id"`
	Provider         string            `json:"provider"`
	JobID            string            `json:"job_id,omitempty"`
	Tier             Tier              `json:"tier,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	VPNConnected     bool              `json:"vpn_connected"`
	VPNConnectTimeMs *float64          `json:"vpn_connect_time_ms,omitempty"`
	AssignedIP       string            `json:"assigned_ip,omitempty"`
	AssignedIPSource IPSource          `json:"assigned_ip_source,omitempty"`
	Ping             *LatencyResult    `json:"ping,omitempty"`
	Streaming        []StreamingResult `json:"streaming,omitempty"`
	Speed            *SpeedResult      `json:"speed,omitempty"`
	Protocol         Protocol          `json:"protocol"`
	Error            string            `json:"error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
}

// Consistent reports whether measurement fields are only present on a
// connected result.
func (r TestResult) Consistent() bool {
	if r.VPNConnected {
		return true
	}
	return r.Ping == nil && len(r.Streaming) == 0 && r.Speed == nil && r.AssignedIP == ""
}
