package uplink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/internal/transmit"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	defaultResultsPath   = "/api/probe/v1/results"
	defaultHeartbeatPath = "/api/probe/v1/heartbeat"
	defaultJobsPath      = "/api/probe/v1/jobs"

	DefaultTimeout = 10 * time.Second

	HeaderProbeID   = "X-Probe-ID"
	HeaderSignature = "X-Probe-Signature"

	userAgent = "vpnprobe/0.1"
)

// Config holds the static configuration for an uplink client.
type Config struct {
	ServerURL     string
	ProbeID       string
	ProbeRegion   string
	WebhookSecret string
	Labels        map[string]string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient    *http.Client
	Metrics       *metrics.Store
	Readiness     func(time.Time) (bool, []string) // decides the heartbeat status when set
	Now           func() time.Time
	Logger        *log.Logger
	ResultsPath   string
	HeartbeatPath string
	JobsPath      string
}

// Client fetches jobs from and publishes results to the central service.
type Client struct {
	httpClient   *http.Client
	resultsURL   string
	heartbeatURL string
	jobsURL      string
	probeID      string
	probeRegion  string
	secret       []byte
	labels       map[string]string
	metrics      *metrics.Store
	readiness    func(time.Time) (bool, []string)
	now          func() time.Time
	startedAt    time.Time
	logger       *log.Logger
	seq          atomic.Uint64
}

// NewClient builds an uplink client from configuration and dependencies.
// A nil HTTP client gets one with DefaultTimeout.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("central URL is required")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("parse central URL: %w", err)
	}
	if cfg.ProbeID == "" {
		return nil, fmt.Errorf("probe ID is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Client{
		httpClient:   httpClient,
		resultsURL:   joinURL(cfg.ServerURL, orDefault(deps.ResultsPath, defaultResultsPath)),
		heartbeatURL: joinURL(cfg.ServerURL, orDefault(deps.HeartbeatPath, defaultHeartbeatPath)),
		jobsURL:      joinURL(cfg.ServerURL, orDefault(deps.JobsPath, defaultJobsPath)),
		probeID:      cfg.ProbeID,
		probeRegion:  cfg.ProbeRegion,
		secret:       []byte(cfg.WebhookSecret),
		labels:       cloneLabels(cfg.Labels),
		metrics:      deps.Metrics,
		readiness:    deps.Readiness,
		now:          now,
		startedAt:    now(),
		logger:       logger,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FetchJobs asks the central service for up to limit pending jobs. A 204
// response means there is nothing to do.
func (c *Client) FetchJobs(ctx context.Context, limit int) ([]types.Job, error) {
	target := c.jobsURL
	if limit > 0 {
		target += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build jobs request: %w", err)
	}
	c.setHeaders(req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError("jobs")
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.recordError("jobs")
		return nil, fmt.Errorf("read jobs response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordError("jobs")
		return nil, fmt.Errorf("jobs fetch failed: status %s", resp.Status)
	}

	var batch types.JobBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		c.recordError("jobs")
		return nil, fmt.Errorf("decode job batch: %w", err)
	}
	if c.metrics != nil {
		c.metrics.IncJobsFetched(len(batch.Jobs))
	}
	return batch.Jobs, nil
}

// Send implements transmit.Sink, encoding results into a signed result envelope.
func (c *Client) Send(ctx context.Context, results []types.TestResult) error {
	if len(results) == 0 {
		return nil
	}

	envelope := types.ResultEnvelope{
		ProbeID:     c.probeID,
		ProbeRegion: c.probeRegion,
		SentAt:      c.now().UTC(),
		BatchSeq:    c.seq.Add(1),
		Labels:      cloneLabels(c.labels),
		Results:     cloneResults(results),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	if err := c.post(ctx, c.resultsURL, payload); err != nil {
		c.recordError("results")
		return fmt.Errorf("send results: %w", err)
	}
	if c.metrics != nil {
		c.metrics.AddResultsSent(len(results))
	}
	return nil
}

// RunHeartbeat emits heartbeat payloads on the configured interval until the context is cancelled.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sendHeartbeat(ctx)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) {
	data, err := json.Marshal(c.heartbeatPayload())
	if err != nil {
		c.logger.Printf("heartbeat marshal failed: %v", err)
		return
	}
	if err := c.post(ctx, c.heartbeatURL, data); err != nil {
		c.recordError("heartbeat")
		c.logger.Printf("heartbeat failed: %v", err)
	}
}

func (c *Client) heartbeatPayload() types.Heartbeat {
	now := c.now()
	hb := types.Heartbeat{
		ProbeID:       c.probeID,
		ProbeRegion:   c.probeRegion,
		Status:        "ok",
		SentAt:        now.UTC(),
		UptimeSeconds: int64(now.Sub(c.startedAt) / time.Second),
	}
	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		hb.TestsToday = snap.TestsToday
		hb.QueueDepth = int(snap.QueueDepth)
		if !snap.LastTest.IsZero() {
			last := snap.LastTest.UTC()
			hb.LastTest = &last
		}
	}
	if c.readiness != nil {
		if ready, reasons := c.readiness(now); !ready {
			hb.Status = "degraded"
			hb.Reasons = reasons
		}
	}
	return hb
}

func (c *Client) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, body []byte) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderProbeID, c.probeID)
	if len(c.secret) > 0 {
		if body == nil {
			body = []byte{}
		}
		req.Header.Set(HeaderSignature, Sign(c.secret, body))
	}
}

func (c *Client) recordError(op string) {
	if c.metrics != nil {
		c.metrics.IncUplinkError(op)
	}
}

func cloneResults(in []types.TestResult) []types.TestResult {
	out := make([]types.TestResult, len(in))
	copy(out, in)
	return out
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var _ transmit.Sink = (*Client)(nil)
