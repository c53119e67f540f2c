// Package speedtest measures tunnel throughput against an HTTP speed endpoint.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	DefaultDownloadURL   = "https://speed.cloudflare.com/__down"
	DefaultUploadURL     = "https://speed.cloudflare.com/__up"
	DefaultDownloadBytes = 10_000_000
	DefaultUploadBytes   = 2_000_000
	DefaultTimeout       = 30 * time.Second
)

type Tester interface {
	Run(ctx context.Context) types.SpeedResult
}

type Config struct {
	DownloadURL   string
	UploadURL     string
	DownloadBytes int64
	UploadBytes   int64
	Timeout       time.Duration
}

// HTTPTester downloads and uploads fixed payloads and reports megabits per second.
type HTTPTester struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

func NewHTTPTester(cfg Config, client *http.Client) *HTTPTester {
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = DefaultDownloadURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.DownloadBytes <= 0 {
		cfg.DownloadBytes = DefaultDownloadBytes
	}
	if cfg.UploadBytes <= 0 {
		cfg.UploadBytes = DefaultUploadBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTester{cfg: cfg, client: client, now: time.Now}
}

func (t *HTTPTester) Run(ctx context.Context) types.SpeedResult {
	var result types.SpeedResult
	down, derr := t.download(ctx)
	if derr == nil {
		result.DownloadMbps = &down
	}
	up, uerr := t.upload(ctx)
	if uerr == nil {
		result.UploadMbps = &up
	}

	switch {
	case derr == nil && uerr == nil:
		result.Status = types.StatusSuccess
	case (derr == nil || timedOut(derr)) && (uerr == nil || timedOut(uerr)):
		// every failing half ran out of time
		result.Status = types.StatusTimeout
		result.Error = errors.Join(derr, uerr).Error()
	default:
		result.Status = types.StatusFailure
		result.Error = errors.Join(derr, uerr).Error()
	}
	return result
}

func (t *HTTPTester) download(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	url := fmt.Sprintf("%s?bytes=%d", t.cfg.DownloadURL, t.cfg.DownloadBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	start := t.now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	return mbps(n, t.now().Sub(start))
}

func (t *HTTPTester) upload(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	body := io.LimitReader(zeros{}, t.cfg.UploadBytes)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.UploadURL, body)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	req.ContentLength = t.cfg.UploadBytes
	req.Header.Set("Content-Type", "application/octet-stream")
	start := t.now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("upload: unexpected status %d", resp.StatusCode)
	}
	return mbps(t.cfg.UploadBytes, t.now().Sub(start))
}

func mbps(n int64, elapsed time.Duration) (float64, error) {
	if elapsed <= 0 {
		return 0, fmt.Errorf("transfer finished in zero time")
	}
	v := float64(n) * 8 / elapsed.Seconds() / 1_000_000
	return stats.Round(v, 2)
}

func timedOut(err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
