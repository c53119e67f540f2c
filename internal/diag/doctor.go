// Package diag runs the preflight checks behind `vpnprobe doctor`.
package diag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"github.com/pingsantohq/vpnprobe/internal/certs"
	"github.com/pingsantohq/vpnprobe/internal/config"
	"github.com/pingsantohq/vpnprobe/internal/connector"
	"github.com/pingsantohq/vpnprobe/internal/latency"
	"github.com/pingsantohq/vpnprobe/internal/tunnel"
)

type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

const redactedMarker = "REDACTED"

var secretPattern = regexp.MustCompile(`(?i)(secret|password|token)=([^&\s"']+)`)

// Check is one preflight line item. Only failed required checks fail the report.
type Check struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

type Report struct {
	GeneratedAt string  `json:"generated_at"`
	ProbeID     string  `json:"probe_id,omitempty"`
	ProbeRegion string  `json:"probe_region,omitempty"`
	CentralURL  string  `json:"central_url,omitempty"`
	GoVersion   string  `json:"go_version"`
	OK          bool    `json:"ok"`
	Checks      []Check `json:"checks"`
}

// Dependencies provides optional overrides for testing. WireGuardDevices
// counts kernel WireGuard devices and its errors become a warning.
type Dependencies struct {
	Now              func() time.Time
	HTTPClient       *http.Client
	LookPath         func(file string) (string, error)
	WireGuardDevices func() (int, error)
}

// Options tunes a doctor run. MetricsURL, when set, is scraped to report the
// running daemon's readiness.
type Options struct {
	MetricsURL string
	Timeout    time.Duration
}

// Run executes every check against cfg and never returns early.
func Run(ctx context.Context, cfg config.Config, opts Options, deps Dependencies) Report {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.WireGuardDevices == nil {
		deps.WireGuardDevices = kernelWireGuardDevices
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	report := Report{
		GeneratedAt: deps.Now().UTC().Format(time.RFC3339),
		ProbeID:     cfg.Probe.ID,
		ProbeRegion: cfg.Probe.Region,
		CentralURL:  redact(cfg.Central.URL),
		GoVersion:   runtime.Version(),
	}
	add := func(c Check) { report.Checks = append(report.Checks, c) }

	add(binaryCheck(deps.LookPath, "openvpn", orDefault(cfg.Tunnel.OpenVPNBinary, connector.DefaultOpenVPNBinary)))
	add(binaryCheck(deps.LookPath, "wg-quick", orDefault(cfg.Tunnel.WireGuardBinary, connector.DefaultWireGuardBinary)))
	add(binaryCheck(deps.LookPath, "ping", orDefault(cfg.Latency.Binary, latency.DefaultBinary)))
	add(wireGuardCheck(deps.WireGuardDevices))
	add(writableCheck("work_dir", cfg.Tunnel.WorkDir, true))
	add(writableCheck("data_dir", cfg.Probe.DataDir, false))
	add(leftoverProfilesCheck(cfg.Tunnel.WorkDir))
	add(credentialsCheck(cfg.Credentials))
	add(centralCheck(cfg.Central))
	if tls := cfg.Central.TLS; tls.Cert != "" || tls.Key != "" || tls.CA != "" {
		add(tlsCheck(cfg.Central, deps.Now()))
	}
	if opts.MetricsURL != "" {
		add(metricsCheck(ctx, deps.HTTPClient, opts.MetricsURL))
	}

	report.OK = true
	for _, c := range report.Checks {
		if c.Required && c.Status == StatusFail {
			report.OK = false
		}
	}
	return report
}

func binaryCheck(lookPath func(string) (string, error), name, binary string) Check {
	c := Check{Name: "binary:" + name, Required: true}
	path, err := lookPath(binary)
	if err != nil {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("%s not found on PATH", binary)
		return c
	}
	c.Status = StatusOK
	c.Detail = path
	return c
}

func wireGuardCheck(devices func() (int, error)) Check {
	c := Check{Name: "wireguard:kernel"}
	n, err := devices()
	if err != nil {
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("wireguard control unavailable: %v", err)
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("%d devices", n)
	return c
}

func kernelWireGuardDevices() (int, error) {
	client, err := wgctrl.New()
	if err != nil {
		return 0, err
	}
	defer client.Close()
	devices, err := client.Devices()
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

func writableCheck(name, dir string, required bool) Check {
	c := Check{Name: name, Required: required}
	if dir == "" {
		c.Status = StatusFail
		c.Detail = "not configured"
		return c
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("create %s: %v", dir, err)
		return c
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("%s not writable: %v", dir, err)
		return c
	}
	name = f.Name()
	f.Close()
	os.Remove(name)
	c.Status = StatusOK
	c.Detail = dir
	return c
}

// leftoverProfilesCheck lists session profiles still present in the work dir.
// They belong to live sessions or to sessions whose cleanup never ran.
func leftoverProfilesCheck(dir string) Check {
	c := Check{Name: "work_dir:leftovers"}
	if dir == "" {
		c.Status = StatusWarn
		c.Detail = "work_dir not configured"
		return c
	}
	paths, err := filepath.Glob(filepath.Join(dir, tunnel.ProfilePattern))
	if err != nil {
		c.Status = StatusWarn
		c.Detail = err.Error()
		return c
	}
	if len(paths) == 0 {
		c.Status = StatusOK
		c.Detail = "no session profiles"
		return c
	}
	found := make([]string, 0, len(paths))
	for _, path := range paths {
		found = append(found, describeProfile(path))
	}
	c.Status = StatusWarn
	c.Detail = fmt.Sprintf("%d session profiles: %s", len(paths), strings.Join(found, ", "))
	return c
}

func describeProfile(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".conf")
	f, err := os.Open(path)
	if err != nil {
		return name + " (unreadable)"
	}
	defer f.Close()
	wg, err := tunnel.ParseWireGuard(f)
	if err != nil || wg.PublicKey == "" {
		return name + " (openvpn)"
	}
	return fmt.Sprintf("%s (wireguard %s)", name, wg.Endpoint)
}

func credentialsCheck(cfg config.CredentialsConfig) Check {
	c := Check{Name: "credentials", Required: true}
	if strings.EqualFold(cfg.Backend, "keyring") {
		c.Status = StatusOK
		c.Detail = "keyring backend, entries are checked per job"
		return c
	}
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("read %s: %v", cfg.Path, err)
		return c
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	c.Status = StatusOK
	if count == 0 {
		c.Status = StatusWarn
	}
	c.Detail = fmt.Sprintf("%s (%d credential files)", cfg.Path, count)
	return c
}

func centralCheck(cfg config.CentralConfig) Check {
	c := Check{Name: "central", Required: true}
	switch {
	case cfg.URL == "":
		c.Status = StatusFail
		c.Detail = "central.url is not set"
	case cfg.WebhookSecret == "":
		c.Status = StatusWarn
		c.Detail = "central.webhook_secret is empty, requests will be unsigned"
	default:
		c.Status = StatusOK
		c.Detail = redact(cfg.URL)
	}
	return c
}

func tlsCheck(cfg config.CentralConfig, now time.Time) Check {
	c := Check{Name: "central:tls", Required: true}
	files := certs.Files{Cert: cfg.TLS.Cert, Key: cfg.TLS.Key, CA: cfg.TLS.CA}
	if _, err := certs.LoadClientTLSConfig(files, cfg.URL); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	c.Status = StatusOK
	c.Detail = "CA bundle only"
	if files.Cert == "" {
		return c
	}
	expiry, err := certs.ClientCertExpiry(files.Cert)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	remaining := expiry.Sub(now)
	switch {
	case remaining <= 0:
		c.Status = StatusFail
		c.Detail = "client certificate expired " + expiry.UTC().Format(time.RFC3339)
	case remaining < 7*24*time.Hour:
		c.Status = StatusWarn
		c.Detail = "client certificate expires " + expiry.UTC().Format(time.RFC3339)
	default:
		c.Detail = "client certificate valid until " + expiry.UTC().Format(time.RFC3339)
	}
	return c
}

func metricsCheck(ctx context.Context, client *http.Client, url string) Check {
	c := Check{Name: "daemon"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.Status = StatusWarn
		c.Detail = err.Error()
		return c
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("metrics scrape failed: %v", err)
		return c
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("metrics scrape failed: status %s", resp.Status)
		return c
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "vpnprobe_ready ") {
			continue
		}
		v, err := parseMetricValue(line, "vpnprobe_ready")
		if err != nil {
			break
		}
		if v == 1 {
			c.Status = StatusOK
			c.Detail = "daemon ready"
		} else {
			c.Status = StatusWarn
			c.Detail = "daemon not ready"
		}
		return c
	}
	c.Status = StatusWarn
	c.Detail = "vpnprobe_ready not exported"
	return c
}

func parseMetricValue(line, name string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid metric line %q", line)
	}
	if fields[0] != name {
		return 0, fmt.Errorf("expected metric %s, got %s", name, fields[0])
	}
	return strconv.ParseFloat(fields[1], 64)
}

func redact(text string) string {
	return secretPattern.ReplaceAllString(text, "${1}="+redactedMarker)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
