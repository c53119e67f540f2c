package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pingsantohq/vpnprobe/internal/diag"
	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadServerDescriptor(t *testing.T) {
	dir := t.TempDir()
	want := types.ServerDescriptor{
		ID:             "nl-ams-1",
		Provider:       "examplevpn",
		Hostname:       "ams1.examplevpn.net",
		Protocol:       types.ProtocolWireGuard,
		Port:           51820,
		CredentialsRef: "examplevpn-wg",
	}

	yamlPath := writeFile(t, dir, "server.yaml", `
id: nl-ams-1
provider: examplevpn
hostname: ams1.examplevpn.net
protocol: wireguard
port: 51820
credentials_ref: examplevpn-wg
`)
	jsonPath := writeFile(t, dir, "server.json", `{"id":"nl-ams-1","provider":"examplevpn","hostname":"ams1.examplevpn.net","protocol":"wireguard","port":51820,"credentials_ref":"examplevpn-wg"}`)

	for _, path := range []string{yamlPath, jsonPath} {
		got, err := loadServerDescriptor(path)
		if err != nil {
			t.Fatalf("loadServerDescriptor(%s): %v", filepath.Base(path), err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("unexpected descriptor from %s (-want +got):\n%s", filepath.Base(path), diff)
		}
	}

	noHost := writeFile(t, dir, "nohost.yaml", "id: x\nport: 1194\n")
	if _, err := loadServerDescriptor(noHost); err == nil {
		t.Fatalf("expected error for descriptor without host")
	}
	ipOnly, err := loadServerDescriptor(writeFile(t, dir, "ip.yaml", "ip_address: 203.0.113.7\nport: 1194\n"))
	if err != nil || ipOnly.ID != "203.0.113.7" {
		t.Fatalf("expected id to default to the host, got %+v %v", ipOnly, err)
	}
}

type stubReadiness struct {
	ready   bool
	reasons []string
}

func (s stubReadiness) Ready(time.Time) (bool, []string) { return s.ready, s.reasons }

func TestMonitoringRouter(t *testing.T) {
	store := metrics.NewStore()
	h := newMonitoringRouter(store, stubReadiness{reasons: []string{"jobs not yet synced"}}, time.Now().Add(-time.Minute))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected healthz %d %v", resp.StatusCode, health)
	}
	if up, _ := health["uptime_seconds"].(float64); up < 59 {
		t.Fatalf("expected uptime near 60s, got %v", health["uptime_seconds"])
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "jobs not yet synced") {
		t.Fatalf("unexpected readyz %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "vpnprobe_queue_depth") {
		t.Fatalf("metrics output missing probe metrics")
	}
}

func testConfig(t *testing.T, dir string) string {
	t.Helper()
	creds := filepath.Join(dir, "creds")
	if err := os.MkdirAll(creds, 0o700); err != nil {
		t.Fatalf("mkdir creds: %v", err)
	}
	return writeFile(t, dir, "probe.yaml", `
probe:
  region: local
  data_dir: `+filepath.Join(dir, "data")+`
credentials:
  path: `+creds+`
tunnel:
  work_dir: `+filepath.Join(dir, "run")+`
  connect_timeout: 2s
`)
}

func TestRunTestReportsMissingCredentials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	server := writeFile(t, dir, "server.yaml", "id: fra-1\nprovider: examplevpn\nhostname: fra1.examplevpn.net\nprotocol: openvpn\nport: 1194\ncredentials_ref: absent\n")

	var stdout, stderr bytes.Buffer
	err := runTest(context.Background(), cfgPath, testOptions{server: server, tier: "hot"}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "credential_not_found") {
		t.Fatalf("expected credential failure, got %v", err)
	}

	var result types.TestResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout.String())
	}
	if result.VPNConnected || result.ErrorCode != "credential_not_found" || result.ProbeID != "local" || result.Tier != types.TierHot {
		t.Fatalf("unexpected result %+v", result)
	}
	if !result.Consistent() {
		t.Fatalf("failed result carries measurements")
	}
	if entries, _ := os.ReadDir(filepath.Join(dir, "run")); len(entries) != 0 {
		t.Fatalf("expected no tunnel files left, found %d", len(entries))
	}
}

func TestRootRequiresServerFlag(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"test"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "server") {
		t.Fatalf("expected missing --server error, got %v", err)
	}
}

func TestRunDoctor(t *testing.T) {
	dir := t.TempDir()
	cfgPath := testConfig(t, dir)
	deps := diag.Dependencies{
		LookPath:         func(file string) (string, error) { return "/usr/sbin/" + file, nil },
		WireGuardDevices: func() (int, error) { return 0, nil },
	}

	var out bytes.Buffer
	err := runDoctor(context.Background(), cfgPath, "", &out, deps)
	if !errors.Is(err, errPreflightFailed) {
		t.Fatalf("expected preflight failure without central url, got %v", err)
	}
	var report diag.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.OK || len(report.Checks) == 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	t.Setenv("VPNPROBE_CENTRAL_URL", "https://central.example.com")
	out.Reset()
	if err := runDoctor(context.Background(), cfgPath, "", &out, deps); err != nil {
		t.Fatalf("expected passing preflight, got %v\n%s", err, out.String())
	}
}
