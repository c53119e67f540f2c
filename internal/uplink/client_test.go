package uplink

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

func newTestClient(t *testing.T, srv *httptest.Server, deps Dependencies) *Client {
	t.Helper()
	deps.HTTPClient = srv.Client()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Unix(123, 0) }
	}
	client, err := NewClient(Config{
		ServerURL:     srv.URL,
		ProbeID:       "probe-ams-1",
		ProbeRegion:   "eu-west",
		WebhookSecret: "s3cret",
		Labels:        map[string]string{"site": "AMS"},
	}, deps)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientSendPostsSignedEnvelope(t *testing.T) {
	var mu sync.Mutex
	var envelopes []types.ResultEnvelope
	var badSignature bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env types.ResultEnvelope
		_ = json.Unmarshal(body, &env)
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Path != defaultResultsPath || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get(HeaderProbeID) != "probe-ams-1" || !verifySignature([]byte("s3cret"), body, r.Header.Get(HeaderSignature)) {
			badSignature = true
		}
		envelopes = append(envelopes, env)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := metrics.NewStore()
	client := newTestClient(t, server, Dependencies{Metrics: store})

	results := []types.TestResult{{ID: "r-1", ServerID: "srv-1"}, {ID: "r-2", ServerID: "srv-2"}}
	if err := client.Send(context.Background(), results); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Send(context.Background(), results[:1]); err != nil {
		t.Fatalf("Send second: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if badSignature {
		t.Fatalf("expected probe id and valid signature headers")
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(envelopes))
	}
	first := envelopes[0]
	if first.ProbeID != "probe-ams-1" || first.ProbeRegion != "eu-west" || first.BatchSeq != 1 || first.Labels["site"] != "AMS" {
		t.Fatalf("unexpected first envelope: %+v", first)
	}
	if envelopes[1].BatchSeq != 2 {
		t.Fatalf("expected sequential batch seq, got %d", envelopes[1].BatchSeq)
	}
	if diff := cmp.Diff(results, first.Results); diff != "" {
		t.Fatalf("unexpected results (-want +got):\n%s", diff)
	}
}

func TestClientSendHandlesFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server, Dependencies{})
	err := client.Send(context.Background(), []types.TestResult{{ID: "r-1"}})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
	if err := client.Send(context.Background(), nil); err != nil {
		t.Fatalf("empty send should be a no-op, got %v", err)
	}
}

func TestFetchJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != defaultJobsPath || r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !verifySignature([]byte("s3cret"), nil, r.Header.Get(HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"jobs":[{"job_id":"j-1","tier":"hot","server":{"id":"srv-1","hostname":"nl1.example.net","protocol":"wireguard","port":51820}}]}`)
	}))
	defer server.Close()

	store := metrics.NewStore()
	client := newTestClient(t, server, Dependencies{Metrics: store})
	jobs, err := client.FetchJobs(context.Background(), 2)
	if err != nil {
		t.Fatalf("FetchJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].JobID != "j-1" || jobs[0].Tier != types.TierHot || jobs[0].Server.Port != 51820 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestFetchJobsNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	jobs, err := newTestClient(t, server, Dependencies{}).FetchJobs(context.Background(), 5)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no jobs and no error, got %v %v", jobs, err)
	}
}

func TestFetchJobsRejectsBadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not json")
	}))
	defer server.Close()

	if _, err := newTestClient(t, server, Dependencies{}).FetchJobs(context.Background(), 1); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestHeartbeatPayload(t *testing.T) {
	var mu sync.Mutex
	var beats []types.Heartbeat
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var hb types.Heartbeat
		_ = json.NewDecoder(r.Body).Decode(&hb)
		mu.Lock()
		beats = append(beats, hb)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	start := time.Unix(1000, 0)
	now := start
	store := metrics.NewStore()
	store.ObserveQueueDepth(3)
	client := newTestClient(t, server, Dependencies{
		Metrics:   store,
		Now:       func() time.Time { return now },
		Readiness: func(time.Time) (bool, []string) { return false, []string{"jobs not yet synced"} },
	})
	now = start.Add(90 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.RunHeartbeat(ctx, time.Hour) }()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(beats)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for heartbeat")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	hb := beats[0]
	if hb.ProbeID != "probe-ams-1" || hb.UptimeSeconds != 90 || hb.QueueDepth != 3 || hb.LastTest != nil {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
	if hb.Status != "degraded" || len(hb.Reasons) != 1 {
		t.Fatalf("expected degraded status with reasons, got %+v", hb)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	sig := Sign([]byte("k"), []byte("body"))
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256, got %q", sig)
	}
	if !verifySignature([]byte("k"), []byte("body"), sig) {
		t.Fatalf("expected signature to verify")
	}
	if verifySignature([]byte("k"), []byte("tampered"), sig) || verifySignature([]byte("k"), []byte("body"), "zz") {
		t.Fatalf("expected mismatch to fail")
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{ProbeID: "p"}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing URL")
	}
	if _, err := NewClient(Config{ServerURL: "https://central.example"}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing probe id")
	}
	c, err := NewClient(Config{ServerURL: "https://central.example/", ProbeID: "p"}, Dependencies{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.jobsURL != "https://central.example/api/probe/v1/jobs" || c.httpClient.Timeout != DefaultTimeout {
		t.Fatalf("unexpected client defaults %q %s", c.jobsURL, c.httpClient.Timeout)
	}
}

func verifySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
