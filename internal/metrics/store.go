package metrics

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const namespace = "vpnprobe"

// Store owns the probe's Prometheus registry and keeps plain copies of the
// values the heartbeat and readiness checks read back.
type Store struct {
	registry *prometheus.Registry
	now      func() time.Time

	sessions     *prometheus.CounterVec
	connectTime  *prometheus.HistogramVec
	tests        *prometheus.CounterVec
	queueDepthG  prometheus.Gauge
	queueDropsC  prometheus.Counter
	jobWait      prometheus.Histogram
	jobsFetched  prometheus.Counter
	resultsSent  prometheus.Counter
	uplinkErrors *prometheus.CounterVec
	readyG       prometheus.Gauge
	notReady     *prometheus.CounterVec

	queueDepth   atomic.Int64
	queueDrops   atomic.Uint64
	testsTotal   atomic.Uint64
	readiness    atomic.Int64
	notReadyRuns atomic.Uint64

	mu         sync.Mutex
	lastTest   time.Time
	day        string
	testsToday int64
	reason     string
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "VPN sessions by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		connectTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_seconds",
			Help:      "Time from process start to tunnel up.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"protocol"}),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Finished tests by latency status.",
		}, []string{"status"}),
		queueDepthG: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Results waiting for upload.",
		}),
		queueDropsC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Results dropped because the queue was full.",
		}),
		jobWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time a job waited between receipt and test start.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		jobsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_fetched_total",
			Help:      "Jobs received from the central service.",
		}),
		resultsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_sent_total",
			Help:      "Results accepted by the central service.",
		}),
		uplinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_errors_total",
			Help:      "Failed calls to the central service by operation.",
		}, []string{"op"}),
		readyG: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "1 when the probe reports ready.",
		}),
		notReady: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "not_ready_transitions_total",
			Help:      "Ready to not-ready transitions by reason category.",
		}, []string{"category", "severity"}),
	}
	s.registry.MustRegister(
		s.sessions, s.connectTime, s.tests,
		s.queueDepthG, s.queueDropsC, s.jobWait,
		s.jobsFetched, s.resultsSent, s.uplinkErrors,
		s.readyG, s.notReady,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry exposes the underlying registry.
func (s *Store) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveTest records a finished test.
func (s *Store) ObserveTest(result types.TestResult, connect time.Duration) {
	protocol := string(result.Protocol)
	if protocol == "" {
		protocol = "unknown"
	}
	outcome := "connected"
	status := "not_connected"
	if !result.VPNConnected {
		outcome = result.ErrorCode
		if outcome == "" {
			outcome = "error"
		}
	} else {
		s.connectTime.WithLabelValues(protocol).Observe(connect.Seconds())
		if result.Ping != nil {
			status = string(result.Ping.Status)
		}
	}
	s.sessions.WithLabelValues(protocol, outcome).Inc()
	s.tests.WithLabelValues(status).Inc()
	s.testsTotal.Add(1)

	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if day := now.Format(time.DateOnly); day != s.day {
		s.day = day
		s.testsToday = 0
	}
	s.testsToday++
	s.lastTest = now
}

func (s *Store) IncJobsFetched(n int) {
	if n > 0 {
		s.jobsFetched.Add(float64(n))
	}
}

func (s *Store) AddResultsSent(n int) {
	if n > 0 {
		s.resultsSent.Add(float64(n))
	}
}

// ObserveJobWait records how long a job sat in the buffer before it ran.
func (s *Store) ObserveJobWait(d time.Duration) {
	if d >= 0 {
		s.jobWait.Observe(d.Seconds())
	}
}

func (s *Store) IncUplinkError(op string) {
	s.uplinkErrors.WithLabelValues(op).Inc()
}

// ObserveQueueDepth and IncQueueDrops let the store back a queue.Recorder.
func (s *Store) ObserveQueueDepth(depth int) {
	s.queueDepth.Store(int64(depth))
	s.queueDepthG.Set(float64(depth))
}

func (s *Store) IncQueueDrops() {
	s.queueDrops.Add(1)
	s.queueDropsC.Inc()
}

// ObserveReadiness records the latest readiness evaluation. Categories are
// counted only on a ready to not-ready transition.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readiness.Swap(boolToInt(ready))
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	if ready {
		s.readyG.Set(1)
		return
	}
	s.readyG.Set(0)
	if prev != 1 {
		return
	}
	s.notReadyRuns.Add(1)
	seen := make(map[ReadinessCategory]struct{}, len(categories))
	for _, c := range categories {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		c.Severity = strings.ToLower(strings.TrimSpace(c.Severity))
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		s.notReady.WithLabelValues(c.Name, c.Severity).Inc()
	}
}

// Snapshot captures the current values in a plain struct.
type Snapshot struct {
	QueueDepth          int64
	QueueDroppedTotal   uint64
	TestsTotal          uint64
	TestsToday          int64
	LastTest            time.Time
	Ready               bool
	ReadyReason         string
	NotReadyTransitions uint64
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := s.testsToday
	if s.day != s.now().UTC().Format(time.DateOnly) {
		today = 0
	}
	return Snapshot{
		QueueDepth:          s.queueDepth.Load(),
		QueueDroppedTotal:   s.queueDrops.Load(),
		TestsTotal:          s.testsTotal.Load(),
		TestsToday:          today,
		LastTest:            s.lastTest,
		Ready:               s.readiness.Load() == 1,
		ReadyReason:         s.reason,
		NotReadyTransitions: s.notReadyRuns.Load(),
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
