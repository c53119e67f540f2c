package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	defaultJobSyncStale       = time.Minute
	defaultConnectFailureRun  = 5
	queuePressureRatioPercent = 90
	certExpiryWarningAhead    = 24 * time.Hour
)

const (
	categoryQueuePressure = "QUEUE_PRESSURE"
	categoryJobsPending   = "JOBS_PENDING"
	categoryJobsStale     = "JOBS_STALE"
	categoryJobsError     = "JOBS_ERROR"
	categoryConnectFailed = "CONNECT_FAILING"
	categoryCertExpiring  = "CERT_EXPIRING"
	categoryCertExpired   = "CERT_EXPIRED"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

type Option func(*Checker)

// WithFailureThreshold sets how many consecutive connect failures mark the
// probe not ready.
func WithFailureThreshold(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// Checker evaluates readiness conditions for the probe.
type Checker struct {
	metrics          *metrics.Store
	queueCapacity    int
	staleAfter       time.Duration
	failureThreshold int

	mu             sync.RWMutex
	lastSyncOK     time.Time
	syncErr        string
	lastSyncErr    time.Time
	connectFailRun int
	lastConnectErr string
	certExpiry     time.Time
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, queueCapacity int, staleAfter time.Duration, opts ...Option) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultJobSyncStale
	}
	c := &Checker{
		metrics:          store,
		queueCapacity:    queueCapacity,
		staleAfter:       staleAfter,
		failureThreshold: defaultConnectFailureRun,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCertExpiry records the expiry of the uplink client certificate.
func (c *Checker) SetCertExpiry(expiry time.Time) {
	c.mu.Lock()
	c.certExpiry = expiry
	c.mu.Unlock()
}

// ObserveJobSync records the outcome of a job poll against the central service.
func (c *Checker) ObserveJobSync(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.syncErr = err.Error()
		c.lastSyncErr = ts
		return
	}
	c.lastSyncOK = ts
	c.syncErr = ""
	c.lastSyncErr = time.Time{}
}

// ObserveTest tracks the run of consecutive sessions that failed to connect.
func (c *Checker) ObserveTest(result types.TestResult, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if result.VPNConnected {
		c.connectFailRun = 0
		c.lastConnectErr = ""
		return
	}
	c.connectFailRun++
	c.lastConnectErr = result.ErrorCode
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if c.metrics != nil && c.queueCapacity > 0 {
		snap := c.metrics.Snapshot()
		if snap.QueueDepth*100 >= int64(c.queueCapacity)*queuePressureRatioPercent {
			reasons = append(reasons, fmt.Sprintf("result queue nearly full (%d/%d)", snap.QueueDepth, c.queueCapacity))
			appendCategory(categoryQueuePressure, severityWarning)
		}
	}

	c.mu.RLock()
	lastOK := c.lastSyncOK
	syncErr := c.syncErr
	lastErr := c.lastSyncErr
	staleAfter := c.staleAfter
	failRun := c.connectFailRun
	connectErr := c.lastConnectErr
	certExpiry := c.certExpiry
	c.mu.RUnlock()

	if !certExpiry.IsZero() {
		if !certExpiry.After(now) {
			reasons = append(reasons, "client certificate expired")
			appendCategory(categoryCertExpired, severityCritical)
		} else if certExpiry.Sub(now) < certExpiryWarningAhead {
			reasons = append(reasons, "client certificate expiring soon")
			appendCategory(categoryCertExpiring, severityWarning)
		}
	}

	if lastOK.IsZero() {
		reasons = append(reasons, "jobs not yet synced")
		appendCategory(categoryJobsPending, severityInfo)
	} else if staleAfter > 0 && now.Sub(lastOK) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("job sync stale (%s)", now.Sub(lastOK).Round(time.Second)))
		appendCategory(categoryJobsStale, severityWarning)
	}

	if syncErr != "" {
		if staleAfter <= 0 || now.Sub(lastErr) <= staleAfter {
			reasons = append(reasons, fmt.Sprintf("job sync failing: %s", syncErr))
			appendCategory(categoryJobsError, severityCritical)
		}
	}

	if c.failureThreshold > 0 && failRun >= c.failureThreshold {
		reasons = append(reasons, fmt.Sprintf("last %d sessions failed to connect (%s)", failRun, connectErr))
		appendCategory(categoryConnectFailed, severityCritical)
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
