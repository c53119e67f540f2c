// Package latency measures round trip time and packet loss through a tunnel.
package latency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

const (
	DefaultBinary  = "ping"
	DefaultCount   = 5
	DefaultTimeout = 10 * time.Second
	// the whole ping invocation gets this much on top of the per-probe timeout
	invocationSlack = 5 * time.Second

	allTargetsFailed = "All ping targets failed"
)

// DefaultTargets are public anycast resolvers unrelated to any VPN provider.
var DefaultTargets = []string{"1.1.1.1", "8.8.8.8", "208.67.222.222"}

var (
	avgPattern  = regexp.MustCompile(`avg[^=]*=\s*[\d.]+/([\d.]+)/`)
	lossPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%\s*packet loss`)
)

// Pinger sends count echo requests to host and returns the tool's output.
type Pinger interface {
	Ping(ctx context.Context, host string, count int, timeout time.Duration) ([]byte, error)
}

// ExecPinger shells out to the system ping.
type ExecPinger struct {
	Binary string
}

func (p ExecPinger) Ping(ctx context.Context, host string, count int, timeout time.Duration) ([]byte, error) {
	bin := p.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	secs := max(int(timeout/time.Second), 1)
	return exec.CommandContext(ctx, bin, "-c", strconv.Itoa(count), "-W", strconv.Itoa(secs), host).Output()
}

// Sample is the measurement for one target.
type Sample struct {
	Target     string
	LatencyMs  *float64
	PacketLoss float64
	Status     types.Status
	Err        error
}

type Option func(*Probe)

func WithPinger(p Pinger) Option {
	return func(pr *Probe) {
		if p != nil {
			pr.pinger = p
		}
	}
}

func WithTargets(targets []string) Option {
	return func(pr *Probe) {
		if len(targets) > 0 {
			pr.targets = append([]string(nil), targets...)
		}
	}
}

func WithCount(n int) Option {
	return func(pr *Probe) {
		if n > 0 {
			pr.count = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(pr *Probe) {
		if d > 0 {
			pr.timeout = d
		}
	}
}

// WithSlack overrides the extra time granted to a whole invocation.
func WithSlack(d time.Duration) Option {
	return func(pr *Probe) {
		if d >= 0 {
			pr.slack = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(pr *Probe) {
		if l != nil {
			pr.logger = l
		}
	}
}

// Probe pings a target set and aggregates the samples.
type Probe struct {
	pinger  Pinger
	targets []string
	count   int
	timeout time.Duration
	slack   time.Duration
	logger  *log.Logger
}

func New(opts ...Option) *Probe {
	p := &Probe{
		pinger:  ExecPinger{},
		targets: append([]string(nil), DefaultTargets...),
		count:   DefaultCount,
		timeout: DefaultTimeout,
		slack:   invocationSlack,
		logger:  log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run measures target, or the default target set when target is empty.
func (p *Probe) Run(ctx context.Context, target string) types.LatencyResult {
	targets := p.targets
	if target != "" {
		targets = []string{target}
	}
	return Aggregate(p.Measure(ctx, targets))
}

// Measure pings every target concurrently. Samples keep the order of targets.
func (p *Probe) Measure(ctx context.Context, targets []string) []Sample {
	samples := make([]Sample, len(targets))
	var g errgroup.Group
	for i, host := range targets {
		g.Go(func() error {
			samples[i] = p.measureOne(ctx, host)
			return nil
		})
	}
	_ = g.Wait()
	return samples
}

func (p *Probe) measureOne(ctx context.Context, host string) Sample {
	budget := p.timeout + p.slack
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	out, err := p.pinger.Ping(ctx, host, p.count, p.timeout)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Printf("ping %s: no result within %s", host, budget)
		return Sample{Target: host, PacketLoss: 100, Status: types.StatusTimeout,
			Err: fmt.Errorf("%w: ping %s exceeded %s", probeerr.ErrProbeTimeout, host, budget)}
	}
	if latency, loss, ok := ParseSummary(string(out)); ok {
		return Sample{Target: host, LatencyMs: &latency, PacketLoss: loss, Status: types.StatusSuccess}
	}
	fail := Sample{Target: host, PacketLoss: 100, Status: types.StatusFailure}
	if err != nil && len(out) == 0 {
		fail.Err = fmt.Errorf("%w: ping %s: %v", probeerr.ErrProbeFailure, host, err)
	} else {
		fail.Err = fmt.Errorf("%w: ping %s summary", probeerr.ErrParse, host)
	}
	p.logger.Printf("ping %s: %v", host, fail.Err)
	return fail
}

// ParseSummary extracts the average RTT and loss from ping's summary. ok is
// false when no average is present; loss defaults to 0 when only the average is.
func ParseSummary(output string) (latencyMs, lossPct float64, ok bool) {
	m := avgPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, false
	}
	latencyMs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}
	if lm := lossPattern.FindStringSubmatch(output); lm != nil {
		if v, err := strconv.ParseFloat(lm[1], 64); err == nil {
			lossPct = v
		}
	}
	return latencyMs, lossPct, true
}

// Aggregate folds per-target samples into one result. Latency averages the
// successful targets only; loss averages every target.
func Aggregate(samples []Sample) types.LatencyResult {
	var latencies, losses []float64
	for _, s := range samples {
		losses = append(losses, s.PacketLoss)
		if s.Status == types.StatusSuccess && s.LatencyMs != nil {
			latencies = append(latencies, *s.LatencyMs)
		}
	}
	if len(latencies) == 0 {
		return types.LatencyResult{PacketLoss: 100, Status: types.StatusFailure, Error: allTargetsFailed}
	}
	latency := round2(mean(latencies))
	return types.LatencyResult{
		LatencyMs:  &latency,
		PacketLoss: round2(mean(losses)),
		Status:     types.StatusSuccess,
	}
}

func mean(values []float64) float64 {
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}

func round2(v float64) float64 {
	r, err := stats.Round(v, 2)
	if err != nil {
		return v
	}
	return r
}
