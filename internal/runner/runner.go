// Package runner executes one test job: it opens a session, runs the
// measurements the job's tier asks for, and assembles the TestResult.
package runner

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/pingsantohq/vpnprobe/internal/connector"
	"github.com/pingsantohq/vpnprobe/internal/probeerr"
	"github.com/pingsantohq/vpnprobe/internal/session"
	"github.com/pingsantohq/vpnprobe/internal/speedtest"
	"github.com/pingsantohq/vpnprobe/internal/streaming"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

// LatencyProber is satisfied by *latency.Probe.
type LatencyProber interface {
	Run(ctx context.Context, target string) types.LatencyResult
}

// Observer is told about every finished test.
type Observer interface {
	ObserveTest(result types.TestResult, connect time.Duration)
}

// Config carries the probe identity stamped on every result.
// StreamingServices replaces the built-in list for hot jobs that name none.
type Config struct {
	ProbeID           string
	ProbeRegion       string
	StreamingServices []string
}

type Dependencies struct {
	Sessions  *session.Manager
	Latency   LatencyProber
	Streaming streaming.Checker
	Speed     speedtest.Tester
	Observers []Observer
	Logger    *log.Logger
	Now       func() time.Time
	NewID     func() string
}

type Runner struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) (*Runner, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("runner requires a session manager")
	}
	if deps.Latency == nil {
		return nil, fmt.Errorf("runner requires a latency prober")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Runner{cfg: cfg, deps: deps}, nil
}

type measurements struct {
	ping      *types.LatencyResult
	speed     *types.SpeedResult
	streaming []types.StreamingResult
}

// Run never fails: every error ends up in the returned result.
func (r *Runner) Run(ctx context.Context, job types.Job) types.TestResult {
	tier := types.ParseTier(string(job.Tier))
	result := types.TestResult{
		ID:          r.deps.NewID(),
		ProbeID:     r.cfg.ProbeID,
		ProbeRegion: r.cfg.ProbeRegion,
		ServerID:    job.Server.ID,
		Provider:    job.Server.Provider,
		JobID:       job.JobID,
		Tier:        tier,
		Timestamp:   r.deps.Now().UTC(),
		Protocol:    job.Server.Protocol,
	}

	server := job.Server
	protocol, err := types.ParseProtocol(string(server.Protocol))
	if err != nil {
		err = fmt.Errorf("%w: %v", probeerr.ErrConfigBuild, err)
		result.Error, result.ErrorCode = err.Error(), probeerr.Code(err)
		r.observe(result, 0)
		return result
	}
	server.Protocol = protocol
	result.Protocol = protocol

	var (
		tun connector.Tunnel
		m   measurements
	)
	sess, err := r.deps.Sessions.Run(ctx, server, func(ctx context.Context, _ *session.Session, t connector.Tunnel) error {
		tun = t
		m = r.measure(ctx, job, tier)
		return nil
	})
	if err != nil {
		result.Error, result.ErrorCode = err.Error(), probeerr.Code(err)
		r.observe(result, sess.ConnectDuration())
		return result
	}

	connect := sess.ConnectDuration()
	connectMs := milliseconds(connect)
	result.VPNConnected = true
	result.VPNConnectTimeMs = &connectMs
	result.AssignedIP = tun.IP
	result.AssignedIPSource = tun.Source
	result.Ping = m.ping
	result.Speed = m.speed
	result.Streaming = m.streaming
	r.observe(result, connect)
	return result
}

func (r *Runner) measure(ctx context.Context, job types.Job, tier types.Tier) measurements {
	var m measurements

	if err := r.guard("latency", func() {
		ping := r.deps.Latency.Run(ctx, job.LatencyTarget)
		m.ping = &ping
	}); err != nil {
		m.ping = &types.LatencyResult{PacketLoss: 100, Status: types.StatusFailure, Error: err.Error()}
	}

	if tier.RunsSpeed() {
		if r.deps.Speed == nil {
			m.speed = &types.SpeedResult{Status: types.StatusSkipped, Error: "speed test disabled"}
		} else if err := r.guard("speed", func() {
			speed := r.deps.Speed.Run(ctx)
			m.speed = &speed
		}); err != nil {
			m.speed = &types.SpeedResult{Status: types.StatusFailure, Error: err.Error()}
		}
	}

	if tier.RunsStreaming() {
		services := job.StreamingServices
		if len(services) == 0 {
			services = r.cfg.StreamingServices
		}
		if len(services) == 0 {
			services = streaming.DefaultServices
		}
		if r.deps.Streaming == nil {
			m.streaming = fill(services, types.StatusSkipped, "streaming checks disabled")
		} else if err := r.guard("streaming", func() {
			m.streaming = r.deps.Streaming.Check(ctx, services)
		}); err != nil {
			m.streaming = fill(services, types.StatusFailure, err.Error())
		}
	}
	return m
}

func (r *Runner) guard(name string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s panicked: %v", probeerr.ErrProbeFailure, name, p)
			r.deps.Logger.Printf("runner: %v", err)
		}
	}()
	fn()
	return nil
}

func (r *Runner) observe(result types.TestResult, connect time.Duration) {
	for _, o := range r.deps.Observers {
		o.ObserveTest(result, connect)
	}
	if result.VPNConnected {
		r.deps.Logger.Printf("test %s: server=%s tier=%s connected ip=%s", result.ID, result.ServerID, result.Tier, result.AssignedIP)
	} else {
		r.deps.Logger.Printf("test %s: server=%s tier=%s not connected code=%s", result.ID, result.ServerID, result.Tier, result.ErrorCode)
	}
}

func fill(services []string, status types.Status, msg string) []types.StreamingResult {
	out := make([]types.StreamingResult, 0, len(services))
	for _, svc := range services {
		out = append(out, types.StreamingResult{Service: svc, Status: status, Error: msg})
	}
	return out
}

func milliseconds(d time.Duration) float64 {
	ms, err := stats.Round(float64(d.Microseconds())/1000, 2)
	if err != nil {
		return 0
	}
	return ms
}
