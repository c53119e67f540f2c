package main

import (
	"fmt"
	"log"

	"github.com/pingsantohq/vpnprobe/internal/config"
	"github.com/pingsantohq/vpnprobe/internal/connector"
	"github.com/pingsantohq/vpnprobe/internal/credentials"
	"github.com/pingsantohq/vpnprobe/internal/latency"
	"github.com/pingsantohq/vpnprobe/internal/runner"
	"github.com/pingsantohq/vpnprobe/internal/session"
	"github.com/pingsantohq/vpnprobe/internal/speedtest"
	"github.com/pingsantohq/vpnprobe/internal/streaming"
	"github.com/pingsantohq/vpnprobe/internal/tunnel"
)

// buildRunner assembles the credential store, tunnel builder, connectors and
// measurement collaborators described by cfg.
func buildRunner(cfg config.Config, logger *log.Logger, observers ...runner.Observer) (*runner.Runner, error) {
	store, err := credentials.Open(credentials.Options{
		Backend:        cfg.Credentials.Backend,
		Path:           cfg.Credentials.Path,
		KeyringService: cfg.Credentials.KeyringService,
	})
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}

	factory := connector.NewFactory(
		connector.WithIPLookup(connector.NewHTTPLookup(nil, cfg.Tunnel.IPLookupURL, 0)),
		connector.WithBinaries(cfg.Tunnel.OpenVPNBinary, cfg.Tunnel.WireGuardBinary),
		connector.WithPollInterval(cfg.Tunnel.PollInterval),
		connector.WithGracePeriod(cfg.Tunnel.GracePeriod),
		connector.WithSettleInterval(cfg.Tunnel.SettleInterval),
		connector.WithDownTimeout(cfg.Tunnel.DownTimeout),
		connector.WithLogger(logger),
	)

	sessions, err := session.NewManager(
		session.Config{
			ConnectTimeout:    cfg.Tunnel.ConnectTimeout,
			DisconnectTimeout: cfg.Tunnel.DisconnectTimeout,
		},
		session.Dependencies{
			Credentials: store,
			Builder:     tunnel.NewBuilder(cfg.Tunnel.WorkDir),
			Connectors:  factory,
			Logger:      logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("init sessions: %w", err)
	}

	downloadBytes, err := config.ParseSize(cfg.Speed.DownloadSize, speedtest.DefaultDownloadBytes)
	if err != nil {
		return nil, err
	}
	uploadBytes, err := config.ParseSize(cfg.Speed.UploadSize, speedtest.DefaultUploadBytes)
	if err != nil {
		return nil, err
	}

	latencyProbe := latency.New(
		latency.WithPinger(latency.ExecPinger{Binary: cfg.Latency.Binary}),
		latency.WithTargets(cfg.Latency.Targets),
		latency.WithCount(cfg.Latency.Count),
		latency.WithTimeout(cfg.Latency.Timeout),
		latency.WithLogger(logger),
	)
	speedTester := speedtest.NewHTTPTester(speedtest.Config{
		DownloadURL:   cfg.Speed.DownloadURL,
		UploadURL:     cfg.Speed.UploadURL,
		DownloadBytes: downloadBytes,
		UploadBytes:   uploadBytes,
		Timeout:       cfg.Speed.Timeout,
	}, nil)

	return runner.New(
		runner.Config{
			ProbeID:           cfg.Probe.ID,
			ProbeRegion:       cfg.Probe.Region,
			StreamingServices: cfg.Streaming.Services,
		},
		runner.Dependencies{
			Sessions:  sessions,
			Latency:   latencyProbe,
			Streaming: streaming.NewHTTPChecker(streaming.WithTimeout(cfg.Streaming.Timeout)),
			Speed:     speedTester,
			Observers: observers,
			Logger:    logger,
		},
	)
}
