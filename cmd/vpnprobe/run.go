package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pingsantohq/vpnprobe/internal/certs"
	"github.com/pingsantohq/vpnprobe/internal/config"
	"github.com/pingsantohq/vpnprobe/internal/health"
	"github.com/pingsantohq/vpnprobe/internal/logging"
	"github.com/pingsantohq/vpnprobe/internal/metrics"
	"github.com/pingsantohq/vpnprobe/internal/runtime"
	"github.com/pingsantohq/vpnprobe/internal/transmit"
	"github.com/pingsantohq/vpnprobe/internal/uplink"
	"github.com/pingsantohq/vpnprobe/internal/worker"
)

const shutdownFlushTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the central service for jobs and report results until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFlag(cmd))
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Resolve(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Central.URL == "" {
		return fmt.Errorf("central.url must be configured")
	}
	if err := config.EnsureProbeID(ctx, &cfg, time.Now); err != nil {
		return fmt.Errorf("resolve probe id: %w", err)
	}

	logger := logging.New()
	logger.Printf("probe starting (id=%s, region=%s, central=%s, max_concurrent_tests=%d)",
		cfg.Probe.ID, cfg.Probe.Region, cfg.Central.URL, cfg.Run.MaxConcurrentTests)

	metricsStore := metrics.NewStore()
	healthChecker := health.NewChecker(metricsStore, cfg.Run.QueueCapacity, orDuration(cfg.Monitoring.StaleAfter, 3*cfg.Central.JobPollInterval),
		health.WithFailureThreshold(cfg.Monitoring.FailureThreshold))

	probeRunner, err := buildRunner(cfg, logger, metricsStore, healthChecker)
	if err != nil {
		return err
	}

	tlsFiles := certs.Files{Cert: cfg.Central.TLS.Cert, Key: cfg.Central.TLS.Key, CA: cfg.Central.TLS.CA}
	httpClient, err := certs.NewHTTPClient(tlsFiles, cfg.Central.URL, uplink.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("load central TLS config: %w", err)
	}
	if tlsFiles.Cert != "" {
		if expiry, err := certs.ClientCertExpiry(tlsFiles.Cert); err != nil {
			logger.Printf("unable to read client certificate expiry: %v", err)
		} else {
			healthChecker.SetCertExpiry(expiry)
		}
	}

	uplinkClient, err := uplink.NewClient(
		uplink.Config{
			ServerURL:     cfg.Central.URL,
			ProbeID:       cfg.Probe.ID,
			ProbeRegion:   cfg.Probe.Region,
			WebhookSecret: cfg.Central.WebhookSecret,
			Labels:        cfg.Probe.Labels,
		},
		uplink.Dependencies{
			HTTPClient: httpClient,
			Metrics:    metricsStore,
			Readiness:  healthChecker.Ready,
			Logger:     logger,
		},
	)
	if err != nil {
		return fmt.Errorf("init uplink client: %w", err)
	}

	rt := runtime.New(probeRunner,
		runtime.WithQueueCapacity(cfg.Run.QueueCapacity),
		runtime.WithJobBuffer(cfg.Run.JobBuffer),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithJobSource(uplinkClient, cfg.Central.JobPollInterval),
		runtime.WithSyncObserver(healthChecker.ObserveJobSync),
		runtime.WithLogger(logger),
		runtime.WithWorkerOptions(
			worker.WithWorkerCount(cfg.Run.MaxConcurrentTests),
			worker.WithRateLimit(cfg.Run.RequestsPerMinute),
			worker.WithJitter(cfg.Run.Jitter),
			worker.WithWaitObserver(metricsStore.ObserveJobWait),
			worker.WithLogger(logger),
		),
	)
	transmitter := rt.NewTransmitter(uplinkClient,
		transmit.WithBatchSize(cfg.Central.BatchSize),
		transmit.WithLogger(logger),
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)
	wait := rt.Start(groupCtx)
	startedAt := time.Now()

	grp.Go(func() error {
		if err := transmitter.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		err := uplinkClient.RunHeartbeat(groupCtx, cfg.Central.HeartbeatInterval)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})

	grp.Go(func() error {
		return serveMonitoring(groupCtx, cfg.Monitoring.Addr, newMonitoringRouter(metricsStore, healthChecker, startedAt), logger)
	})

	err = grp.Wait()

	// workers have closed their sessions; push what they produced
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if ferr := transmitter.Flush(flushCtx); ferr != nil {
		logger.Printf("final flush left %d results unsent: %v", rt.ResultsQueue().Len(), ferr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Printf("probe stopped")
	return nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
