package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/vpnprobe/internal/config"
	"github.com/pingsantohq/vpnprobe/internal/logging"
	"github.com/pingsantohq/vpnprobe/pkg/types"
)

type testOptions struct {
	server        string
	tier          string
	latencyTarget string
	services      []string
}

func newTestCmd() *cobra.Command {
	var opts testOptions
	cmd := &cobra.Command{
		Use:   "test --server descriptor.yaml",
		Short: "Run one test against a server descriptor and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTest(cmd.Context(), configFlag(cmd), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "YAML or JSON server descriptor file")
	cmd.Flags().StringVar(&opts.tier, "tier", string(types.TierWarm), "Test tier: cold, warm or hot")
	cmd.Flags().StringVar(&opts.latencyTarget, "latency-target", "", "Ping this host instead of the default targets")
	cmd.Flags().StringSliceVar(&opts.services, "services", nil, "Streaming services to check on the hot tier")
	cmd.MarkFlagRequired("server")
	return cmd
}

func runTest(ctx context.Context, configPath string, opts testOptions, stdout, stderr io.Writer) error {
	cfg, err := config.Resolve(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Probe.ID == "" {
		cfg.Probe.ID = "local"
	}
	server, err := loadServerDescriptor(opts.server)
	if err != nil {
		return err
	}

	probeRunner, err := buildRunner(cfg, logging.NewTo(stderr))
	if err != nil {
		return err
	}
	result := probeRunner.Run(ctx, types.Job{
		JobID:             "local-" + uuid.NewString(),
		Tier:              types.ParseTier(opts.tier),
		LatencyTarget:     opts.latencyTarget,
		StreamingServices: opts.services,
		Server:            server,
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if !result.VPNConnected {
		return fmt.Errorf("tunnel not established (%s)", result.ErrorCode)
	}
	return nil
}

// loadServerDescriptor reads a descriptor file. JSON parses as YAML.
func loadServerDescriptor(path string) (types.ServerDescriptor, error) {
	var server types.ServerDescriptor
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return server, fmt.Errorf("read server descriptor %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &server); err != nil {
		return server, fmt.Errorf("parse server descriptor %q: %w", path, err)
	}
	if strings.TrimSpace(server.Host()) == "" {
		return server, fmt.Errorf("server descriptor %q has no hostname or ip_address", path)
	}
	if server.ID == "" {
		server.ID = server.Host()
	}
	return server, nil
}
