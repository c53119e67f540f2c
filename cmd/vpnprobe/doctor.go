package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pingsantohq/vpnprobe/internal/config"
	"github.com/pingsantohq/vpnprobe/internal/diag"
)

var errPreflightFailed = errors.New("preflight failed")

func newDoctorCmd() *cobra.Command {
	var metricsURL string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can run VPN tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), configFlag(cmd), metricsURL, cmd.OutOrStdout(), diag.Dependencies{})
		},
	}
	cmd.Flags().StringVar(&metricsURL, "metrics-url", "", "Also scrape a running daemon, e.g. http://127.0.0.1:9464/metrics")
	return cmd
}

func runDoctor(ctx context.Context, configPath, metricsURL string, out io.Writer, deps diag.Dependencies) error {
	cfg, err := config.Resolve(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	report := diag.Run(ctx, cfg, diag.Options{MetricsURL: metricsURL}, deps)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if !report.OK {
		return errPreflightFailed
	}
	return nil
}
