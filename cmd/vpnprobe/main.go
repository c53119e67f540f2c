package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vpnprobe: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vpnprobe",
		Short:         "Measure VPN server reachability and quality from this vantage point",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to probe configuration (default $VPNPROBE_CONFIG or /etc/vpnprobe/probe.yaml)")
	root.AddCommand(newRunCmd(), newTestCmd(), newDoctorCmd())
	return root
}

func configFlag(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
