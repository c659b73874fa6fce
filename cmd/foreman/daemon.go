package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/substrateops/foreman/pkg/config"
	"github.com/substrateops/foreman/pkg/daemon"
	"github.com/substrateops/foreman/pkg/log"
)

var (
	cfgFile   string
	cfgPreset string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordination daemon",
	Long: `Run the coordination daemon in the foreground.

The daemon serves the operator HTTP API on httpPort and worker WebSocket
sessions on wsPort. Configuration comes from defaults, an optional preset,
an optional config file, and FOREMAN_* environment variables, in that
order.

Example:
  foreman daemon                          # defaults (memory-only)
  foreman daemon --preset production      # periodic snapshots
  foreman daemon --config foreman.yaml    # explicit config file`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	daemonCmd.Flags().StringVar(&cfgPreset, "preset", "", "named preset (development, production, high-availability, testing)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPreset, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, Version)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon exited with error: %v", err)
	}
	return nil
}
