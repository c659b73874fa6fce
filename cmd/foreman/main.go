package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - coordination daemon for multi-agent fleets",
	Long: `Foreman is the coordination daemon for a master/worker agent fleet.

It keeps the authoritative in-memory state (workers, tasks, assignments),
schedules tasks by capability and load, watches worker heartbeats, and
speaks two protocols: a duplex WebSocket session per worker and a JSON
HTTP API for operators.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(daemonCmd)
}
