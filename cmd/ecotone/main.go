// Command ecotone measures memory divergence, runs the integrity gate over a
// single turn, maintains the epitaph store and serves the graph-embedding
// substrate.
//
// Usage:
//
//	# Serve the substrate REST API (store B) from a local chromem database
//	ecotone serve
//
//	# Measure divergence for a message
//	ecotone measure "how should the fishery quota work?"
//
//	# Inspect the epitaph pool
//	ecotone epitaph snapshot
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; a missing file falls back to
	// defaults and ECOTONE_* environment variables.
	configPath string
	// logLevel overrides observability.log_level.
	logLevel string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ecotone",
	Short: "Divergence engine, integrity gate and epitaph store",
	Long: `ecotone detects when two memory stores disagree about what is relevant,
gates responses on whether that disagreement was reasoned through, and keeps
recurring failures as weighted epitaphs for coaching.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "~/.config/ecotone/config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(measureCmd)
	rootCmd.AddCommand(turnCmd)
	rootCmd.AddCommand(epitaphCmd)
}
