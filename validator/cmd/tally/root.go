package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Validator that scores worker nodes and publishes weights",
	Long: `tally collects counter telemetry from worker nodes, turns it into a
per-node performance weight and publishes the weight vector to the ledger,
respecting the ledger's minimum update interval.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging()
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

func setupLogging() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// applyLogLevel sets the process log level from a config value.
func applyLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		slog.Warn("unknown log level, keeping current", "level", level)
		return
	}
	logLevel.Set(l)
}
