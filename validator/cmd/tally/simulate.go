package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tallynet/tally/validator/internal/compute"
	"github.com/tallynet/tally/validator/internal/config"
	"github.com/tallynet/tally/validator/internal/ledger"
	"github.com/tallynet/tally/validator/internal/registry"
	"github.com/tallynet/tally/validator/internal/telemetry"
)

var (
	outputFormat string
	window       time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Compute weights from stored telemetry without publishing",
	Long: `Run one read-only pass through the delta engine and weight calculator.
Slots come from the snapshots themselves; nothing is written to the ledger
and no score reports are sent.

The postgres backend scores the snapshots already stored. The memory backend
starts empty, so workers are scraped twice, --window apart (default
telemetry.collect_interval), and scored on the activity in between.

Examples:
  tally simulate --config config.yaml
  tally simulate --config config.yaml --format yaml --window 30s`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVarP(&outputFormat, "format", "f", "json", "output format: json | yaml")
	simulateCmd.Flags().DurationVarP(&window, "window", "w", 0, "gap between the two scrapes on the memory backend (default collect_interval)")
}

// simulation is the printed result of a simulate run.
type simulation struct {
	SlotIDs []int     `json:"slot_ids" yaml:"slot_ids"`
	Weights []float64 `json:"weights" yaml:"weights"`
	Skipped []string  `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	if outputFormat != "json" && outputFormat != "yaml" {
		return fmt.Errorf("unknown format %q", outputFormat)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	ctx := cmd.Context()

	store, closeStore, err := openStore(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New()
	dialer := ledger.NewGRPCDialer(cfg.Ledger)
	if err := registry.NewSyncer(reg, registrySource(cfg, dialer), cfg.Registry.SyncInterval).SyncOnce(ctx); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}

	if cfg.Telemetry.Backend == "memory" {
		gap := window
		if gap <= 0 {
			gap = cfg.Telemetry.CollectInterval
		}
		if err := collectWindow(ctx, telemetry.NewCollector(cfg.Telemetry, store, reg), gap); err != nil {
			return err
		}
	}

	records, err := compute.BuildDeltas(ctx, reg, store)
	if err != nil {
		return err
	}
	w := compute.NewCalculator(reg, nil, scoringFromConfig(cfg.Scoring)).Calculate(ctx, records, true)
	return writeSimulation(cmd.OutOrStdout(), outputFormat, simulation{SlotIDs: w.SlotIDs, Weights: w.Values, Skipped: w.Skipped})
}

// collectWindow scrapes every worker twice, gap apart, so each node has a
// first and a last snapshot to diff.
func collectWindow(ctx context.Context, col *telemetry.Collector, gap time.Duration) error {
	col.CollectOnce(ctx)
	slog.Info("simulate: waiting for second scrape", "window", gap)
	t := time.NewTimer(gap)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if col.CollectOnce(ctx) == 0 {
		return fmt.Errorf("simulate: no worker could be scraped")
	}
	return nil
}

func writeSimulation(out io.Writer, format string, s simulation) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(s)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
