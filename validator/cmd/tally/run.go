package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tallynet/tally/validator/internal/compute"
	"github.com/tallynet/tally/validator/internal/config"
	"github.com/tallynet/tally/validator/internal/ledger"
	"github.com/tallynet/tally/validator/internal/notify"
	"github.com/tallynet/tally/validator/internal/publisher"
	"github.com/tallynet/tally/validator/internal/registry"
	"github.com/tallynet/tally/validator/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the validator",
	Long: `Run the full validator: collect worker telemetry, keep the node registry
in sync, and publish weights every cycle_interval.

Examples:
  tally run --config /etc/tally/config.yaml`,
	RunE: runValidator,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runValidator(cmd *cobra.Command, _ []string) error {
	slog.Info("tally starting", "config", configPath, "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	slog.Info("config loaded",
		"ledger", cfg.Ledger.Endpoint,
		"workers", len(cfg.Telemetry.Workers),
		"backend", cfg.Telemetry.Backend,
		"cycle_interval", cfg.Validator.CycleInterval,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer closeStore()
	go telemetry.Run(ctx, store, cfg.Telemetry.Retention)

	dialer := ledger.NewGRPCDialer(cfg.Ledger)

	reg := registry.New()
	syncer := registry.NewSyncer(reg, registrySource(cfg, dialer), cfg.Registry.SyncInterval)
	if err := syncer.SyncOnce(ctx); err != nil {
		slog.Warn("initial registry sync failed, will retry", "err", err)
	}
	go syncer.Run(ctx)

	go telemetry.NewCollector(cfg.Telemetry, store, reg).Run(ctx)

	metrics := publisher.NewMetrics(prometheus.DefaultRegisterer)
	reporter := metrics.InstrumentReporter(notify.NewHTTPReporter(cfg.Telemetry.Workers))
	calc := compute.NewCalculator(reg, reporter, scoringFromConfig(cfg.Scoring))
	calc.SetReportTimeout(cfg.Validator.ReportTimeout)

	pub := publisher.New(publisherSettings(cfg.Validator), dialer, reg, store, calc, metrics)
	go pub.Run(ctx)

	go func() {
		if err := config.Watch(ctx, configPath, func(updated *config.Config) {
			applyLogLevel(updated.LogLevel)
			calc.SetScoring(scoringFromConfig(updated.Scoring))
			slog.Info("scoring parameters reloaded", "metrics", updated.Scoring.Metrics)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg, cfg.Registry.SyncInterval), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("tally shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
