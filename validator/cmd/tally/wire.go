package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tallynet/tally/validator/internal/compute"
	"github.com/tallynet/tally/validator/internal/config"
	"github.com/tallynet/tally/validator/internal/ledger"
	"github.com/tallynet/tally/validator/internal/publisher"
	"github.com/tallynet/tally/validator/internal/registry"
	"github.com/tallynet/tally/validator/internal/telemetry"
)

// openStore builds the configured telemetry store. The returned close
// function releases any database handle.
func openStore(ctx context.Context, cfg config.TelemetryConfig) (telemetry.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		db, err := telemetry.OpenPostgres(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		st := telemetry.NewPostgresStore(db, cfg.Table)
		if err := st.EnsureTable(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("telemetry store ready", "backend", "postgres", "table", cfg.Table)
		return st, func() { db.Close() }, nil
	case "memory":
		slog.Info("telemetry store ready", "backend", "memory", "retention", cfg.Retention)
		return telemetry.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown telemetry backend %q", cfg.Backend)
	}
}

// registrySource returns the static node list when one is configured and
// the ledger gateway otherwise.
func registrySource(cfg *config.Config, dialer ledger.Dialer) registry.Source {
	if len(cfg.Registry.Nodes) > 0 {
		nodes := make(registry.Static, 0, len(cfg.Registry.Nodes))
		for _, n := range cfg.Registry.Nodes {
			nodes = append(nodes, registry.Node{SlotID: n.Slot, NodeID: n.NodeID})
		}
		return nodes
	}
	return ledger.Membership{Dialer: dialer}
}

// scoringFromConfig converts the scoring section into calculator parameters.
func scoringFromConfig(s config.ScoringConfig) compute.Scoring {
	return compute.Scoring{
		Metrics: append([]string(nil), s.Metrics...),
		Transform: compute.TransformParams{
			TopPercentile:     s.Transform.TopPercentile,
			RewardFactor:      s.Transform.RewardFactor,
			Steepness:         s.Transform.Steepness,
			CenterSensitivity: s.Transform.CenterSensitivity,
			BoostFactor:       s.Transform.BoostFactor,
		},
	}
}

func publisherSettings(v config.ValidatorConfig) publisher.Settings {
	return publisher.Settings{
		ValidatorSlot:   v.Slot,
		ValidatorNodeID: v.NodeID,
		VersionKey:      v.VersionKey,
		Interval:        v.CycleInterval,
		BlockTime:       v.BlockTime,
		MaxAttempts:     v.MaxAttempts,
		RetryDelay:      v.RetryDelay,
		ReportWait:      v.ReportTimeout,
	}
}
