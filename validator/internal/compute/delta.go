package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tallynet/tally/validator/internal/registry"
	"github.com/tallynet/tally/validator/internal/telemetry"
)

// TelemetrySource is the read side of a telemetry store.
type TelemetrySource interface {
	// NodeIDs returns every node identifier with at least one snapshot.
	NodeIDs(ctx context.Context) ([]string, error)

	// Snapshots returns all snapshots for nodeID in insertion order.
	Snapshots(ctx context.Context, nodeID string) ([]telemetry.Snapshot, error)
}

// Directory is the read side of the node registry.
type Directory interface {
	// ListAll returns every registered node. It fails when the registry
	// cannot be consulted at all.
	ListAll() ([]registry.Node, error)

	// ResolveSlot returns the slot id of nodeID and whether it is registered.
	ResolveSlot(nodeID string) (int, bool)
}

// DeltaRecord is the per-cycle activity of one node: every counter replaced
// by latest minus oldest across the node's snapshots.
//
// Counters are not clamped. A negative delta means the node's counters were
// reset between snapshots and is passed through as-is.
type DeltaRecord struct {
	NodeID    string
	SlotID    int
	Counters  map[string]int64
	Timestamp time.Time
}

// Value returns the named counter delta as a float, 0 if absent.
func (r DeltaRecord) Value(name string) float64 {
	return float64(r.Counters[name])
}

// zeroRecord builds the record used for nodes without enough telemetry.
func zeroRecord(nodeID string, slot int) DeltaRecord {
	return DeltaRecord{NodeID: nodeID, SlotID: slot, Counters: map[string]int64{}}
}

// BuildDeltas derives one DeltaRecord per node known to either the registry
// or the telemetry store. Nodes with telemetry come first, in store order,
// followed by registry-only nodes in registry order.
//
// A registry or store failure aborts the whole build: callers must never
// score a partial node set.
func BuildDeltas(ctx context.Context, dir Directory, src TelemetrySource) ([]DeltaRecord, error) {
	nodes, err := dir.ListAll()
	if err != nil {
		return nil, fmt.Errorf("compute: list registry: %w", err)
	}

	ids, err := src.NodeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute: list telemetry nodes: %w", err)
	}

	seen := make(map[string]struct{}, len(nodes)+len(ids))
	out := make([]DeltaRecord, 0, len(nodes)+len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		snaps, err := src.Snapshots(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("compute: snapshots for %q: %w", id, err)
		}

		slot, registered := dir.ResolveSlot(id)
		if !registered {
			slog.Debug("compute: telemetry node not in registry", "node", id)
		}
		out = append(out, deltaOf(id, slot, snaps))
	}

	for _, n := range nodes {
		if _, ok := seen[n.NodeID]; ok {
			continue
		}
		seen[n.NodeID] = struct{}{}
		out = append(out, zeroRecord(n.NodeID, n.SlotID))
	}

	return out, nil
}

// deltaOf computes the record for one node. fallbackSlot is used for zero
// records and when the latest snapshot carries no slot of its own.
func deltaOf(nodeID string, fallbackSlot int, snaps []telemetry.Snapshot) DeltaRecord {
	if len(snaps) < 2 {
		return zeroRecord(nodeID, fallbackSlot)
	}

	sorted := make([]telemetry.Snapshot, len(snaps))
	copy(sorted, snaps)
	// Newest first; equal timestamps keep insertion order.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	latest, oldest := sorted[0], sorted[len(sorted)-1]

	rec := DeltaRecord{
		NodeID:    nodeID,
		SlotID:    fallbackSlot,
		Counters:  make(map[string]int64, len(latest.Counters)),
		Timestamp: latest.Timestamp,
	}
	if latest.HasSlot {
		rec.SlotID = latest.SlotID
	}
	for k, v := range latest.Counters {
		rec.Counters[k] = v - oldest.Counters[k]
	}
	for k, v := range oldest.Counters {
		if _, ok := latest.Counters[k]; !ok {
			rec.Counters[k] = -v
		}
	}
	return rec
}
