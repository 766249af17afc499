package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store is an append-only snapshot store.
type Store interface {
	Add(ctx context.Context, s Snapshot) error
	NodeIDs(ctx context.Context) ([]string, error)
	Snapshots(ctx context.Context, nodeID string) ([]Snapshot, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type entry struct {
	snap    Snapshot
	addedAt time.Time
}

// MemoryStore is a thread-safe in-memory Store. Node identifiers and
// snapshots are returned in insertion order. Retention is enforced by Run.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	data  map[string][]entry
	now   func() time.Time // injectable for deterministic tests
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]entry),
		now:  time.Now,
	}
}

// Add appends s. Callers must not modify s.Counters after calling Add.
func (m *MemoryStore) Add(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[s.NodeID]; !ok {
		m.order = append(m.order, s.NodeID)
	}
	m.data[s.NodeID] = append(m.data[s.NodeID], entry{snap: s, addedAt: m.now()})
	return nil
}

// NodeIDs returns every node with at least one snapshot.
func (m *MemoryStore) NodeIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

// Snapshots returns the snapshots of nodeID in insertion order.
func (m *MemoryStore) Snapshots(_ context.Context, nodeID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.data[nodeID]
	out := make([]Snapshot, len(entries))
	for i, e := range entries {
		out[i] = e.snap
	}
	return out, nil
}

// DeleteOlderThan removes snapshots added at or before cutoff and returns
// how many were removed. Nodes left without snapshots are forgotten.
func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for _, id := range append([]string(nil), m.order...) {
		entries := m.data[id]
		kept := entries[:0]
		for _, e := range entries {
			if e.addedAt.After(cutoff) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.data, id)
		} else {
			m.data[id] = kept
		}
	}
	order := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.data[id]; ok {
			order = append(order, id)
		}
	}
	m.order = order
	return removed, nil
}

// Run starts the background eviction loop for st. It ticks at half the
// retention (minimum 1 second) and blocks until ctx is cancelled.
func Run(ctx context.Context, st Store, retention time.Duration) {
	interval := retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := st.DeleteOlderThan(ctx, now.Add(-retention))
			if err != nil {
				slog.Error("telemetry: retention sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("telemetry: evicted old snapshots", "count", n)
			}
		}
	}
}
