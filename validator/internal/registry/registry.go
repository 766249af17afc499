// Package registry keeps the node identifier ↔ ledger slot mapping.
//
// Registry is an in-memory view that is replaced wholesale on every sync.
// Syncer refreshes it from a Source (the ledger gateway or a static list)
// on a fixed cadence. Until the first successful sync the registry reports
// ErrNotSynced, which callers treat as the registry being unreachable.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotSynced is returned by ListAll before the registry has been populated.
var ErrNotSynced = errors.New("registry: not synced")

// Node is one registered participant.
type Node struct {
	SlotID int
	NodeID string
}

// Source lists the current registry membership.
type Source interface {
	ListNodes(ctx context.Context) ([]Node, error)
}

// Registry is a thread-safe slot directory.
type Registry struct {
	mu       sync.RWMutex
	nodes    []Node
	slotOf   map[string]int
	synced   bool
	syncedAt time.Time
}

// New returns an empty, unsynced Registry.
func New() *Registry {
	return &Registry{slotOf: make(map[string]int)}
}

// Replace installs nodes as the complete membership. Later duplicates of a
// node identifier win.
func (r *Registry) Replace(nodes []Node, now time.Time) {
	slotOf := make(map[string]int, len(nodes))
	pos := make(map[string]int, len(nodes))
	cp := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if i, dup := pos[n.NodeID]; dup {
			cp[i] = n
		} else {
			pos[n.NodeID] = len(cp)
			cp = append(cp, n)
		}
		slotOf[n.NodeID] = n.SlotID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = cp
	r.slotOf = slotOf
	r.synced = true
	r.syncedAt = now
}

// ListAll returns a copy of the membership, or ErrNotSynced.
func (r *Registry) ListAll() ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.synced {
		return nil, ErrNotSynced
	}
	out := make([]Node, len(r.nodes))
	copy(out, r.nodes)
	return out, nil
}

// ResolveSlot returns the slot of nodeID. Unknown nodes return (0, false).
func (r *Registry) ResolveSlot(nodeID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slotOf[nodeID]
	return slot, ok
}

// SyncedAt returns the time of the last successful sync, zero if none.
func (r *Registry) SyncedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncedAt
}

// Syncer periodically refreshes a Registry from a Source.
type Syncer struct {
	reg      *Registry
	src      Source
	interval time.Duration
	now      func() time.Time
}

// NewSyncer returns a Syncer that refreshes reg from src every interval.
func NewSyncer(reg *Registry, src Source, interval time.Duration) *Syncer {
	return &Syncer{reg: reg, src: src, interval: interval, now: time.Now}
}

// SyncOnce pulls the membership once and installs it.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	nodes, err := s.src.ListNodes(ctx)
	if err != nil {
		return err
	}
	s.reg.Replace(nodes, s.now())
	slog.Debug("registry: synced", "nodes", len(nodes))
	return nil
}

// Run syncs immediately and then every interval until ctx is cancelled.
// A failed sync is retried after half the interval; the previous membership
// stays in place meanwhile.
func (s *Syncer) Run(ctx context.Context) {
	for {
		wait := s.interval
		if err := s.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = s.interval / 2
			slog.Error("registry: sync failed", "err", err, "retry_in", wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Static is a Source backed by a fixed node list.
type Static []Node

// ListNodes returns the fixed list.
func (s Static) ListNodes(context.Context) ([]Node, error) {
	out := make([]Node, len(s))
	copy(out, s)
	return out, nil
}
