package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func snapshot(id string, web int64) Snapshot {
	return Snapshot{NodeID: id, Counters: map[string]int64{"web_success": web}, Timestamp: baseTime}
}

// total counts every snapshot held by st.
func total(t *testing.T, st *MemoryStore) int {
	t.Helper()
	ctx := context.Background()
	ids, _ := st.NodeIDs(ctx)
	n := 0
	for _, id := range ids {
		snaps, _ := st.Snapshots(ctx, id)
		n += len(snaps)
	}
	return n
}

func TestMemoryStore_AddAndSnapshots(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	st.Add(ctx, snapshot("b", 1))
	st.Add(ctx, snapshot("a", 2))
	st.Add(ctx, snapshot("b", 3))

	ids, _ := st.NodeIDs(ctx)
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Fatalf("NodeIDs = %v, want [b a]", ids)
	}

	snaps, _ := st.Snapshots(ctx, "b")
	if len(snaps) != 2 {
		t.Fatalf("Snapshots(b): got %d, want 2", len(snaps))
	}
	if snaps[0].Counter("web_success") != 1 || snaps[1].Counter("web_success") != 3 {
		t.Errorf("Snapshots(b) out of insertion order: %+v", snaps)
	}
	if n := total(t, st); n != 3 {
		t.Errorf("total = %d, want 3", n)
	}
}

func TestMemoryStore_UnknownNode(t *testing.T) {
	st := NewMemoryStore()
	snaps, err := st.Snapshots(context.Background(), "missing")
	if err != nil || len(snaps) != 0 {
		t.Errorf("Snapshots(missing) = (%v, %v), want empty", snaps, err)
	}
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	st.now = fixedClock(baseTime.Add(-2 * time.Hour)) // beyond retention
	st.Add(ctx, snapshot("old", 1))
	st.Add(ctx, snapshot("mixed", 1))

	st.now = fixedClock(baseTime)
	st.Add(ctx, snapshot("mixed", 2))

	n, err := st.DeleteOlderThan(ctx, baseTime.Add(-time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("DeleteOlderThan = (%d, %v), want (2, nil)", n, err)
	}
	ids, _ := st.NodeIDs(ctx)
	if len(ids) != 1 || ids[0] != "mixed" {
		t.Fatalf("NodeIDs after evict = %v, want [mixed]", ids)
	}
	snaps, _ := st.Snapshots(ctx, "mixed")
	if len(snaps) != 1 || snaps[0].Counter("web_success") != 2 {
		t.Errorf("mixed after evict = %+v, want only the fresh snapshot", snaps)
	}
}

func TestMemoryStore_NodeIDsReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	st.Add(ctx, snapshot("a", 1))

	ids, _ := st.NodeIDs(ctx)
	ids[0] = "mutated"

	again, _ := st.NodeIDs(ctx)
	if again[0] != "a" {
		t.Errorf("NodeIDs leaked internal slice: got %q", again[0])
	}
}

func TestMemoryStore_ConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st.Add(ctx, snapshot("n", int64(i)))
			st.Snapshots(ctx, "n")
		}(i)
	}
	wg.Wait()

	if n := total(t, st); n != 50 {
		t.Errorf("total = %d, want 50", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, st, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
