package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestListAll_NotSynced(t *testing.T) {
	r := New()
	if _, err := r.ListAll(); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("ListAll before sync: err = %v, want ErrNotSynced", err)
	}
}

func TestReplace_ListAndResolve(t *testing.T) {
	r := New()
	r.Replace([]Node{{SlotID: 3, NodeID: "a"}, {SlotID: 7, NodeID: "b"}}, baseTime)

	nodes, err := r.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("ListAll: got %d nodes, want 2", len(nodes))
	}

	slot, ok := r.ResolveSlot("b")
	if !ok || slot != 7 {
		t.Errorf("ResolveSlot(b) = (%d, %v), want (7, true)", slot, ok)
	}
	slot, ok = r.ResolveSlot("missing")
	if ok || slot != 0 {
		t.Errorf("ResolveSlot(missing) = (%d, %v), want (0, false)", slot, ok)
	}
	if !r.SyncedAt().Equal(baseTime) {
		t.Errorf("SyncedAt = %v, want %v", r.SyncedAt(), baseTime)
	}
}

func TestReplace_DuplicateNodeLastWins(t *testing.T) {
	r := New()
	r.Replace([]Node{{SlotID: 1, NodeID: "a"}, {SlotID: 2, NodeID: "a"}}, baseTime)

	nodes, _ := r.ListAll()
	if len(nodes) != 1 {
		t.Fatalf("duplicate node ids: got %d nodes, want 1", len(nodes))
	}
	if nodes[0].SlotID != 2 {
		t.Errorf("SlotID = %d, want 2", nodes[0].SlotID)
	}
	if slot, _ := r.ResolveSlot("a"); slot != 2 {
		t.Errorf("ResolveSlot(a) = %d, want 2", slot)
	}
}

func TestListAll_ReturnsCopy(t *testing.T) {
	r := New()
	r.Replace([]Node{{SlotID: 1, NodeID: "a"}}, baseTime)

	nodes, _ := r.ListAll()
	nodes[0].NodeID = "mutated"

	again, _ := r.ListAll()
	if again[0].NodeID != "a" {
		t.Errorf("ListAll leaked internal slice: got %q", again[0].NodeID)
	}
}

type failingSource struct{ err error }

func (f failingSource) ListNodes(context.Context) ([]Node, error) { return nil, f.err }

func TestSyncOnce(t *testing.T) {
	r := New()
	s := NewSyncer(r, Static{{SlotID: 4, NodeID: "x"}}, time.Minute)
	s.now = func() time.Time { return baseTime }

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if slot, ok := r.ResolveSlot("x"); !ok || slot != 4 {
		t.Errorf("ResolveSlot(x) = (%d, %v), want (4, true)", slot, ok)
	}
}

func TestSyncOnce_FailureKeepsPrevious(t *testing.T) {
	r := New()
	r.Replace([]Node{{SlotID: 1, NodeID: "keep"}}, baseTime)

	s := NewSyncer(r, failingSource{err: errors.New("unreachable")}, time.Minute)
	if err := s.SyncOnce(context.Background()); err == nil {
		t.Fatal("SyncOnce: expected error")
	}
	if _, ok := r.ResolveSlot("keep"); !ok {
		t.Error("previous membership was dropped after failed sync")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := New()
	s := NewSyncer(r, Static{{SlotID: 1, NodeID: "a"}}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := r.ListAll(); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("registry was never synced")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
