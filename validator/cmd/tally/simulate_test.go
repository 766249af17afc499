package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallynet/tally/validator/internal/config"
	"github.com/tallynet/tally/validator/internal/telemetry"
)

// countingWorker serves a web_success counter that grows by step on every
// scrape.
func countingWorker(t *testing.T, step int64) *httptest.Server {
	t.Helper()
	var total atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := total.Add(step)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# TYPE worker_web_success_total counter\nworker_web_success_total %d\n", n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setSimulateFlags(t *testing.T, path, format string, gap time.Duration) {
	t.Helper()
	prevPath, prevFormat, prevWindow := configPath, outputFormat, window
	configPath, outputFormat, window = path, format, gap
	t.Cleanup(func() { configPath, outputFormat, window = prevPath, prevFormat, prevWindow })
}

func TestRunSimulate_MemoryBackendScoresWindow(t *testing.T) {
	busy := countingWorker(t, 1000)
	idle := countingWorker(t, 10)

	cfg := fmt.Sprintf(`
log_level: error
validator:
  node_id: v
ledger:
  endpoint: "localhost:1"
registry:
  nodes:
    - {node_id: a, slot: 1}
    - {node_id: b, slot: 2}
telemetry:
  workers:
    - {node_id: a, endpoint: %q}
    - {node_id: b, endpoint: %q}
`, busy.URL, idle.URL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	setSimulateFlags(t, path, "json", 20*time.Millisecond)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	if err := runSimulate(cmd, nil); err != nil {
		t.Fatalf("runSimulate: %v", err)
	}

	var got simulation
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if len(got.SlotIDs) != 2 || got.SlotIDs[0] != 1 || got.SlotIDs[1] != 2 {
		t.Fatalf("slot_ids = %v, want [1 2]", got.SlotIDs)
	}
	if !(got.Weights[0] > 0 && got.Weights[0] > got.Weights[1]) {
		t.Errorf("weights = %v, want node a (1000/scrape) above node b (10/scrape)", got.Weights)
	}
}

func TestRunSimulate_UnknownFormat(t *testing.T) {
	setSimulateFlags(t, "unused.yaml", "xml", 0)
	if err := runSimulate(&cobra.Command{}, nil); err == nil {
		t.Fatal("expected an error for format xml")
	}
}

func TestCollectWindow_Cancelled(t *testing.T) {
	col := telemetry.NewCollector(config.TelemetryConfig{}, telemetry.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := collectWindow(ctx, col, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCollectWindow_NoReachableWorker(t *testing.T) {
	cfg := config.TelemetryConfig{Workers: []config.Worker{{NodeID: "a", Endpoint: "http://127.0.0.1:1/metrics"}}}
	col := telemetry.NewCollector(cfg, telemetry.NewMemoryStore(), nil)
	if err := collectWindow(context.Background(), col, time.Millisecond); err == nil {
		t.Fatal("expected an error when no worker answers")
	}
}
