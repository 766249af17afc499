package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tallynet/tally/validator/internal/compute"
	"github.com/tallynet/tally/validator/internal/config"
)

const defaultTimeout = 10 * time.Second

// Report is the JSON body sent to a worker.
type Report struct {
	NodeID    string           `json:"node_id"`
	SlotID    int              `json:"slot_id"`
	Score     float64          `json:"score"`
	Deltas    map[string]int64 `json:"deltas"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
}

type target struct {
	url  string
	auth config.AuthConfig
}

// HTTPReporter posts score reports to worker report URLs.
type HTTPReporter struct {
	targets map[string]target
	client  *http.Client
}

// NewHTTPReporter builds a reporter for every worker with a report_url.
func NewHTTPReporter(workers []config.Worker) *HTTPReporter {
	r := &HTTPReporter{
		targets: make(map[string]target, len(workers)),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, w := range workers {
		if w.ReportURL == "" {
			continue
		}
		r.targets[w.NodeID] = target{url: w.ReportURL, auth: w.Auth}
	}
	return r
}

// ReportScore sends the score of nodeID. Nodes without a report URL are
// skipped silently.
func (r *HTTPReporter) ReportScore(ctx context.Context, nodeID string, score float64, rec compute.DeltaRecord) error {
	t, ok := r.targets[nodeID]
	if !ok {
		slog.Debug("notify: no report url, skipping", "node", nodeID)
		return nil
	}

	rep := Report{NodeID: nodeID, SlotID: rec.SlotID, Score: score, Deltas: rec.Counters}
	if rep.Deltas == nil {
		rep.Deltas = map[string]int64{}
	}
	if !rec.Timestamp.IsZero() {
		ts := rec.Timestamp.UTC()
		rep.Timestamp = &ts
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("notify: marshal report: %w", err)
	}
	if err := r.post(ctx, t, body); err != nil {
		return fmt.Errorf("notify: %s: %w", nodeID, err)
	}
	slog.Debug("notify: score delivered", "node", nodeID, "score", score)
	return nil
}

func (r *HTTPReporter) post(ctx context.Context, t target, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.auth.Apply(req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("worker returned HTTP %d", resp.StatusCode)
	}
	return nil
}

var _ compute.ScoreReporter = (*HTTPReporter)(nil)
