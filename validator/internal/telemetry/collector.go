package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/tallynet/tally/validator/internal/config"
)

const defaultScrapeTimeout = 10 * time.Second

// SlotResolver maps node identifiers to ledger slots.
type SlotResolver interface {
	ResolveSlot(nodeID string) (int, bool)
}

// Collector scrapes every configured worker's Prometheus endpoint and
// appends one Snapshot per successful scrape to a Store.
type Collector struct {
	workers  []workerClient
	store    Store
	slots    SlotResolver
	prefix   string
	interval time.Duration
	now      func() time.Time
}

type workerClient struct {
	worker config.Worker
	client *http.Client
}

// NewCollector builds a Collector for the workers in cfg. slots may be nil.
func NewCollector(cfg config.TelemetryConfig, store Store, slots SlotResolver) *Collector {
	c := &Collector{
		store:    store,
		slots:    slots,
		prefix:   cfg.MetricPrefix,
		interval: cfg.CollectInterval,
		now:      time.Now,
	}
	if c.interval <= 0 {
		c.interval = config.DefaultCollectInterval
	}
	for _, w := range cfg.Workers {
		c.workers = append(c.workers, workerClient{worker: w, client: buildHTTPClient(w.Auth)})
	}
	return c
}

// Run collects immediately and then every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		c.CollectOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// CollectOnce scrapes every worker once and returns how many snapshots were
// stored. Per-worker failures are logged and skipped.
func (c *Collector) CollectOnce(ctx context.Context) int {
	stored := 0
	for _, wc := range c.workers {
		snap, err := c.scrape(ctx, wc)
		if err != nil {
			slog.Warn("telemetry: scrape failed", "node", wc.worker.NodeID, "err", err)
			continue
		}
		if err := c.store.Add(ctx, snap); err != nil {
			slog.Error("telemetry: store snapshot failed", "node", wc.worker.NodeID, "err", err)
			continue
		}
		stored++
	}
	slog.Debug("telemetry: collection pass complete", "workers", len(c.workers), "stored", stored)
	return stored
}

func (c *Collector) scrape(ctx context.Context, wc workerClient) (Snapshot, error) {
	mfs, err := fetchMetrics(ctx, wc.client, wc.worker.Endpoint)
	if err != nil {
		return Snapshot{}, err
	}
	workerID, _ := labelValue(mfs, workerIDLabel)
	snap := Snapshot{
		NodeID:    wc.worker.NodeID,
		WorkerID:  workerID,
		Counters:  countersFrom(mfs, c.prefix),
		Timestamp: c.now().UTC(),
	}
	if raw, ok := labelValue(mfs, timestampLabel); ok {
		snap.Timestamp = ParseTimestamp(raw)
	}
	if c.slots != nil {
		if slot, ok := c.slots.ResolveSlot(snap.NodeID); ok {
			snap = snap.WithSlot(slot)
		}
	}
	return snap, nil
}

// countersFrom sums every family named prefix+X across its label sets and
// stores it as counter X, with any _total suffix removed.
func countersFrom(mfs map[string]*dto.MetricFamily, prefix string) map[string]int64 {
	out := make(map[string]int64)
	for name, mf := range mfs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), "_total")
		if key == "" {
			continue
		}
		out[key] += int64(sumFamily(mf))
	}
	return out
}

// Labels a worker may attach to its samples. A timestamp label overrides
// the scrape time; a malformed one yields the zero time.
const (
	workerIDLabel  = "worker_id"
	timestampLabel = "timestamp"
)

// labelValue returns the value of the first non-empty label called name.
func labelValue(mfs map[string]*dto.MetricFamily, name string) (string, bool) {
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == name && lp.GetValue() != "" {
					return lp.GetValue(), true
				}
			}
		}
	}
	return "", false
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.auth.Mode == "apikey" || t.auth.Mode == "bearer" {
		req = req.Clone(req.Context())
		t.auth.Apply(req.Header)
	}
	return t.base.RoundTrip(req)
}

func buildHTTPClient(auth config.AuthConfig) *http.Client {
	return &http.Client{
		Transport: &authRoundTripper{base: http.DefaultTransport, auth: auth},
		Timeout:   defaultScrapeTimeout,
	}
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r. A partial
// result with a trailing parse error still counts as success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
