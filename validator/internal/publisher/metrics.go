package publisher

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tallynet/tally/validator/internal/compute"
)

// Metrics holds the Prometheus collectors updated by the publisher.
type Metrics struct {
	cycles         *prometheus.CounterVec
	submitAttempts prometheus.Counter
	waitSeconds    prometheus.Counter
	lastNodes      prometheus.Gauge
	lookupFailures prometheus.Counter
	reports        *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
}

// NewMetrics creates the publisher collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cycles_total",
			Help: "Weight-setting cycles by outcome (done, failed, skipped).",
		}, []string{"outcome"}),
		submitAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_submit_attempts_total",
			Help: "Weight submissions attempted against the ledger.",
		}),
		waitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_interval_wait_seconds_total",
			Help: "Seconds spent waiting for the minimum update interval.",
		}),
		lastNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_last_cycle_nodes",
			Help: "Entries in the most recently computed weight vector.",
		}),
		lookupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tally_lookup_failures_total",
			Help: "Nodes skipped because they were not found in the registry.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_reports_total",
			Help: "Score reports delivered to nodes, by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_cycle_duration_seconds",
			Help:    "Wall time of a weight-setting cycle, including interval waits.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.cycles, m.submitAttempts, m.waitSeconds, m.lastNodes,
		m.lookupFailures, m.reports, m.cycleDuration)
	return m
}

func (m *Metrics) observe(r CycleReport) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcomeLabel(r.State)).Inc()
	m.cycleDuration.Observe(r.Finished.Sub(r.Started).Seconds())
	if r.Computed {
		m.lastNodes.Set(float64(r.Weights.Len()))
		m.lookupFailures.Add(float64(len(r.Weights.Skipped)))
	}
}

func (m *Metrics) skipped() {
	if m != nil {
		m.cycles.WithLabelValues("skipped").Inc()
	}
}

func (m *Metrics) attempt() {
	if m != nil {
		m.submitAttempts.Inc()
	}
}

func (m *Metrics) waited(seconds float64) {
	if m != nil {
		m.waitSeconds.Add(seconds)
	}
}

func outcomeLabel(s State) string {
	if s == StateDone {
		return "done"
	}
	return "failed"
}

// InstrumentReporter wraps r so every report is counted by result.
func (m *Metrics) InstrumentReporter(r compute.ScoreReporter) compute.ScoreReporter {
	if m == nil || r == nil {
		return r
	}
	return &countingReporter{next: r, reports: m.reports}
}

type countingReporter struct {
	next    compute.ScoreReporter
	reports *prometheus.CounterVec
}

func (c *countingReporter) ReportScore(ctx context.Context, nodeID string, score float64, rec compute.DeltaRecord) error {
	err := c.next.ReportScore(ctx, nodeID, score, rec)
	if err != nil {
		c.reports.WithLabelValues("error").Inc()
	} else {
		c.reports.WithLabelValues("ok").Inc()
	}
	return err
}
