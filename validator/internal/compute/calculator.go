package compute

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallynet/tally/validator/internal/config"
)

// DefaultMetrics are the counters scored when none are configured.
var DefaultMetrics = config.DefaultMetrics

// defaultReportTimeout bounds a single score report.
const defaultReportTimeout = 10 * time.Second

// Scoring selects which counters are scored and how they are shaped.
type Scoring struct {
	Metrics   []string
	Transform TransformParams
}

// DefaultScoring returns DefaultMetrics with DefaultTransformParams.
func DefaultScoring() Scoring {
	return Scoring{
		Metrics:   append([]string(nil), DefaultMetrics...),
		Transform: DefaultTransformParams(),
	}
}

// ScoreReporter receives the final score of each node after a live
// calculation. Implementations may be slow or fail; the calculator never
// waits on them inline.
type ScoreReporter interface {
	ReportScore(ctx context.Context, nodeID string, score float64, rec DeltaRecord) error
}

// SlotResolver maps node identifiers to ledger slots.
type SlotResolver interface {
	ResolveSlot(nodeID string) (int, bool)
}

// Weights is a slot-ordered weight vector. SlotIDs is strictly ascending and
// Values[i] is the weight of SlotIDs[i].
type Weights struct {
	SlotIDs []int
	Values  []float64

	// Skipped lists nodes excluded because their slot could not be resolved.
	Skipped []string
}

// Len returns the number of entries in the vector.
func (w Weights) Len() int { return len(w.SlotIDs) }

// Calculator combines per-metric transforms into one weight per node.
//
// Calculate is safe for concurrent use; SetScoring may be called at any time
// and takes effect on the next Calculate.
type Calculator struct {
	dir           SlotResolver
	reporter      ScoreReporter
	reportTimeout time.Duration

	scoring atomic.Pointer[Scoring]
	reports sync.WaitGroup
}

// NewCalculator returns a Calculator resolving slots through dir. reporter
// may be nil, in which case live calculations emit no reports.
func NewCalculator(dir SlotResolver, reporter ScoreReporter, s Scoring) *Calculator {
	c := &Calculator{
		dir:           dir,
		reporter:      reporter,
		reportTimeout: defaultReportTimeout,
	}
	c.SetScoring(s)
	return c
}

// SetReportTimeout overrides how long a single report may take.
func (c *Calculator) SetReportTimeout(d time.Duration) {
	if d > 0 {
		c.reportTimeout = d
	}
}

// SetScoring replaces the scoring parameters. An empty metric list falls
// back to DefaultMetrics.
func (c *Calculator) SetScoring(s Scoring) {
	if len(s.Metrics) == 0 {
		s.Metrics = append([]string(nil), DefaultMetrics...)
	}
	c.scoring.Store(&s)
}

// Scoring returns the parameters currently in effect.
func (c *Calculator) Scoring() Scoring {
	return *c.scoring.Load()
}

// Calculate scores records and returns the weight vector.
//
// In simulation mode the record's own SlotID is used and no reports are
// sent. Otherwise slots come from the registry; unregistered nodes are
// logged and left out of the vector, and each scored node is reported
// asynchronously (see WaitReports).
func (c *Calculator) Calculate(ctx context.Context, records []DeltaRecord, simulation bool) Weights {
	if len(records) == 0 {
		return Weights{SlotIDs: []int{}, Values: []float64{}}
	}

	s := c.Scoring()
	transformed := make([][]float64, len(s.Metrics))
	for m, name := range s.Metrics {
		raw := make([]float64, len(records))
		for i, rec := range records {
			raw[i] = rec.Value(name)
		}
		transformed[m] = Transform(raw, s.Transform)
	}

	scores := make(map[int]float64, len(records))
	var skipped []string

	for i, rec := range records {
		slot := rec.SlotID
		if !simulation {
			var ok bool
			slot, ok = c.dir.ResolveSlot(rec.NodeID)
			if !ok {
				slog.Error("compute: node not found in registry, skipping",
					"node", rec.NodeID)
				skipped = append(skipped, rec.NodeID)
				continue
			}
		}

		var sum float64
		for m := range transformed {
			sum += transformed[m][i]
		}
		score := sum / float64(len(transformed))
		scores[slot] = score

		if !simulation {
			rec.SlotID = slot
			c.report(ctx, rec, score)
		}
	}

	out := Weights{
		SlotIDs: make([]int, 0, len(scores)),
		Values:  make([]float64, 0, len(scores)),
		Skipped: skipped,
	}
	for slot := range scores {
		out.SlotIDs = append(out.SlotIDs, slot)
	}
	sort.Ints(out.SlotIDs)
	for _, slot := range out.SlotIDs {
		out.Values = append(out.Values, scores[slot])
	}
	return out
}

// report dispatches one score report without blocking the caller.
func (c *Calculator) report(ctx context.Context, rec DeltaRecord, score float64) {
	if c.reporter == nil {
		return
	}
	c.reports.Add(1)
	go func() {
		defer c.reports.Done()
		rctx, cancel := context.WithTimeout(ctx, c.reportTimeout)
		defer cancel()
		if err := c.reporter.ReportScore(rctx, rec.NodeID, score, rec); err != nil {
			slog.Warn("compute: score report failed", "node", rec.NodeID, "err", err)
		}
	}()
}

// WaitReports blocks until every dispatched report has finished or ctx is
// done. It returns false when reports were abandoned.
func (c *Calculator) WaitReports(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		c.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
