package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallynet/tally/validator/internal/compute"
	"github.com/tallynet/tally/validator/internal/ledger"
)

// State is a step of the weight-setting cycle.
type State string

const (
	StateIdle              State = "IDLE"
	StateRefreshConnection State = "REFRESH_CONNECTION"
	StateCheckInterval     State = "CHECK_INTERVAL"
	StateWait              State = "WAIT"
	StateCompute           State = "COMPUTE"
	StateSubmit            State = "SUBMIT"
	StateRetry             State = "RETRY"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// Defaults applied by New to unset Settings fields.
const (
	defaultInterval    = 600 * time.Second
	defaultBlockTime   = 12 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Second
	defaultReportWait  = 10 * time.Second
)

// Settings controls cycle timing and identity.
type Settings struct {
	// ValidatorSlot is this validator's ledger slot. When nil the slot is
	// resolved from the registry by ValidatorNodeID each cycle.
	ValidatorSlot   *int
	ValidatorNodeID string
	VersionKey      int64

	Interval    time.Duration // between scheduled cycles
	BlockTime   time.Duration
	MaxAttempts int
	RetryDelay  time.Duration

	// ReportWait bounds how long a finished cycle waits for outstanding
	// score reports before abandoning them.
	ReportWait time.Duration
}

// CycleReport summarises one finished cycle.
type CycleReport struct {
	CycleID     string
	State       State // StateDone or StateFailed
	Reason      string
	Transitions []State
	Attempts    int
	Waited      time.Duration
	Computed    bool
	Weights     compute.Weights
	Started     time.Time
	Finished    time.Time
}

// Observer receives every finished cycle.
type Observer func(CycleReport)

// Publisher drives weight-setting cycles against the ledger.
type Publisher struct {
	set       Settings
	dialer    ledger.Dialer
	dir       compute.Directory
	src       compute.TelemetrySource
	calc      *compute.Calculator
	metrics   *Metrics
	observers []Observer

	running sync.Mutex

	// injectable for deterministic tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

// New returns a Publisher. metrics may be nil. Zero or negative durations
// and attempt counts in set are replaced by their defaults.
func New(set Settings, dialer ledger.Dialer, dir compute.Directory, src compute.TelemetrySource,
	calc *compute.Calculator, metrics *Metrics) *Publisher {
	if set.Interval <= 0 {
		set.Interval = defaultInterval
	}
	if set.BlockTime <= 0 {
		set.BlockTime = defaultBlockTime
	}
	if set.MaxAttempts <= 0 {
		set.MaxAttempts = defaultMaxAttempts
	}
	if set.RetryDelay <= 0 {
		set.RetryDelay = defaultRetryDelay
	}
	if set.ReportWait <= 0 {
		set.ReportWait = defaultReportWait
	}
	return &Publisher{
		set:     set,
		dialer:  dialer,
		dir:     dir,
		src:     src,
		calc:    calc,
		metrics: metrics,
		sleep:   sleepCtx,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Observe registers fn to receive every finished cycle. Not safe to call
// concurrently with RunCycle.
func (p *Publisher) Observe(fn Observer) {
	p.observers = append(p.observers, fn)
}

// Run executes a cycle immediately and then every Interval until ctx is
// cancelled.
func (p *Publisher) Run(ctx context.Context) {
	t := time.NewTicker(p.set.Interval)
	defer t.Stop()

	for {
		p.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunCycle performs one weight-setting cycle. A call made while another
// cycle is in flight returns immediately.
func (p *Publisher) RunCycle(ctx context.Context) {
	if !p.running.TryLock() {
		slog.Warn("publisher: cycle already in progress, skipping")
		p.metrics.skipped()
		return
	}
	defer p.running.Unlock()

	c := &cycle{
		p:   p,
		log: slog.Default(),
		rep: CycleReport{CycleID: p.newID(), Started: p.now()},
	}
	c.log = c.log.With("cycle_id", c.rep.CycleID)

	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Sprintf("panic: %v", r))
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				c.log.Debug("publisher: close ledger connection", "err", err)
			}
		}
		p.finish(ctx, c)
	}()

	c.run(ctx)
}

func (p *Publisher) finish(ctx context.Context, c *cycle) {
	if c.rep.Computed && p.calc != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.set.ReportWait)
		if !p.calc.WaitReports(wctx) {
			c.log.Warn("publisher: abandoned outstanding score reports")
		}
		cancel()
	}
	c.rep.Finished = p.now()

	if c.rep.State == StateDone {
		c.log.Info("publisher: cycle done", "attempts", c.rep.Attempts, "nodes", c.rep.Weights.Len(),
			"waited", c.rep.Waited)
	} else {
		c.log.Error("publisher: cycle failed", "reason", c.rep.Reason, "attempts", c.rep.Attempts)
	}

	p.metrics.observe(c.rep)
	for _, fn := range p.observers {
		fn(c.rep)
	}
}

// cycle is the mutable state of one RunCycle call.
type cycle struct {
	p     *Publisher
	log   *slog.Logger
	rep   CycleReport
	state State
	conn  ledger.Conn
	slot  int
	wait  time.Duration
}

func (c *cycle) enter(s State) {
	c.state = s
	c.rep.Transitions = append(c.rep.Transitions, s)
}

func (c *cycle) fail(reason string) {
	c.rep.Reason = reason
	c.rep.State = StateFailed
	c.enter(StateFailed)
}

func (c *cycle) terminal() bool {
	return c.state == StateDone || c.state == StateFailed
}

func (c *cycle) run(ctx context.Context) {
	c.enter(StateIdle)
	for !c.terminal() {
		switch c.state {
		case StateIdle:
			c.log.Info("publisher: starting weight-setting cycle")
			c.enter(StateRefreshConnection)
		case StateRefreshConnection:
			c.refresh(ctx)
		case StateCheckInterval:
			c.checkInterval(ctx)
		case StateWait:
			c.waitInterval(ctx)
		case StateCompute:
			c.compute(ctx)
		case StateSubmit:
			c.submit(ctx)
		case StateRetry:
			c.retry(ctx)
		}
	}
}

func (c *cycle) refresh(ctx context.Context) {
	c.log.Debug("publisher: refreshing ledger connection")
	conn, err := c.p.dialer.Dial(ctx)
	if err != nil {
		c.fail(fmt.Sprintf("refresh connection: %v", err))
		return
	}
	c.conn = conn

	slot, err := c.p.validatorSlot()
	if err != nil {
		c.fail(err.Error())
		return
	}
	c.slot = slot
	c.log.Debug("publisher: validator slot", "slot", slot)
	c.enter(StateCheckInterval)
}

func (c *cycle) checkInterval(ctx context.Context) {
	blocks, known, err := c.conn.BlocksSinceLastUpdate(ctx, c.slot)
	if err != nil {
		c.fail(fmt.Sprintf("blocks since last update: %v", err))
		return
	}
	minBlocks, err := c.conn.MinInterval(ctx, c.slot)
	if err != nil {
		c.fail(fmt.Sprintf("min interval: %v", err))
		return
	}
	c.log.Info("publisher: interval check", "blocks_since_update", blocks, "known", known,
		"min_interval", minBlocks)

	if known && blocks < minBlocks {
		c.wait = time.Duration(minBlocks-blocks) * c.p.set.BlockTime
		c.enter(StateWait)
		return
	}
	c.enter(StateCompute)
}

func (c *cycle) waitInterval(ctx context.Context) {
	c.log.Info("publisher: waiting for minimum interval", "wait", c.wait)
	if err := c.p.sleep(ctx, c.wait); err != nil {
		c.fail(fmt.Sprintf("interval wait interrupted: %v", err))
		return
	}
	c.rep.Waited += c.wait
	c.p.metrics.waited(c.wait.Seconds())
	c.enter(StateCheckInterval)
}

func (c *cycle) compute(ctx context.Context) {
	records, err := compute.BuildDeltas(ctx, c.p.dir, c.p.src)
	if err != nil {
		c.fail(fmt.Sprintf("build deltas: %v", err))
		return
	}
	w := c.p.calc.Calculate(ctx, records, false)
	c.rep.Computed = true
	c.rep.Weights = w
	c.log.Info("publisher: weights calculated", "records", len(records), "nodes", w.Len(),
		"skipped", len(w.Skipped))
	c.log.Debug("publisher: weight vector", "slot_ids", w.SlotIDs, "weights", w.Values)

	if w.Len() == 0 {
		c.fail("empty weight vector")
		return
	}
	c.enter(StateSubmit)
}

func (c *cycle) submit(ctx context.Context) {
	c.rep.Attempts++
	n, limit := c.rep.Attempts, c.p.set.MaxAttempts
	c.log.Info("publisher: submitting weights", "attempt", n, "max_attempts", limit)
	c.p.metrics.attempt()

	ok, err := c.conn.SubmitWeights(ctx, ledger.Submission{
		SlotIDs:             c.rep.Weights.SlotIDs,
		Weights:             c.rep.Weights.Values,
		ValidatorSlot:       c.slot,
		VersionKey:          c.p.set.VersionKey,
		WaitForInclusion:    false,
		WaitForFinalization: false,
	})
	switch {
	case err != nil:
		c.log.Error("publisher: submit error", "attempt", n, "err", err)
	case !ok:
		c.log.Error("publisher: submit rejected", "attempt", n)
	default:
		c.rep.State = StateDone
		c.enter(StateDone)
		return
	}

	if n >= limit {
		c.fail(fmt.Sprintf("submission failed after %d attempts", n))
		return
	}
	c.enter(StateRetry)
}

func (c *cycle) retry(ctx context.Context) {
	c.log.Debug("publisher: waiting before next attempt", "delay", c.p.set.RetryDelay)
	if err := c.p.sleep(ctx, c.p.set.RetryDelay); err != nil {
		c.fail(fmt.Sprintf("retry wait interrupted: %v", err))
		return
	}
	c.enter(StateSubmit)
}

// errValidatorUnknown is returned when the validator's own slot cannot be
// resolved.
var errValidatorUnknown = errors.New("publisher: validator not found in registry")

func (p *Publisher) validatorSlot() (int, error) {
	if p.set.ValidatorSlot != nil {
		return *p.set.ValidatorSlot, nil
	}
	slot, ok := p.dir.ResolveSlot(p.set.ValidatorNodeID)
	if !ok {
		return 0, fmt.Errorf("%w: %q", errValidatorUnknown, p.set.ValidatorNodeID)
	}
	return slot, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
