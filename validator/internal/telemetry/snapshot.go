package telemetry

import (
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the fixed date format accepted for string timestamps.
const TimestampLayout = "2006-01-02 15:04:05"

// Snapshot is one raw report from a worker node at a point in time.
// Counter values are cumulative totals as reported by the node; deltas are
// derived later by the compute package.
//
// A Snapshot is immutable once handed to a Store.
type Snapshot struct {
	// NodeID is the stable, opaque identifier of the reporting node.
	NodeID string

	// WorkerID identifies the worker process behind the node, if known.
	WorkerID string

	// SlotID is the ledger slot assigned to the node. Only meaningful when
	// HasSlot is true; a node may report before it has been assigned one.
	SlotID  int
	HasSlot bool

	// Counters maps counter names (web_success, twitter_errors, boot_time…)
	// to cumulative values. Missing counters read as zero.
	Counters map[string]int64

	// Timestamp is when the snapshot was recorded. Zero when the upstream
	// value could not be parsed.
	Timestamp time.Time
}

// Counter returns the named counter, or 0 if absent.
func (s Snapshot) Counter(name string) int64 {
	return s.Counters[name]
}

// WithSlot returns a copy of s carrying the given slot id.
func (s Snapshot) WithSlot(id int) Snapshot {
	s.SlotID = id
	s.HasSlot = true
	return s
}

// ParseTimestamp accepts unix seconds ("1718000000") or TimestampLayout
// ("2024-06-10 06:13:20", interpreted as UTC). Anything else yields the zero
// time: malformed upstream data never aborts scoring.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.ParseInLocation(TimestampLayout, raw, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
