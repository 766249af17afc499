package ledger

import (
	"context"
	"errors"

	"github.com/tallynet/tally/validator/internal/registry"
)

// ErrUnavailable marks transport-level ledger failures (connection refused,
// deadline exceeded). Callers may retry.
var ErrUnavailable = errors.New("ledger: unavailable")

// Submission is one weight vector publication.
type Submission struct {
	SlotIDs             []int
	Weights             []float64
	ValidatorSlot       int
	VersionKey          int64
	WaitForInclusion    bool
	WaitForFinalization bool
}

// Ledger is the part of the chain the validator reads and writes.
type Ledger interface {
	// BlocksSinceLastUpdate returns how many blocks have passed since slot
	// last set weights. known is false when the ledger has no record.
	BlocksSinceLastUpdate(ctx context.Context, slot int) (blocks int64, known bool, err error)

	// MinInterval returns the minimum number of blocks between two weight
	// updates from slot.
	MinInterval(ctx context.Context, slot int) (int64, error)

	// SubmitWeights publishes a weight vector and reports whether the
	// ledger accepted it.
	SubmitWeights(ctx context.Context, s Submission) (bool, error)

	// ListNodes returns the registered nodes.
	ListNodes(ctx context.Context) ([]registry.Node, error)
}

// Conn is a Ledger backed by a connection that must be closed.
type Conn interface {
	Ledger
	Close() error
}

// Dialer opens ledger connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Membership adapts a Dialer into a registry.Source, dialing once per call.
type Membership struct {
	Dialer Dialer
}

// ListNodes dials the ledger, lists its nodes and closes the connection.
func (m Membership) ListNodes(ctx context.Context) ([]registry.Node, error) {
	conn, err := m.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.ListNodes(ctx)
}
