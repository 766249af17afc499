package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// DefaultTable is the table PostgresStore uses when none is configured.
const DefaultTable = "telemetry"

// PostgresStore persists snapshots in a PostgreSQL table. Snapshots are
// returned in insertion (id) order.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects to dsn using the lib/pq driver and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore returns a store writing to table (DefaultTable if empty).
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

// EnsureTable creates the snapshot table if it does not exist.
func (p *PostgresStore) EnsureTable(ctx context.Context) error {
	q := "CREATE TABLE IF NOT EXISTS " + p.table + " (" +
		"id BIGSERIAL PRIMARY KEY, " +
		"node_id TEXT NOT NULL, " +
		"worker_id TEXT NOT NULL DEFAULT '', " +
		"slot_id INTEGER, " +
		"recorded_at TIMESTAMPTZ, " +
		"inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(), " +
		"counters JSONB NOT NULL)"
	if _, err := p.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("telemetry: create table: %w", err)
	}
	return nil
}

// Add inserts s.
func (p *PostgresStore) Add(ctx context.Context, s Snapshot) error {
	counters, err := json.Marshal(s.Counters)
	if err != nil {
		return fmt.Errorf("telemetry: marshal counters: %w", err)
	}
	var slot sql.NullInt64
	if s.HasSlot {
		slot = sql.NullInt64{Int64: int64(s.SlotID), Valid: true}
	}
	var recorded sql.NullTime
	if !s.Timestamp.IsZero() {
		recorded = sql.NullTime{Time: s.Timestamp, Valid: true}
	}

	q := "INSERT INTO " + p.table +
		" (node_id, worker_id, slot_id, recorded_at, counters) VALUES ($1,$2,$3,$4,$5)"
	if _, err := p.db.ExecContext(ctx, q, s.NodeID, s.WorkerID, slot, recorded, counters); err != nil {
		return fmt.Errorf("telemetry: insert snapshot: %w", err)
	}
	return nil
}

// NodeIDs returns every node with at least one stored snapshot.
func (p *PostgresStore) NodeIDs(ctx context.Context) ([]string, error) {
	q := "SELECT node_id FROM " + p.table + " GROUP BY node_id ORDER BY MIN(id)"
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("telemetry: scan node: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Snapshots returns every stored snapshot of nodeID. Rows with malformed
// counters decode to empty counters.
func (p *PostgresStore) Snapshots(ctx context.Context, nodeID string) ([]Snapshot, error) {
	q := "SELECT worker_id, slot_id, recorded_at, counters FROM " + p.table +
		" WHERE node_id = $1 ORDER BY id"
	rows, err := p.db.QueryContext(ctx, q, nodeID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			s        = Snapshot{NodeID: nodeID}
			slot     sql.NullInt64
			recorded sql.NullTime
			raw      []byte
		)
		if err := rows.Scan(&s.WorkerID, &slot, &recorded, &raw); err != nil {
			return nil, fmt.Errorf("telemetry: scan snapshot: %w", err)
		}
		if slot.Valid {
			s = s.WithSlot(int(slot.Int64))
		}
		if recorded.Valid {
			s.Timestamp = recorded.Time.UTC()
		}
		if err := json.Unmarshal(raw, &s.Counters); err != nil {
			slog.Warn("telemetry: malformed counters, treating as empty", "node", nodeID, "err", err)
			s.Counters = map[string]int64{}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes snapshots inserted at or before cutoff.
func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, "DELETE FROM "+p.table+" WHERE inserted_at <= $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("telemetry: delete old snapshots: %w", err)
	}
	return res.RowsAffected()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
