// Package telemetry holds worker counter snapshots and the stores that keep
// them between scoring cycles.
//
// Two Store implementations are provided: MemoryStore, an insertion-ordered
// in-process store with retention-based eviction, and PostgresStore, which
// persists snapshots to a PostgreSQL table so that a restarted validator
// keeps its scoring window. Collector scrapes each worker's Prometheus
// exposition endpoint and appends a Snapshot per scrape.
package telemetry
