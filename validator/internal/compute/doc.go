// Package compute turns raw cumulative telemetry into a ledger weight vector.
//
// delta.go provides BuildDeltas, which derives exactly one DeltaRecord per
// known node from the telemetry store: latest minus oldest snapshot, or a
// zero record when fewer than two snapshots exist.
//
// transform.go provides the pure Transform(values, params) curve that maps a
// metric array onto [0,1], amplifying the top percentile.
//
// calculator.go provides the Calculator, which transforms each configured
// metric independently, averages them per node, resolves slot ids and emits
// best-effort score reports. Scoring parameters can be swapped at runtime.
package compute
