// Package publisher runs the weight-setting cycle.
//
// Each cycle walks a fixed state machine:
//
//	IDLE -> REFRESH_CONNECTION -> CHECK_INTERVAL -> (WAIT -> CHECK_INTERVAL)*
//	     -> COMPUTE -> SUBMIT -> (RETRY -> SUBMIT)* -> DONE | FAILED
//
// A fresh ledger connection is dialed at the start of every cycle and closed
// at the end. Cycles never overlap: RunCycle rejects a call while another is
// in flight. Outcomes are logged under a per-cycle cycle_id, counted in
// Prometheus metrics and handed to registered observers; no error or panic
// escapes RunCycle.
package publisher
