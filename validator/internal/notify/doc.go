// Package notify delivers per-node score reports to worker nodes.
//
// HTTPReporter POSTs a JSON body to the report_url configured for each
// worker. It implements compute.ScoreReporter; the calculator dispatches
// reports asynchronously, so delivery errors are returned for logging and
// never affect the weight vector.
package notify
