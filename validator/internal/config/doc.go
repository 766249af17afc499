// Package config loads and watches the validator configuration file.
//
// Top-level types:
//   - Config{LogLevel, Validator, Ledger, Registry, Telemetry, Scoring, Metrics}
//   - ValidatorConfig: node_id, slot, version_key, cycle_interval, block_time,
//     max_attempts, retry_delay, report_timeout
//   - LedgerConfig: endpoint, dial/call timeouts, auth (mtls|apikey|none)
//   - RegistryConfig: sync_interval and an optional static node list
//   - TelemetryConfig: backend (memory|postgres), dsn_env, table, retention,
//     collect_interval, metric_prefix, workers []
//   - ScoringConfig: scored metric names and transform parameters
//
// Load(path) reads the YAML file, applies defaults (600s cycle, 12s blocks,
// 3 attempts 10s apart, 24h retention), then validates required fields and
// enums. Secrets are never stored in the file: KeyEnv, TokenEnv and DSNEnv
// name environment variables resolved at use.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. Only the scoring section is applied
// live by the validator; other settings take effect on restart.
package config
