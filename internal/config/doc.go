// Package config loads and watches the fleetpulse configuration file.
//
// Top-level sections:
//   - server: http_port, log_level, shutdown_timeout
//   - storage: backend (memory|duckdb), path, retention, prune_interval
//   - scoring: global_cap, status buckets, cap rules
//   - notify: event buffer size and webhook targets
//   - instances: the monitored roster; DSNs are named by dsn_env
//   - collectors: definitions with nested rules and versioned queries
//   - exclusions: overrides seeded at startup
//
// Load(path) reads the YAML file, applies defaults, then validates every
// section, including threshold rules and version brackets, so a bad file
// is rejected before anything reaches the store.
//
// Watch(ctx, path, onChange) reloads the file on change and keeps the
// previous configuration when a reload fails.
package config
