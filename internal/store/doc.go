// Package store is the persistence collaborator for FleetPulse. It defines
// the read/write contracts the core consumes (ConfigStore, AuditStore,
// ScoreStore) and two implementations:
//
//   - Memory: a thread-safe in-memory store with an injectable clock, used
//     by tests and by the "memory" storage backend.
//   - DuckDB: an embedded DuckDB database (marcboeker/go-duckdb) for durable
//     history across restarts.
//
// Execution records, category snapshots and composite scores are
// append-only: a composite is never updated in place and an execution
// record can be finalised exactly once.
package store
