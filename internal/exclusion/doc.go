// Package exclusion is the exception registry: time-limited overrides that
// exempt one (collector, exception type, instance) check from a run.
//
// The executor never reads the store directly. At the start of each run the
// scheduler takes a Snapshot, so a run sees one consistent set of overrides
// evaluated at a single instant.
package exclusion
