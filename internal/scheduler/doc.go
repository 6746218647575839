// Package scheduler drives collectors on independent intervals and on
// demand.
//
// Each collector is either idle or running. A cron tick that finds its
// collector running is dropped, never queued, and a manual trigger against
// a running collector is refused with ErrAlreadyRunning, so one collector
// never has two overlapping runs. Different collectors run concurrently.
//
// A run snapshots the configuration it needs from the store, hands it to
// the executor, finalises the audit record, updates the collector's
// last-run bookkeeping, recomputes the composite score of every instance
// that received a new category score and publishes CollectorRunCompleted.
package scheduler
