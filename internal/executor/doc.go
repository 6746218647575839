// Package executor runs one collector across every eligible instance.
//
// Each run works from a Job: a snapshot of the collector definition, the
// instance roster, its rules, queries and exclusions taken when the run
// started. Instances are processed by a worker pool bounded by the
// collector's ParallelDegree; one instance failing never affects another.
//
// Per instance:
//
//  1. matching exclusion override      -> Skipped
//  2. version detection (if unknown) and query selection
//     (no compatible query)            -> ConfigurationError
//  3. adapter fetch under a hard deadline
//     (failure)                        -> Unreachable | Timeout | QueryError
//  4. threshold evaluation and snapshot append
//
// Cancelling the run context stops dispatch; instances already started run
// to completion or to their own deadline.
package executor
