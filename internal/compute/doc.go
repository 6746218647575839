// Package compute turns the latest category scores of one instance into a
// composite health score.
//
// score.go provides the pure Compute(Input) function:
//
//	contribution(c) = round_half_up(score(c) * weight(c) / 100)
//	cap             = min(global_cap, cap of every matching CapRule)
//	composite       = clamp(min(cap, sum(contributions)), 0, 100)
//
// Status labels come from configurable buckets (default Optimal >=85,
// Warning >=75, AtRisk >=65, otherwise Critical).
//
// engine.go provides the stateful Engine that reads snapshots from the
// store, serialises recomputation per instance, appends a new composite row
// and publishes InstanceScoreUpdated. Engine.now is injectable so tests are
// deterministic.
package compute
