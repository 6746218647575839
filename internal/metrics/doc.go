// Package metrics exposes the service's own operational counters and gauges
// in Prometheus format: run outcomes, dropped ticks, per-instance outcomes
// and the latest composite score per instance.
//
// A nil *Metrics is valid and records nothing, so library packages can take
// one optionally.
package metrics
