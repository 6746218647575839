package types

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// MinInterval is the floor applied to every collector run interval.
const MinInterval = 30 * time.Second

// PrimaryMetric is the RawMetrics key holding the value a collector is
// scored on when a rule does not name a metric explicitly.
const PrimaryMetric = "value"

// CollectorDefinition is one named, configurable unit of metric collection
// and scoring for a single health category.
type CollectorDefinition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Interval between scheduled runs. Never below MinInterval once
	// normalised by EffectiveInterval.
	Interval time.Duration `json:"interval"`

	// Timeout is the hard per-instance fetch deadline.
	Timeout time.Duration `json:"timeout"`

	// Weight is this collector's share of the composite score (0–100).
	Weight int `json:"weight"`

	// ParallelDegree bounds concurrent instance executions within one run.
	ParallelDegree int `json:"parallel_degree"`

	// Category is the tab the collector is grouped under.
	Category       string `json:"category"`
	ExecutionOrder int    `json:"execution_order"`

	// Source selects the metric source adapter (mysql, prometheus, tlscert).
	Source string `json:"source"`

	// ExceptionType is the check identity matched against exclusion
	// overrides. Defaults to Name.
	ExceptionType string `json:"exception_type,omitempty"`

	RunState
}

// RunState is the last-run bookkeeping for a collector. It is written only
// by the scheduler after a run has been finalised.
type RunState struct {
	LastRunAt              time.Time     `json:"last_run_at,omitempty"`
	LastDuration           time.Duration `json:"last_duration,omitempty"`
	LastInstancesProcessed int           `json:"last_instances_processed"`
	LastError              string        `json:"last_error,omitempty"`
	LastErrorAt            time.Time     `json:"last_error_at,omitempty"`
}

// EffectiveInterval returns Interval floored at MinInterval.
func (c CollectorDefinition) EffectiveInterval() time.Duration {
	if c.Interval < MinInterval {
		return MinInterval
	}
	return c.Interval
}

// EffectiveParallelism returns ParallelDegree, at least 1.
func (c CollectorDefinition) EffectiveParallelism() int {
	if c.ParallelDegree < 1 {
		return 1
	}
	return c.ParallelDegree
}

// EffectiveExceptionType returns ExceptionType, or Name when unset.
func (c CollectorDefinition) EffectiveExceptionType() string {
	if c.ExceptionType == "" {
		return c.Name
	}
	return c.ExceptionType
}

// InstanceRef identifies one monitored database instance.
type InstanceRef struct {
	Name   string `json:"name"`
	Engine string `json:"engine"`

	// Version is the parsed platform version number (see ParseVersion).
	// Zero means unknown; the executor asks the adapter to detect it.
	Version       int    `json:"version"`
	VersionString string `json:"version_string,omitempty"`

	Enabled bool `json:"enabled"`

	// DSNEnv names the environment variable holding the connection string
	// for SQL sources. The DSN itself is never stored.
	DSNEnv string `json:"dsn_env,omitempty"`

	// MetricsURL is the exporter endpoint for Prometheus sources.
	MetricsURL string `json:"metrics_url,omitempty"`

	// Address is the host:port or https URL used by the TLS source.
	Address string `json:"address,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
}

// DSN returns the connection string resolved from the environment.
// Returns empty string if DSNEnv is unset or the variable is not found.
func (i InstanceRef) DSN() string {
	if i.DSNEnv == "" {
		return ""
	}
	return os.Getenv(i.DSNEnv)
}

// RawMetrics is the set of raw values one fetch produced, keyed by metric
// name. PrimaryMetric holds the value a collector is scored on by default.
type RawMetrics map[string]decimal.Decimal

// Primary returns the PrimaryMetric value and whether it is present.
func (m RawMetrics) Primary() (decimal.Decimal, bool) {
	v, ok := m[PrimaryMetric]
	return v, ok
}

// Float returns a float64 copy of the metrics, for logging and JSON.
func (m RawMetrics) Float() map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.InexactFloat64()
	}
	return out
}
