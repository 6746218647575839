package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/internal/threshold"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Default values.
const (
	DefaultHTTPPort        = 8080
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultBackend         = "memory"
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultPruneInterval   = time.Hour
	DefaultEventBuffer     = 64
	DefaultCollectorTO     = 30 * time.Second
)

// Config is the full configuration tree.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	Scoring    ScoringConfig     `yaml:"scoring"`
	Notify     NotifyConfig      `yaml:"notify"`
	Instances  []InstanceConfig  `yaml:"instances"`
	Collectors []CollectorConfig `yaml:"collectors"`
	Exclusions []ExclusionConfig `yaml:"exclusions"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// HTTPPort serves /metrics and the /ws/stream relay (default 8080).
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is memory or duckdb.
	Backend string `yaml:"backend"`

	// Path is the DuckDB database file. Empty means in-memory DuckDB.
	Path string `yaml:"path"`

	// Retention is how long score history is kept. The latest row per
	// instance and category always survives pruning.
	Retention time.Duration `yaml:"retention"`

	PruneInterval time.Duration `yaml:"prune_interval"`

	// Threads caps DuckDB worker threads. 0 leaves the engine default.
	Threads int `yaml:"threads"`
}

// ScoringConfig controls composite score aggregation.
type ScoringConfig struct {
	// GlobalCap bounds every composite score. 0 means 100.
	GlobalCap int `yaml:"global_cap"`

	Buckets []BucketConfig  `yaml:"buckets"`
	Caps    []CapRuleConfig `yaml:"caps"`
}

// BucketConfig maps scores at or above MinScore to Label.
type BucketConfig struct {
	Label    string `yaml:"label"`
	MinScore int    `yaml:"min_score"`
}

// CapRuleConfig lowers the global cap when a category score matches.
type CapRuleConfig struct {
	Name      string `yaml:"name"`
	Category  string `yaml:"category"`
	Operator  string `yaml:"operator"`
	Threshold int    `yaml:"threshold"`
	Cap       int    `yaml:"cap"`
}

// NotifyConfig configures event delivery.
type NotifyConfig struct {
	// Buffer is the per-subscriber event buffer.
	Buffer   int             `yaml:"buffer"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`

	// Events limits delivery to these event kinds. Empty means all.
	Events []string `yaml:"events"`

	// Cooldown suppresses repeated score events while an instance's status
	// is unchanged. Zero delivers every event.
	Cooldown time.Duration `yaml:"cooldown"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// InstanceConfig is one monitored instance.
type InstanceConfig struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`

	// Version is the dotted platform version. Empty means detect at run time.
	Version string `yaml:"version"`

	Enabled    *bool             `yaml:"enabled"`
	DSNEnv     string            `yaml:"dsn_env"`
	MetricsURL string            `yaml:"metrics_url"`
	Address    string            `yaml:"address"`
	Labels     map[string]string `yaml:"labels"`
}

// Ref converts the entry to an InstanceRef.
func (i InstanceConfig) Ref() (types.InstanceRef, error) {
	ref := types.InstanceRef{
		Name:          i.Name,
		Engine:        i.Engine,
		VersionString: i.Version,
		Enabled:       enabled(i.Enabled),
		DSNEnv:        i.DSNEnv,
		MetricsURL:    i.MetricsURL,
		Address:       i.Address,
		Labels:        i.Labels,
	}
	if i.Version != "" {
		v, err := types.ParseVersion(i.Version)
		if err != nil {
			return ref, fmt.Errorf("instance %q: %w", i.Name, err)
		}
		ref.Version = v
	}
	return ref, nil
}

// CollectorConfig is one collector with its rules and queries.
type CollectorConfig struct {
	Name           string        `yaml:"name"`
	DisplayName    string        `yaml:"display_name"`
	Description    string        `yaml:"description"`
	Enabled        *bool         `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Weight         int           `yaml:"weight"`
	ParallelDegree int           `yaml:"parallel_degree"`
	Category       string        `yaml:"category"`
	ExecutionOrder int           `yaml:"execution_order"`
	Source         string        `yaml:"source"`
	ExceptionType  string        `yaml:"exception_type"`

	Rules   []RuleConfig  `yaml:"rules"`
	Queries []QueryConfig `yaml:"queries"`
}

// Definition converts the entry to a CollectorDefinition.
func (c CollectorConfig) Definition() types.CollectorDefinition {
	return types.CollectorDefinition{
		Name:           c.Name,
		DisplayName:    c.DisplayName,
		Description:    c.Description,
		Enabled:        enabled(c.Enabled),
		Interval:       c.Interval,
		Timeout:        c.Timeout,
		Weight:         c.Weight,
		ParallelDegree: c.ParallelDegree,
		Category:       c.Category,
		ExecutionOrder: c.ExecutionOrder,
		Source:         c.Source,
		ExceptionType:  c.ExceptionType,
	}
}

// ThresholdRules converts the collector's rules.
func (c CollectorConfig) ThresholdRules() ([]types.ThresholdRule, error) {
	out := make([]types.ThresholdRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		rule, err := r.rule(c.Name, i)
		if err != nil {
			return nil, fmt.Errorf("collector %q rule[%d]: %w", c.Name, i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// VersionedQueries converts the collector's queries.
func (c CollectorConfig) VersionedQueries() ([]types.VersionedQuery, error) {
	out := make([]types.VersionedQuery, 0, len(c.Queries))
	for i, q := range c.Queries {
		vq, err := q.query(c.Name, i)
		if err != nil {
			return nil, fmt.Errorf("collector %q query[%d]: %w", c.Name, i, err)
		}
		out = append(out, vq)
	}
	return out, nil
}

// RuleConfig is one threshold rule. Value is kept as text so it is parsed
// exactly as written.
type RuleConfig struct {
	Name     string `yaml:"name"`
	Metric   string `yaml:"metric"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	Action   string `yaml:"action"`
	Score    int    `yaml:"score"`
	Order    *int   `yaml:"order"`
	Active   *bool  `yaml:"active"`
}

func (r RuleConfig) rule(collector string, index int) (types.ThresholdRule, error) {
	op, err := types.ParseOperator(r.Operator)
	if err != nil {
		return types.ThresholdRule{}, err
	}
	action, err := types.ParseAction(r.Action)
	if err != nil {
		return types.ThresholdRule{}, err
	}
	v, err := decimal.NewFromString(strings.TrimSpace(r.Value))
	if err != nil {
		return types.ThresholdRule{}, fmt.Errorf("value %q: %w", r.Value, err)
	}
	order := index
	if r.Order != nil {
		order = *r.Order
	}
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("rule-%d", index)
	}
	return types.ThresholdRule{
		ID:             collector + "/" + name,
		CollectorName:  collector,
		Name:           name,
		Metric:         r.Metric,
		Value:          v,
		Operator:       op,
		Action:         action,
		ResultingScore: r.Score,
		Order:          order,
		Active:         enabled(r.Active),
	}, nil
}

// QueryConfig is one versioned query. Versions are dotted strings; an
// empty max_version means no upper bound.
type QueryConfig struct {
	ID         string `yaml:"id"`
	MinVersion string `yaml:"min_version"`
	MaxVersion string `yaml:"max_version"`
	Priority   int    `yaml:"priority"`
	Active     *bool  `yaml:"active"`
	Text       string `yaml:"text"`
	Metric     string `yaml:"metric"`
}

func (q QueryConfig) query(collector string, index int) (types.VersionedQuery, error) {
	vq := types.VersionedQuery{
		ID:            q.ID,
		CollectorName: collector,
		Priority:      q.Priority,
		Active:        enabled(q.Active),
		Text:          q.Text,
		Metric:        q.Metric,
	}
	if vq.ID == "" {
		vq.ID = fmt.Sprintf("%s/q%d", collector, index)
	}
	var err error
	if q.MinVersion != "" {
		if vq.MinVersion, err = types.ParseVersion(q.MinVersion); err != nil {
			return vq, fmt.Errorf("min_version: %w", err)
		}
	}
	if q.MaxVersion != "" {
		if vq.MaxVersion, err = types.ParseVersion(q.MaxVersion); err != nil {
			return vq, fmt.Errorf("max_version: %w", err)
		}
		if vq.MaxVersion < vq.MinVersion {
			return vq, fmt.Errorf("max_version %s below min_version %s", q.MaxVersion, q.MinVersion)
		}
	}
	return vq, nil
}

// ExclusionConfig seeds an exclusion override.
type ExclusionConfig struct {
	ID            string     `yaml:"id"`
	Collector     string     `yaml:"collector"`
	ExceptionType string     `yaml:"exception_type"`
	Instance      string     `yaml:"instance"`
	ExpiresAt     *time.Time `yaml:"expires_at"`
	Reason        string     `yaml:"reason"`
	CreatedBy     string     `yaml:"created_by"`
}

// Override converts the entry to an active ExclusionOverride.
func (e ExclusionConfig) Override() types.ExclusionOverride {
	et := e.ExceptionType
	if et == "" {
		et = types.ExceptionTypeAll
	}
	return types.ExclusionOverride{
		ID:            e.ID,
		CollectorName: e.Collector,
		ExceptionType: et,
		InstanceName:  e.Instance,
		Active:        true,
		ExpiresAt:     e.ExpiresAt,
		Reason:        e.Reason,
		CreatedBy:     e.CreatedBy,
	}
}

// StatusBuckets returns the configured status buckets, or types.DefaultBuckets.
func (s ScoringConfig) StatusBuckets() []types.StatusBucket {
	if len(s.Buckets) == 0 {
		return types.DefaultBuckets
	}
	out := make([]types.StatusBucket, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = types.StatusBucket{Label: b.Label, MinScore: b.MinScore}
	}
	return out
}

// CapRules returns the configured cap rules. Operators are validated by Load.
func (s ScoringConfig) CapRules() []types.CapRule {
	out := make([]types.CapRule, 0, len(s.Caps))
	for _, c := range s.Caps {
		op, _ := types.ParseOperator(c.Operator)
		out = append(out, types.CapRule{
			Name:      c.Name,
			Category:  c.Category,
			Operator:  op,
			Threshold: c.Threshold,
			Cap:       c.Cap,
		})
	}
	return out
}

func enabled(b *bool) bool { return b == nil || *b }

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i := range cfg.Collectors {
		if cfg.Collectors[i].Timeout == 0 {
			cfg.Collectors[i].Timeout = DefaultCollectorTO
		}
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        DefaultHTTPPort,
			LogLevel:        DefaultLogLevel,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Backend:       DefaultBackend,
			Retention:     DefaultRetention,
			PruneInterval: DefaultPruneInterval,
		},
		Notify: NotifyConfig{Buffer: DefaultEventBuffer},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel)
	}
	switch cfg.Storage.Backend {
	case "memory", "duckdb":
	default:
		return fmt.Errorf("storage.backend %q unknown: want memory|duckdb", cfg.Storage.Backend)
	}
	if cfg.Storage.Retention < 0 || cfg.Storage.PruneInterval < 0 || cfg.Storage.Threads < 0 {
		return fmt.Errorf("storage.retention, storage.prune_interval and storage.threads must not be negative")
	}
	if err := validateScoring(cfg.Scoring); err != nil {
		return err
	}
	for i, w := range cfg.Notify.Webhooks {
		switch w.Type {
		case "slack", "teams", "http", "":
		default:
			return fmt.Errorf("notify.webhooks[%d].type %q unknown: want slack|teams|http", i, w.Type)
		}
		for _, e := range w.Events {
			switch notify.Kind(e) {
			case notify.KindInstanceScoreUpdated, notify.KindCollectorRunCompleted:
			default:
				return fmt.Errorf("notify.webhooks[%d]: unknown event %q", i, e)
			}
		}
	}

	instances := make(map[string]bool, len(cfg.Instances))
	for i, inst := range cfg.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d]: name is required", i)
		}
		if instances[inst.Name] {
			return fmt.Errorf("instances[%d]: duplicate name %q", i, inst.Name)
		}
		instances[inst.Name] = true
		if _, err := inst.Ref(); err != nil {
			return err
		}
	}

	collectors := make(map[string]bool, len(cfg.Collectors))
	for i, c := range cfg.Collectors {
		if err := validateCollector(i, c); err != nil {
			return err
		}
		if collectors[c.Name] {
			return fmt.Errorf("collectors[%d]: duplicate name %q", i, c.Name)
		}
		collectors[c.Name] = true
	}

	for i, e := range cfg.Exclusions {
		if e.ID == "" || e.Collector == "" || e.Instance == "" {
			return fmt.Errorf("exclusions[%d]: id, collector and instance are required", i)
		}
		if !collectors[e.Collector] {
			return fmt.Errorf("exclusions[%d]: unknown collector %q", i, e.Collector)
		}
	}
	return nil
}

func validateScoring(s ScoringConfig) error {
	if s.GlobalCap < 0 || s.GlobalCap > 100 {
		return fmt.Errorf("scoring.global_cap %d is out of range [0, 100]", s.GlobalCap)
	}
	for i, b := range s.Buckets {
		if b.Label == "" {
			return fmt.Errorf("scoring.buckets[%d]: label is required", i)
		}
		if i > 0 && b.MinScore >= s.Buckets[i-1].MinScore {
			return fmt.Errorf("scoring.buckets[%d]: min_score must be descending", i)
		}
	}
	for i, c := range s.Caps {
		if c.Category == "" {
			return fmt.Errorf("scoring.caps[%d]: category is required", i)
		}
		if _, err := types.ParseOperator(c.Operator); err != nil {
			return fmt.Errorf("scoring.caps[%d]: %w", i, err)
		}
		if c.Cap < 0 || c.Cap > 100 {
			return fmt.Errorf("scoring.caps[%d]: cap %d is out of range [0, 100]", i, c.Cap)
		}
	}
	return nil
}

func validateCollector(i int, c CollectorConfig) error {
	if c.Name == "" {
		return fmt.Errorf("collectors[%d]: name is required", i)
	}
	if c.Source == "" {
		return fmt.Errorf("collector %q: source is required", c.Name)
	}
	if c.Weight < 0 || c.Weight > 100 {
		return fmt.Errorf("collector %q: weight %d is out of range [0, 100]", c.Name, c.Weight)
	}
	if c.Interval < 0 || c.Timeout < 0 || c.ParallelDegree < 0 {
		return fmt.Errorf("collector %q: interval, timeout and parallel_degree must not be negative", c.Name)
	}
	rules, err := c.ThresholdRules()
	if err != nil {
		return err
	}
	if err := threshold.ValidateRules(rules); err != nil {
		return fmt.Errorf("collector %q: %w", c.Name, err)
	}
	if _, err := c.VersionedQueries(); err != nil {
		return err
	}
	return nil
}
