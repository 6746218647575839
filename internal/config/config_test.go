package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

const fullConfig = `
server:
  http_port: 9090
  log_level: debug
storage:
  backend: duckdb
  path: /var/lib/fleetpulse/fleet.duckdb
  retention: 720h
scoring:
  global_cap: 95
  buckets:
    - {label: Good, min_score: 80}
    - {label: Poor, min_score: 50}
  caps:
    - {name: backups-down, category: Backups, operator: "<", threshold: 50, cap: 60}
notify:
  webhooks:
    - type: slack
      url_env: SLACK_URL
      events: [CollectorRunCompleted]
instances:
  - name: db-1
    engine: mysql
    version: "8.0.35"
    dsn_env: DB1_DSN
    labels: {env: prod}
  - name: db-2
    engine: mysql
    enabled: false
collectors:
  - name: CPU
    category: Performance
    source: mysql
    weight: 20
    interval: 1m
    parallel_degree: 8
    rules:
      - {name: critical, operator: ">=", value: 90, action: score, score: 40}
      - {name: warning, operator: ">=", value: "75.5", action: score, score: 70}
    queries:
      - id: cpu-57
        min_version: "5.7"
        max_version: "5.7.99"
        priority: 1
        text: SELECT 1
      - min_version: "8.0"
        priority: 1
        text: SELECT 2
exclusions:
  - id: x1
    collector: CPU
    instance: db-1
    reason: migration
`

func TestLoad_Full(t *testing.T) {
	cfg := loadFromString(t, fullConfig)

	if cfg.Server.HTTPPort != 9090 || cfg.Server.LogLevel != "debug" {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Storage.Backend != "duckdb" || cfg.Storage.Retention != 720*time.Hour {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if got := cfg.Scoring.StatusBuckets(); len(got) != 2 || got[0].Label != "Good" {
		t.Errorf("buckets: got %+v", got)
	}
	caps := cfg.Scoring.CapRules()
	if len(caps) != 1 || caps[0].Operator != types.OpLess || caps[0].Cap != 60 {
		t.Errorf("caps: got %+v", caps)
	}

	ref, err := cfg.Instances[0].Ref()
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if ref.Version != 80035 || !ref.Enabled || ref.Labels["env"] != "prod" {
		t.Errorf("instance: got %+v", ref)
	}
	if ref2, _ := cfg.Instances[1].Ref(); ref2.Enabled || ref2.Version != 0 {
		t.Errorf("db-2: got %+v, want disabled with unknown version", ref2)
	}

	c := cfg.Collectors[0]
	def := c.Definition()
	if !def.Enabled || def.Weight != 20 || def.Interval != time.Minute || def.Timeout != DefaultCollectorTO {
		t.Errorf("definition: got %+v", def)
	}
	rules, err := c.ThresholdRules()
	if err != nil {
		t.Fatalf("ThresholdRules: %v", err)
	}
	if rules[1].Value.String() != "75.5" || rules[1].Order != 1 || rules[1].Action != types.ActionScore || !rules[1].Active {
		t.Errorf("rule[1]: got %+v", rules[1])
	}
	queries, err := c.VersionedQueries()
	if err != nil {
		t.Fatalf("VersionedQueries: %v", err)
	}
	if queries[0].MinVersion != 50700 || queries[0].MaxVersion != 50799 {
		t.Errorf("query[0] bracket: got %d..%d", queries[0].MinVersion, queries[0].MaxVersion)
	}
	if queries[1].ID != "CPU/q1" || queries[1].MaxVersion != 0 {
		t.Errorf("query[1]: got %+v", queries[1])
	}

	o := cfg.Exclusions[0].Override()
	if o.ExceptionType != types.ExceptionTypeAll || !o.Active {
		t.Errorf("exclusion: got %+v", o)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "collectors: []\n")

	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Storage.Backend != DefaultBackend {
		t.Errorf("backend: got %q, want %q", cfg.Storage.Backend, DefaultBackend)
	}
	if cfg.Notify.Buffer != DefaultEventBuffer {
		t.Errorf("buffer: got %d, want %d", cfg.Notify.Buffer, DefaultEventBuffer)
	}
	if got := cfg.Scoring.StatusBuckets(); len(got) != len(types.DefaultBuckets) {
		t.Errorf("buckets: got %+v, want defaults", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"port", "server: {http_port: 70000}", "http_port"},
		{"log level", "server: {log_level: loud}", "log_level"},
		{"backend", "storage: {backend: redis}", "backend"},
		{"global cap", "scoring: {global_cap: 120}", "global_cap"},
		{"bucket order", "scoring: {buckets: [{label: A, min_score: 50}, {label: B, min_score: 80}]}", "descending"},
		{"cap operator", "scoring: {caps: [{category: X, operator: '~', cap: 10}]}", "operator"},
		{"webhook type", "notify: {webhooks: [{type: pager}]}", "webhooks"},
		{"webhook event", "notify: {webhooks: [{type: http, events: [Everything]}]}", "unknown event"},
		{"instance name", "instances: [{engine: mysql}]", "name is required"},
		{"duplicate instance", "instances: [{name: a}, {name: a}]", "duplicate"},
		{"bad version", "instances: [{name: a, version: abc}]", "invalid version"},
		{"collector source", "collectors: [{name: CPU}]", "source is required"},
		{"weight", "collectors: [{name: CPU, source: mysql, weight: 150}]", "weight"},
		{"rule operator", "collectors: [{name: CPU, source: mysql, rules: [{operator: '=>', value: 1}]}]", "unknown operator"},
		{"rule value", "collectors: [{name: CPU, source: mysql, rules: [{operator: '>', value: lots}]}]", "value"},
		{"rule score", "collectors: [{name: CPU, source: mysql, rules: [{operator: '>', value: 1, score: 101}]}]", "resulting score"},
		{"duplicate order", "collectors: [{name: CPU, source: mysql, rules: [{operator: '>', value: 1, order: 1}, {operator: '<', value: 1, order: 1}]}]", "order"},
		{"bracket", "collectors: [{name: CPU, source: mysql, queries: [{min_version: '8.0', max_version: '5.7'}]}]", "below min_version"},
		{"exclusion collector", "exclusions: [{id: x, collector: Nope, instance: a}]", "unknown collector"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadStringErr(t, tt.yaml)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWebhookConfig_URL(t *testing.T) {
	t.Setenv("SLACK_URL", "https://hooks.slack.example/abc")
	w := WebhookConfig{Type: "slack", URLEnv: "SLACK_URL"}
	if got := w.URL(); got != "https://hooks.slack.example/abc" {
		t.Errorf("URL(): got %q", got)
	}
	if got := (WebhookConfig{}).URL(); got != "" {
		t.Errorf("URL() with no env: got %q", got)
	}
}

func TestWatch_ReloadsAndKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {http_port: 8081}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *Config, 4)
	go Watch(ctx, path, func(c *Config) { reloads <- c }) //nolint:errcheck

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writeAtomic(t, path, "server: {http_port: 70000}\n")
	select {
	case c := <-reloads:
		t.Fatalf("invalid reload delivered: %+v", c.Server)
	case <-time.After(200 * time.Millisecond):
	}

	writeAtomic(t, path, "server: {http_port: 8082}\n")
	select {
	case c := <-reloads:
		if c.Server.HTTPPort != 8082 {
			t.Errorf("reloaded port: got %d, want 8082", c.Server.HTTPPort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after valid write")
	}
}

// writeAtomic replaces path the way editors do: write a sibling, then rename.
func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
