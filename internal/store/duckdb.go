package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb" // register the duckdb driver
	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// DuckDB is a Store backed by an embedded DuckDB database file.
type DuckDB struct {
	db      *sql.DB
	threads int
}

// DuckDBOption configures a DuckDB store.
type DuckDBOption func(*DuckDB)

// WithThreads sets the number of DuckDB worker threads (0 = DuckDB default).
func WithThreads(n int) DuckDBOption {
	return func(d *DuckDB) { d.threads = n }
}

// OpenDuckDB opens (creating if needed) the database at path and applies
// the schema. An empty path or ":memory:" opens an in-memory database.
func OpenDuckDB(ctx context.Context, path string, opts ...DuckDBOption) (*DuckDB, error) {
	d := &DuckDB{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if path == ":memory:" {
		path = ""
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("store: open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping duckdb: %w", err)
	}
	// Embedded engine: a single connection keeps an in-memory database
	// shared across calls and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	d.db = db

	if d.threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads = %d", d.threads)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: set threads: %w", err)
		}
	}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the database handle.
func (d *DuckDB) Close() error { return d.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS collectors (
		name VARCHAR PRIMARY KEY,
		display_name VARCHAR,
		description VARCHAR,
		enabled BOOLEAN,
		interval_ms BIGINT,
		timeout_ms BIGINT,
		weight INTEGER,
		parallel_degree INTEGER,
		category VARCHAR,
		execution_order INTEGER,
		source VARCHAR,
		exception_type VARCHAR,
		last_run_at TIMESTAMP,
		last_duration_ms BIGINT,
		last_instances INTEGER,
		last_error VARCHAR,
		last_error_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS threshold_rules (
		id VARCHAR,
		collector_name VARCHAR,
		name VARCHAR,
		metric VARCHAR,
		value VARCHAR,
		operator VARCHAR,
		action VARCHAR,
		resulting_score INTEGER,
		ord INTEGER,
		active BOOLEAN
	)`,
	`CREATE TABLE IF NOT EXISTS versioned_queries (
		id VARCHAR,
		collector_name VARCHAR,
		min_version INTEGER,
		max_version INTEGER,
		priority INTEGER,
		active BOOLEAN,
		text VARCHAR,
		metric VARCHAR,
		ord INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		name VARCHAR PRIMARY KEY,
		engine VARCHAR,
		version INTEGER,
		version_string VARCHAR,
		enabled BOOLEAN,
		dsn_env VARCHAR,
		metrics_url VARCHAR,
		address VARCHAR,
		labels VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS exclusions (
		id VARCHAR PRIMARY KEY,
		collector_name VARCHAR,
		exception_type VARCHAR,
		instance_name VARCHAR,
		active BOOLEAN,
		expires_at TIMESTAMP,
		reason VARCHAR,
		created_by VARCHAR,
		created_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id VARCHAR PRIMARY KEY,
		collector_name VARCHAR,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		status VARCHAR,
		trigger_kind VARCHAR,
		triggered_by VARCHAR,
		error_summary VARCHAR,
		attempted INTEGER,
		succeeded INTEGER,
		failed INTEGER,
		skipped INTEGER
	)`,
	`CREATE SEQUENCE IF NOT EXISTS snapshot_seq`,
	`CREATE TABLE IF NOT EXISTS category_snapshots (
		id BIGINT DEFAULT nextval('snapshot_seq'),
		instance_name VARCHAR,
		category VARCHAR,
		collected_at TIMESTAMP,
		score INTEGER,
		rule_name VARCHAR,
		metrics VARCHAR
	)`,
	`CREATE SEQUENCE IF NOT EXISTS composite_seq`,
	`CREATE TABLE IF NOT EXISTS composite_scores (
		id BIGINT DEFAULT nextval('composite_seq'),
		instance_name VARCHAR,
		computed_at TIMESTAMP,
		score INTEGER,
		status VARCHAR,
		global_cap INTEGER,
		category_scores VARCHAR,
		contributions VARCHAR,
		applied_caps VARCHAR
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_instance ON category_snapshots (instance_name, category)`,
	`CREATE INDEX IF NOT EXISTS idx_composites_instance ON composite_scores (instance_name)`,
	// Files created before queries kept their configured order.
	`ALTER TABLE versioned_queries ADD COLUMN IF NOT EXISTS ord INTEGER`,
}

func (d *DuckDB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// --- configuration ----------------------------------------------------------

const collectorColumns = `name, display_name, description, enabled, interval_ms, timeout_ms, weight,
	parallel_degree, category, execution_order, source, exception_type,
	last_run_at, last_duration_ms, last_instances, last_error, last_error_at`

// UpsertCollector inserts or replaces c, keeping the stored RunState.
func (d *DuckDB) UpsertCollector(ctx context.Context, c types.CollectorDefinition) error {
	if c.Name == "" {
		return fmt.Errorf("store: collector name is required")
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO collectors (`+collectorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, 0, '', NULL)
		ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name,
			description = excluded.description,
			enabled = excluded.enabled,
			interval_ms = excluded.interval_ms,
			timeout_ms = excluded.timeout_ms,
			weight = excluded.weight,
			parallel_degree = excluded.parallel_degree,
			category = excluded.category,
			execution_order = excluded.execution_order,
			source = excluded.source,
			exception_type = excluded.exception_type`,
		c.Name, c.DisplayName, c.Description, c.Enabled,
		c.Interval.Milliseconds(), c.Timeout.Milliseconds(), c.Weight,
		c.ParallelDegree, c.Category, c.ExecutionOrder, c.Source, c.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("store: upsert collector %q: %w", c.Name, err)
	}
	return nil
}

// GetCollector returns the named collector or ErrNotFound.
func (d *DuckDB) GetCollector(ctx context.Context, name string) (types.CollectorDefinition, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+collectorColumns+` FROM collectors WHERE name = ?`, name)
	c, err := scanCollector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CollectorDefinition{}, fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return types.CollectorDefinition{}, fmt.Errorf("store: get collector %q: %w", name, err)
	}
	return c, nil
}

// ListCollectors returns every collector sorted by category, execution
// order and name.
func (d *DuckDB) ListCollectors(ctx context.Context) ([]types.CollectorDefinition, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+collectorColumns+` FROM collectors`)
	if err != nil {
		return nil, fmt.Errorf("store: list collectors: %w", err)
	}
	defer rows.Close()

	var out []types.CollectorDefinition
	for rows.Next() {
		c, err := scanCollector(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan collector: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list collectors: %w", err)
	}
	sortCollectors(out)
	return out, nil
}

// DeleteCollector removes a collector with its rules and queries.
func (d *DuckDB) DeleteCollector(ctx context.Context, name string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM collectors WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete collector %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	for _, table := range []string{"threshold_rules", "versioned_queries"} {
		if _, err := d.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE collector_name = ?`, name); err != nil {
			return fmt.Errorf("store: delete %s of %q: %w", table, name, err)
		}
	}
	return nil
}

// UpdateRunState overwrites the last-run fields of a collector.
func (d *DuckDB) UpdateRunState(ctx context.Context, name string, st types.RunState) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE collectors SET last_run_at = ?, last_duration_ms = ?, last_instances = ?,
			last_error = ?, last_error_at = ?
		WHERE name = ?`,
		nullTime(st.LastRunAt), st.LastDuration.Milliseconds(), st.LastInstancesProcessed,
		st.LastError, nullTime(st.LastErrorAt), name,
	)
	if err != nil {
		return fmt.Errorf("store: update run state %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	return nil
}

// ReplaceRules swaps a collector's threshold rules for rules.
func (d *DuckDB) ReplaceRules(ctx context.Context, collector string, rules []types.ThresholdRule) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM threshold_rules WHERE collector_name = ?`, collector); err != nil {
			return err
		}
		for _, r := range rules {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO threshold_rules (id, collector_name, name, metric, value, operator, action, resulting_score, ord, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, collector, r.Name, r.Metric, r.Value.String(), string(r.Operator),
				string(r.Action), r.ResultingScore, r.Order, r.Active,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRules returns a collector's rules in configured order.
func (d *DuckDB) ListRules(ctx context.Context, collector string) ([]types.ThresholdRule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, collector_name, name, metric, value, operator, action, resulting_score, ord, active
		FROM threshold_rules WHERE collector_name = ? ORDER BY ord`, collector)
	if err != nil {
		return nil, fmt.Errorf("store: list rules %q: %w", collector, err)
	}
	defer rows.Close()

	var out []types.ThresholdRule
	for rows.Next() {
		var (
			r          types.ThresholdRule
			value      string
			op, action string
		)
		if err := rows.Scan(&r.ID, &r.CollectorName, &r.Name, &r.Metric, &value, &op, &action,
			&r.ResultingScore, &r.Order, &r.Active); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		if r.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("store: rule %q value %q: %w", r.Name, value, err)
		}
		r.Operator = types.Operator(op)
		r.Action = types.Action(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceQueries swaps a collector's versioned queries for queries.
func (d *DuckDB) ReplaceQueries(ctx context.Context, collector string, queries []types.VersionedQuery) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM versioned_queries WHERE collector_name = ?`, collector); err != nil {
			return err
		}
		for i, q := range queries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO versioned_queries (id, collector_name, min_version, max_version, priority, active, text, metric, ord)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, collector, q.MinVersion, q.MaxVersion, q.Priority, q.Active, q.Text, q.Metric, i,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListQueries returns a collector's queries in configured order.
func (d *DuckDB) ListQueries(ctx context.Context, collector string) ([]types.VersionedQuery, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, collector_name, min_version, max_version, priority, active, text, metric
		FROM versioned_queries WHERE collector_name = ? ORDER BY ord`, collector)
	if err != nil {
		return nil, fmt.Errorf("store: list queries %q: %w", collector, err)
	}
	defer rows.Close()

	var out []types.VersionedQuery
	for rows.Next() {
		var q types.VersionedQuery
		if err := rows.Scan(&q.ID, &q.CollectorName, &q.MinVersion, &q.MaxVersion, &q.Priority,
			&q.Active, &q.Text, &q.Metric); err != nil {
			return nil, fmt.Errorf("store: scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// UpsertInstance inserts or replaces an instance by name.
func (d *DuckDB) UpsertInstance(ctx context.Context, inst types.InstanceRef) error {
	if inst.Name == "" {
		return fmt.Errorf("store: instance name is required")
	}
	labels, err := json.Marshal(inst.Labels)
	if err != nil {
		return fmt.Errorf("store: encode labels: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO instances (name, engine, version, version_string, enabled, dsn_env, metrics_url, address, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.Name, inst.Engine, inst.Version, inst.VersionString, inst.Enabled,
		inst.DSNEnv, inst.MetricsURL, inst.Address, string(labels),
	)
	if err != nil {
		return fmt.Errorf("store: upsert instance %q: %w", inst.Name, err)
	}
	return nil
}

// DeleteInstance removes an instance or returns ErrNotFound.
func (d *DuckDB) DeleteInstance(ctx context.Context, name string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete instance %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	return nil
}

// ListInstances returns every instance sorted by name.
func (d *DuckDB) ListInstances(ctx context.Context) ([]types.InstanceRef, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name, engine, version, version_string, enabled, dsn_env, metrics_url, address, labels
		FROM instances ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer rows.Close()

	var out []types.InstanceRef
	for rows.Next() {
		var (
			inst   types.InstanceRef
			labels string
		)
		if err := rows.Scan(&inst.Name, &inst.Engine, &inst.Version, &inst.VersionString, &inst.Enabled,
			&inst.DSNEnv, &inst.MetricsURL, &inst.Address, &labels); err != nil {
			return nil, fmt.Errorf("store: scan instance: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &inst.Labels); err != nil {
			return nil, fmt.Errorf("store: decode labels of %q: %w", inst.Name, err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpsertExclusion inserts or replaces an override by ID.
func (d *DuckDB) UpsertExclusion(ctx context.Context, o types.ExclusionOverride) error {
	if o.ID == "" {
		return fmt.Errorf("store: exclusion id is required")
	}
	var expires any
	if o.ExpiresAt != nil {
		expires = o.ExpiresAt.UTC()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO exclusions (id, collector_name, exception_type, instance_name, active, expires_at, reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CollectorName, o.ExceptionType, o.InstanceName, o.Active, expires,
		o.Reason, o.CreatedBy, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert exclusion %q: %w", o.ID, err)
	}
	return nil
}

// DeleteExclusion removes an override or returns ErrNotFound.
func (d *DuckDB) DeleteExclusion(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM exclusions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete exclusion %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exclusion %q: %w", id, ErrNotFound)
	}
	return nil
}

// ListExclusions returns every override, active or not, sorted by ID.
func (d *DuckDB) ListExclusions(ctx context.Context) ([]types.ExclusionOverride, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, collector_name, exception_type, instance_name, active, expires_at, reason, created_by, created_at
		FROM exclusions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list exclusions: %w", err)
	}
	defer rows.Close()

	var out []types.ExclusionOverride
	for rows.Next() {
		var (
			o       types.ExclusionOverride
			expires sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.CollectorName, &o.ExceptionType, &o.InstanceName, &o.Active,
			&expires, &o.Reason, &o.CreatedBy, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan exclusion: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			o.ExpiresAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- audit ------------------------------------------------------------------

const executionColumns = `id, collector_name, started_at, ended_at, status, trigger_kind, triggered_by,
	error_summary, attempted, succeeded, failed, skipped`

// AppendExecution stores a new execution record. IDs must be unique.
func (d *DuckDB) AppendExecution(ctx context.Context, rec types.ExecutionRecord) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CollectorName, rec.StartedAt.UTC(), nullTime(rec.EndedAt), string(rec.Status),
		string(rec.Trigger), rec.TriggeredBy, rec.ErrorSummary,
		rec.Attempted, rec.Succeeded, rec.Failed, rec.Skipped,
	)
	if err != nil {
		return fmt.Errorf("store: append execution %q: %w", rec.ID, err)
	}
	return nil
}

// FinalizeExecution replaces a Running record with its final state. A
// record already final returns ErrFinalized.
func (d *DuckDB) FinalizeExecution(ctx context.Context, rec types.ExecutionRecord) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE executions SET ended_at = ?, status = ?, error_summary = ?,
			attempted = ?, succeeded = ?, failed = ?, skipped = ?
		WHERE id = ? AND status = ?`,
		nullTime(rec.EndedAt), string(rec.Status), rec.ErrorSummary,
		rec.Attempted, rec.Succeeded, rec.Failed, rec.Skipped,
		rec.ID, string(types.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("store: finalize execution %q: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := d.GetExecution(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("execution %q: %w", rec.ID, ErrFinalized)
	}
	return nil
}

// GetExecution returns the execution with id or ErrNotFound.
func (d *DuckDB) GetExecution(ctx context.Context, id string) (types.ExecutionRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.ExecutionRecord{}, fmt.Errorf("store: get execution %q: %w", id, err)
	}
	return rec, nil
}

// ListExecutions returns executions newest first, optionally for one
// collector. A limit of 0 returns all.
func (d *DuckDB) ListExecutions(ctx context.Context, collector string, limit int) ([]types.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if collector != "" {
		query += ` WHERE collector_name = ?`
		args = append(args, collector)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- scores -----------------------------------------------------------------

// AppendSnapshot appends a category snapshot to the series of its instance.
func (d *DuckDB) AppendSnapshot(ctx context.Context, s types.CategoryScoreSnapshot) error {
	metrics, err := json.Marshal(s.Metrics)
	if err != nil {
		return fmt.Errorf("store: encode metrics: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO category_snapshots (instance_name, category, collected_at, score, rule_name, metrics)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.InstanceName, s.Category, s.CollectedAt.UTC(), s.Score, s.RuleName, string(metrics),
	)
	if err != nil {
		return fmt.Errorf("store: append snapshot %s/%s: %w", s.InstanceName, s.Category, err)
	}
	return nil
}

// LatestSnapshots returns the newest snapshot per category for instance.
func (d *DuckDB) LatestSnapshots(ctx context.Context, instance string) (map[string]types.CategoryScoreSnapshot, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT instance_name, category, collected_at, score, rule_name, metrics
		FROM category_snapshots
		WHERE instance_name = ?
		QUALIFY row_number() OVER (PARTITION BY category ORDER BY collected_at DESC, id DESC) = 1`,
		instance)
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshots %q: %w", instance, err)
	}
	defer rows.Close()

	out := make(map[string]types.CategoryScoreSnapshot)
	for rows.Next() {
		var (
			s       types.CategoryScoreSnapshot
			metrics string
		)
		if err := rows.Scan(&s.InstanceName, &s.Category, &s.CollectedAt, &s.Score, &s.RuleName, &metrics); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &s.Metrics); err != nil {
			return nil, fmt.Errorf("store: decode snapshot metrics: %w", err)
		}
		out[s.Category] = s
	}
	return out, rows.Err()
}

// AppendComposite appends a composite score row.
func (d *DuckDB) AppendComposite(ctx context.Context, c types.CompositeHealthScore) error {
	scores, err := json.Marshal(c.CategoryScores)
	if err != nil {
		return fmt.Errorf("store: encode category scores: %w", err)
	}
	contrib, err := json.Marshal(c.Contributions)
	if err != nil {
		return fmt.Errorf("store: encode contributions: %w", err)
	}
	caps, err := json.Marshal(c.AppliedCaps)
	if err != nil {
		return fmt.Errorf("store: encode applied caps: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO composite_scores (instance_name, computed_at, score, status, global_cap, category_scores, contributions, applied_caps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.InstanceName, c.ComputedAt.UTC(), c.Score, c.Status, c.GlobalCap,
		string(scores), string(contrib), string(caps),
	)
	if err != nil {
		return fmt.Errorf("store: append composite %q: %w", c.InstanceName, err)
	}
	return nil
}

const compositeColumns = `instance_name, computed_at, score, status, global_cap, category_scores, contributions, applied_caps`

// LatestComposite returns the newest composite for instance or ErrNotFound.
func (d *DuckDB) LatestComposite(ctx context.Context, instance string) (types.CompositeHealthScore, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+compositeColumns+` FROM composite_scores
		WHERE instance_name = ? ORDER BY computed_at DESC, id DESC LIMIT 1`, instance)
	c, err := scanComposite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CompositeHealthScore{}, fmt.Errorf("composite for %q: %w", instance, ErrNotFound)
	}
	if err != nil {
		return types.CompositeHealthScore{}, fmt.Errorf("store: latest composite %q: %w", instance, err)
	}
	return c, nil
}

// CompositeHistory returns composites computed at or after since, oldest
// first.
func (d *DuckDB) CompositeHistory(ctx context.Context, instance string, since time.Time) ([]types.CompositeHealthScore, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+compositeColumns+` FROM composite_scores
		WHERE instance_name = ? AND computed_at >= ? ORDER BY computed_at, id`, instance, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: composite history %q: %w", instance, err)
	}
	defer rows.Close()

	var out []types.CompositeHealthScore
	for rows.Next() {
		c, err := scanComposite(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan composite: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune drops snapshots and composites older than before, keeping the
// newest row of each series. It returns the number of rows removed.
func (d *DuckDB) Prune(ctx context.Context, before time.Time) (int, error) {
	var removed int64
	stmts := []string{
		`DELETE FROM category_snapshots WHERE collected_at < ? AND id NOT IN (
			SELECT arg_max(id, collected_at) FROM category_snapshots GROUP BY instance_name, category)`,
		`DELETE FROM composite_scores WHERE computed_at < ? AND id NOT IN (
			SELECT arg_max(id, computed_at) FROM composite_scores GROUP BY instance_name)`,
	}
	for _, stmt := range stmts {
		res, err := d.db.ExecContext(ctx, stmt, before.UTC())
		if err != nil {
			return int(removed), fmt.Errorf("store: prune: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return int(removed), nil
}

// --- helpers ----------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanCollector(s scanner) (types.CollectorDefinition, error) {
	var (
		c                      types.CollectorDefinition
		intervalMs, timeoutMs  int64
		lastRun, lastErrAt     sql.NullTime
		lastDurationMs         int64
		displayName, desc, exc sql.NullString
		lastError              sql.NullString
	)
	err := s.Scan(&c.Name, &displayName, &desc, &c.Enabled, &intervalMs, &timeoutMs, &c.Weight,
		&c.ParallelDegree, &c.Category, &c.ExecutionOrder, &c.Source, &exc,
		&lastRun, &lastDurationMs, &c.LastInstancesProcessed, &lastError, &lastErrAt)
	if err != nil {
		return c, err
	}
	c.DisplayName = displayName.String
	c.Description = desc.String
	c.ExceptionType = exc.String
	c.Interval = time.Duration(intervalMs) * time.Millisecond
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	c.LastDuration = time.Duration(lastDurationMs) * time.Millisecond
	c.LastError = lastError.String
	if lastRun.Valid {
		c.LastRunAt = lastRun.Time
	}
	if lastErrAt.Valid {
		c.LastErrorAt = lastErrAt.Time
	}
	return c, nil
}

func scanExecution(s scanner) (types.ExecutionRecord, error) {
	var (
		rec            types.ExecutionRecord
		ended          sql.NullTime
		status, trig   string
		by, errSummary sql.NullString
	)
	err := s.Scan(&rec.ID, &rec.CollectorName, &rec.StartedAt, &ended, &status, &trig, &by,
		&errSummary, &rec.Attempted, &rec.Succeeded, &rec.Failed, &rec.Skipped)
	if err != nil {
		return rec, err
	}
	if ended.Valid {
		rec.EndedAt = ended.Time
	}
	rec.Status = types.RunStatus(status)
	rec.Trigger = types.TriggerKind(trig)
	rec.TriggeredBy = by.String
	rec.ErrorSummary = errSummary.String
	return rec, nil
}

func scanComposite(s scanner) (types.CompositeHealthScore, error) {
	var (
		c                     types.CompositeHealthScore
		scores, contrib, caps string
	)
	if err := s.Scan(&c.InstanceName, &c.ComputedAt, &c.Score, &c.Status, &c.GlobalCap,
		&scores, &contrib, &caps); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(scores), &c.CategoryScores); err != nil {
		return c, fmt.Errorf("decode category scores: %w", err)
	}
	if err := json.Unmarshal([]byte(contrib), &c.Contributions); err != nil {
		return c, fmt.Errorf("decode contributions: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &c.AppliedCaps); err != nil {
		return c, fmt.Errorf("decode applied caps: %w", err)
	}
	return c, nil
}

func (d *DuckDB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
