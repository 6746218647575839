package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Memory is a thread-safe in-memory Store. Time-series rows are kept in
// insertion order per instance; nothing is persisted across restarts.
type Memory struct {
	mu sync.RWMutex

	collectors map[string]types.CollectorDefinition
	rules      map[string][]types.ThresholdRule
	queries    map[string][]types.VersionedQuery
	instances  map[string]types.InstanceRef
	exclusions map[string]types.ExclusionOverride

	executions []types.ExecutionRecord
	execIndex  map[string]int

	snapshots  map[string][]types.CategoryScoreSnapshot // key: instance
	composites map[string][]types.CompositeHealthScore  // key: instance
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		collectors: make(map[string]types.CollectorDefinition),
		rules:      make(map[string][]types.ThresholdRule),
		queries:    make(map[string][]types.VersionedQuery),
		instances:  make(map[string]types.InstanceRef),
		exclusions: make(map[string]types.ExclusionOverride),
		execIndex:  make(map[string]int),
		snapshots:  make(map[string][]types.CategoryScoreSnapshot),
		composites: make(map[string][]types.CompositeHealthScore),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// --- configuration ----------------------------------------------------------

// UpsertCollector inserts or replaces c, keeping the stored RunState.
func (m *Memory) UpsertCollector(_ context.Context, c types.CollectorDefinition) error {
	if c.Name == "" {
		return fmt.Errorf("store: collector name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.collectors[c.Name]; ok {
		c.RunState = prev.RunState
	}
	m.collectors[c.Name] = c
	return nil
}

// GetCollector returns the named collector or ErrNotFound.
func (m *Memory) GetCollector(_ context.Context, name string) (types.CollectorDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collectors[name]
	if !ok {
		return types.CollectorDefinition{}, fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	return c, nil
}

// ListCollectors returns every collector sorted by category, execution
// order and name.
func (m *Memory) ListCollectors(_ context.Context) ([]types.CollectorDefinition, error) {
	m.mu.RLock()
	out := make([]types.CollectorDefinition, 0, len(m.collectors))
	for _, c := range m.collectors {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sortCollectors(out)
	return out, nil
}

// DeleteCollector removes a collector with its rules and queries.
func (m *Memory) DeleteCollector(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collectors[name]; !ok {
		return fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	delete(m.collectors, name)
	delete(m.rules, name)
	delete(m.queries, name)
	return nil
}

// UpdateRunState overwrites the last-run fields of a collector.
func (m *Memory) UpdateRunState(_ context.Context, name string, st types.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[name]
	if !ok {
		return fmt.Errorf("collector %q: %w", name, ErrNotFound)
	}
	c.RunState = st
	m.collectors[name] = c
	return nil
}

// ReplaceRules swaps a collector's threshold rules for rules.
func (m *Memory) ReplaceRules(_ context.Context, collector string, rules []types.ThresholdRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[collector] = append([]types.ThresholdRule(nil), rules...)
	return nil
}

// ListRules returns a collector's rules in configured order.
func (m *Memory) ListRules(_ context.Context, collector string) ([]types.ThresholdRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ThresholdRule(nil), m.rules[collector]...), nil
}

// ReplaceQueries swaps a collector's versioned queries for queries.
func (m *Memory) ReplaceQueries(_ context.Context, collector string, queries []types.VersionedQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries[collector] = append([]types.VersionedQuery(nil), queries...)
	return nil
}

// ListQueries returns a collector's queries in configured order.
func (m *Memory) ListQueries(_ context.Context, collector string) ([]types.VersionedQuery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.VersionedQuery(nil), m.queries[collector]...), nil
}

// UpsertInstance inserts or replaces an instance by name.
func (m *Memory) UpsertInstance(_ context.Context, inst types.InstanceRef) error {
	if inst.Name == "" {
		return fmt.Errorf("store: instance name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.Labels = maps.Clone(inst.Labels)
	m.instances[inst.Name] = inst
	return nil
}

// DeleteInstance removes an instance or returns ErrNotFound.
func (m *Memory) DeleteInstance(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[name]; !ok {
		return fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	delete(m.instances, name)
	return nil
}

// ListInstances returns every instance sorted by name.
func (m *Memory) ListInstances(_ context.Context) ([]types.InstanceRef, error) {
	m.mu.RLock()
	out := make([]types.InstanceRef, 0, len(m.instances))
	for _, inst := range m.instances {
		inst.Labels = maps.Clone(inst.Labels)
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertExclusion inserts or replaces an override by ID.
func (m *Memory) UpsertExclusion(_ context.Context, o types.ExclusionOverride) error {
	if o.ID == "" {
		return fmt.Errorf("store: exclusion id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusions[o.ID] = o
	return nil
}

// DeleteExclusion removes an override or returns ErrNotFound.
func (m *Memory) DeleteExclusion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exclusions[id]; !ok {
		return fmt.Errorf("exclusion %q: %w", id, ErrNotFound)
	}
	delete(m.exclusions, id)
	return nil
}

// ListExclusions returns every override, active or not, sorted by ID.
func (m *Memory) ListExclusions(_ context.Context) ([]types.ExclusionOverride, error) {
	m.mu.RLock()
	out := make([]types.ExclusionOverride, 0, len(m.exclusions))
	for _, o := range m.exclusions {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- audit ------------------------------------------------------------------

// AppendExecution stores a new execution record. IDs must be unique.
func (m *Memory) AppendExecution(_ context.Context, rec types.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.execIndex[rec.ID]; dup {
		return fmt.Errorf("store: execution %q already exists", rec.ID)
	}
	m.execIndex[rec.ID] = len(m.executions)
	m.executions = append(m.executions, rec)
	return nil
}

// FinalizeExecution replaces a Running record with its final state. A
// record already final returns ErrFinalized.
func (m *Memory) FinalizeExecution(_ context.Context, rec types.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.execIndex[rec.ID]
	if !ok {
		return fmt.Errorf("execution %q: %w", rec.ID, ErrNotFound)
	}
	if m.executions[i].Status.Final() {
		return fmt.Errorf("execution %q: %w", rec.ID, ErrFinalized)
	}
	m.executions[i] = rec
	return nil
}

// GetExecution returns the execution with id or ErrNotFound.
func (m *Memory) GetExecution(_ context.Context, id string) (types.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.execIndex[id]
	if !ok {
		return types.ExecutionRecord{}, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return m.executions[i], nil
}

// ListExecutions returns executions newest first, optionally for one
// collector. A limit of 0 returns all.
func (m *Memory) ListExecutions(_ context.Context, collector string, limit int) ([]types.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ExecutionRecord
	for i := len(m.executions) - 1; i >= 0; i-- {
		rec := m.executions[i]
		if collector != "" && rec.CollectorName != collector {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- scores -----------------------------------------------------------------

// AppendSnapshot appends a category snapshot to the series of its instance.
func (m *Memory) AppendSnapshot(_ context.Context, s types.CategoryScoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Metrics = maps.Clone(s.Metrics)
	m.snapshots[s.InstanceName] = append(m.snapshots[s.InstanceName], s)
	return nil
}

// LatestSnapshots returns the newest snapshot per category for instance.
func (m *Memory) LatestSnapshots(_ context.Context, instance string) (map[string]types.CategoryScoreSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.CategoryScoreSnapshot)
	for _, s := range m.snapshots[instance] {
		if prev, ok := out[s.Category]; ok && prev.CollectedAt.After(s.CollectedAt) {
			continue
		}
		s.Metrics = maps.Clone(s.Metrics)
		out[s.Category] = s
	}
	return out, nil
}

// AppendComposite appends a composite score row.
func (m *Memory) AppendComposite(_ context.Context, c types.CompositeHealthScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composites[c.InstanceName] = append(m.composites[c.InstanceName], cloneComposite(c))
	return nil
}

// LatestComposite returns the newest composite for instance or ErrNotFound.
func (m *Memory) LatestComposite(_ context.Context, instance string) (types.CompositeHealthScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.composites[instance]
	if len(rows) == 0 {
		return types.CompositeHealthScore{}, fmt.Errorf("composite for %q: %w", instance, ErrNotFound)
	}
	latest := rows[0]
	for _, c := range rows[1:] {
		if !c.ComputedAt.Before(latest.ComputedAt) {
			latest = c
		}
	}
	return cloneComposite(latest), nil
}

// CompositeHistory returns composites computed at or after since, oldest
// first.
func (m *Memory) CompositeHistory(_ context.Context, instance string, since time.Time) ([]types.CompositeHealthScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.CompositeHealthScore
	for _, c := range m.composites[instance] {
		if !c.ComputedAt.Before(since) {
			out = append(out, cloneComposite(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

// Prune drops snapshots and composites older than before, keeping the
// newest row of each series. It returns the number of rows removed.
func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0

	for inst, rows := range m.snapshots {
		newest := make(map[string]time.Time)
		for _, s := range rows {
			if s.CollectedAt.After(newest[s.Category]) {
				newest[s.Category] = s.CollectedAt
			}
		}
		kept := rows[:0]
		for _, s := range rows {
			if s.CollectedAt.Before(before) && s.CollectedAt.Before(newest[s.Category]) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		m.snapshots[inst] = kept
	}

	for inst, rows := range m.composites {
		var newest time.Time
		for _, c := range rows {
			if c.ComputedAt.After(newest) {
				newest = c.ComputedAt
			}
		}
		kept := rows[:0]
		for _, c := range rows {
			if c.ComputedAt.Before(before) && c.ComputedAt.Before(newest) {
				removed++
				continue
			}
			kept = append(kept, c)
		}
		m.composites[inst] = kept
	}
	return removed, nil
}

func cloneComposite(c types.CompositeHealthScore) types.CompositeHealthScore {
	c.CategoryScores = maps.Clone(c.CategoryScores)
	c.Contributions = maps.Clone(c.Contributions)
	c.AppliedCaps = append([]string(nil), c.AppliedCaps...)
	return c
}
