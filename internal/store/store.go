package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrFinalized is returned when an execution record that already left
	// the Running state is finalised again.
	ErrFinalized = errors.New("store: execution record already finalized")
)

// ConfigStore holds collector configuration, the instance roster and the
// exclusion registry. The scheduler reads it once at the start of each run.
type ConfigStore interface {
	// UpsertCollector creates or replaces a collector definition. The
	// RunState of an existing collector is preserved.
	UpsertCollector(ctx context.Context, c types.CollectorDefinition) error
	GetCollector(ctx context.Context, name string) (types.CollectorDefinition, error)
	// ListCollectors returns all collectors ordered by Category,
	// ExecutionOrder, then Name.
	ListCollectors(ctx context.Context) ([]types.CollectorDefinition, error)
	// DeleteCollector removes a collector with its rules and queries.
	DeleteCollector(ctx context.Context, name string) error
	// UpdateRunState replaces the last-run bookkeeping of a collector.
	UpdateRunState(ctx context.Context, name string, st types.RunState) error

	ReplaceRules(ctx context.Context, collector string, rules []types.ThresholdRule) error
	ListRules(ctx context.Context, collector string) ([]types.ThresholdRule, error)
	ReplaceQueries(ctx context.Context, collector string, queries []types.VersionedQuery) error
	ListQueries(ctx context.Context, collector string) ([]types.VersionedQuery, error)

	UpsertInstance(ctx context.Context, inst types.InstanceRef) error
	DeleteInstance(ctx context.Context, name string) error
	ListInstances(ctx context.Context) ([]types.InstanceRef, error)

	UpsertExclusion(ctx context.Context, o types.ExclusionOverride) error
	DeleteExclusion(ctx context.Context, id string) error
	ListExclusions(ctx context.Context) ([]types.ExclusionOverride, error)
}

// AuditStore is the append-only execution audit log.
type AuditStore interface {
	// AppendExecution inserts a new record, normally in the Running state.
	AppendExecution(ctx context.Context, rec types.ExecutionRecord) error
	// FinalizeExecution writes the terminal state of a Running record.
	// It returns ErrFinalized if the record is already terminal.
	FinalizeExecution(ctx context.Context, rec types.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (types.ExecutionRecord, error)
	// ListExecutions returns records newest first. An empty collector
	// lists every collector; limit <= 0 means no limit.
	ListExecutions(ctx context.Context, collector string, limit int) ([]types.ExecutionRecord, error)
}

// ScoreStore holds the category snapshot and composite score time series.
type ScoreStore interface {
	AppendSnapshot(ctx context.Context, s types.CategoryScoreSnapshot) error
	// LatestSnapshots returns the most recent snapshot per category for
	// instance, keyed by category.
	LatestSnapshots(ctx context.Context, instance string) (map[string]types.CategoryScoreSnapshot, error)

	AppendComposite(ctx context.Context, c types.CompositeHealthScore) error
	// LatestComposite returns the newest composite for instance, or
	// ErrNotFound.
	LatestComposite(ctx context.Context, instance string) (types.CompositeHealthScore, error)
	// CompositeHistory returns composites computed at or after since,
	// oldest first.
	CompositeHistory(ctx context.Context, instance string, since time.Time) ([]types.CompositeHealthScore, error)

	// Prune deletes snapshots and composites older than before, always
	// keeping the latest row per (instance, category) and per instance.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence contract.
type Store interface {
	ConfigStore
	AuditStore
	ScoreStore
	Close() error
}

// sortCollectors orders collectors by Category, ExecutionOrder, Name.
func sortCollectors(cs []types.CollectorDefinition) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Category != cs[j].Category {
			return cs[i].Category < cs[j].Category
		}
		if cs[i].ExecutionOrder != cs[j].ExecutionOrder {
			return cs[i].ExecutionOrder < cs[j].ExecutionOrder
		}
		return cs[i].Name < cs[j].Name
	})
}
