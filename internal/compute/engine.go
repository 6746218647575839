package compute

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/metrics"
	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Store is the subset of store.Store the Engine reads and writes.
type Store interface {
	ListCollectors(ctx context.Context) ([]types.CollectorDefinition, error)
	LatestSnapshots(ctx context.Context, instance string) (map[string]types.CategoryScoreSnapshot, error)
	AppendComposite(ctx context.Context, c types.CompositeHealthScore) error
}

// Publisher receives InstanceScoreUpdated events.
type Publisher interface {
	Publish(ev notify.Event)
}

// Settings is the scoring policy applied on every recomputation.
type Settings struct {
	GlobalCap int
	Caps      []types.CapRule
	Buckets   []types.StatusBucket
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records composite scores into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine recomputes composite scores. Recomputations for the same instance
// are serialised; different instances proceed in parallel.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	store   Store
	pub     Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewEngine returns an Engine. pub may be nil.
func NewEngine(st Store, pub Publisher, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		pub:      pub,
		now:      time.Now,
		settings: settings,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSettings replaces the scoring policy for subsequent recomputations.
func (e *Engine) SetSettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
}

// Recompute reads the latest snapshot per enabled collector for instance,
// appends a new composite row and publishes InstanceScoreUpdated. Failures
// are returned as *types.RunError of kind AggregationError; snapshots
// already written are left untouched.
func (e *Engine) Recompute(ctx context.Context, instance string) (types.CompositeHealthScore, error) {
	lock := e.lockFor(instance)
	lock.Lock()
	defer lock.Unlock()

	collectors, err := e.store.ListCollectors(ctx)
	if err != nil {
		return types.CompositeHealthScore{}, types.Errorf(types.ErrAggregation, "list collectors: %w", err)
	}
	snaps, err := e.store.LatestSnapshots(ctx, instance)
	if err != nil {
		return types.CompositeHealthScore{}, types.Errorf(types.ErrAggregation, "latest snapshots for %s: %w", instance, err)
	}

	e.mu.RLock()
	settings := e.settings
	e.mu.RUnlock()

	in := Input{
		InstanceName: instance,
		GlobalCap:    settings.GlobalCap,
		Caps:         settings.Caps,
		Buckets:      settings.Buckets,
		Now:          e.now(),
	}
	for _, c := range collectors {
		if !c.Enabled {
			continue
		}
		cat := Category{Name: c.Name, Weight: c.Weight}
		if s, ok := snaps[c.Name]; ok {
			score := s.Score
			cat.Score = &score
		}
		in.Categories = append(in.Categories, cat)
	}

	out := Compute(in)
	if err := e.store.AppendComposite(ctx, out); err != nil {
		return types.CompositeHealthScore{}, types.Errorf(types.ErrAggregation, "save composite for %s: %w", instance, err)
	}

	slog.Debug("compute: composite updated",
		"instance", instance,
		"score", out.Score,
		"status", out.Status,
		"cap", out.GlobalCap,
	)
	e.metrics.SetComposite(instance, out.Score)
	if e.pub != nil {
		e.pub.Publish(notify.ScoreUpdated(out))
	}
	return out, nil
}

func (e *Engine) lockFor(instance string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[instance]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instance] = l
	}
	return l
}
