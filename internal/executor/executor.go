package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetpulse/fleetpulse/internal/metrics"
	"github.com/fleetpulse/fleetpulse/internal/source"
	"github.com/fleetpulse/fleetpulse/internal/threshold"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// DefaultTimeout applies when a collector has no per-instance timeout.
const DefaultTimeout = 30 * time.Second

// SnapshotStore is where category scores are appended.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, s types.CategoryScoreSnapshot) error
}

// Exclusions answers whether an instance is exempt from a check.
// exclusion.Set implements it.
type Exclusions interface {
	Lookup(collector, exceptionType, instance string) (types.ExclusionOverride, bool)
}

// Job is the configuration snapshot one run works from.
type Job struct {
	Collector  types.CollectorDefinition
	Instances  []types.InstanceRef
	Rules      []types.ThresholdRule
	Queries    []types.VersionedQuery
	Exclusions Exclusions
	Adapter    source.Adapter
}

// Result is the structured outcome of a run.
type Result struct {
	Status   types.RunStatus
	Counts   types.RunCounts
	Outcomes []types.InstanceOutcome

	// Err is set when a precondition failed and no instance was processed.
	Err error
}

// Scored returns the instances that received a new snapshot.
func (r *Result) Scored() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == types.OutcomeSuccess {
			out = append(out, o.InstanceName)
		}
	}
	return out
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides time.Now for snapshot timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithMetrics records per-instance outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// Executor runs collector jobs. It holds no per-run state and is safe for
// concurrent use by different collectors.
type Executor struct {
	store   SnapshotStore
	now     func() time.Time
	metrics *metrics.Metrics
}

// New returns an Executor appending snapshots to st.
func New(st SnapshotStore, opts ...Option) *Executor {
	e := &Executor{store: st, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes job. It never panics and never returns nil.
func (e *Executor) Run(ctx context.Context, job Job) *Result {
	c := job.Collector
	if err := preconditions(job); err != nil {
		slog.Warn("executor: precondition failed", "collector", c.Name, "err", err)
		return &Result{Status: types.RunFailed, Err: err}
	}
	eligible := eligibleInstances(job.Instances)

	outcomes := make([]types.InstanceOutcome, len(eligible))
	started := make([]bool, len(eligible))

	// In-flight instances outlive run cancellation; only dispatch stops.
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.EffectiveParallelism())
	for i, inst := range eligible {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			started[i] = true
			outcomes[i] = e.runInstance(detached, job, inst)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{}
	cancelled := false
	for i := range eligible {
		if !started[i] {
			cancelled = true
			continue
		}
		o := outcomes[i]
		switch o.Status {
		case types.OutcomeSuccess:
			res.Counts.Succeeded++
		case types.OutcomeError:
			res.Counts.Failed++
		case types.OutcomeSkipped:
			res.Counts.Skipped++
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	res.Counts.Attempted = res.Counts.Succeeded + res.Counts.Failed
	sort.Slice(res.Outcomes, func(i, j int) bool {
		return res.Outcomes[i].InstanceName < res.Outcomes[j].InstanceName
	})

	switch {
	case cancelled:
		res.Status = types.RunCancelled
	case res.Counts.Attempted > 0 && res.Counts.Succeeded == 0:
		res.Status = types.RunFailed
	default:
		res.Status = types.RunCompleted
	}

	slog.Info("executor: run finished",
		"collector", c.Name,
		"status", res.Status,
		"succeeded", res.Counts.Succeeded,
		"failed", res.Counts.Failed,
		"skipped", res.Counts.Skipped,
		"not_started", len(eligible)-len(res.Outcomes),
	)
	return res
}

func preconditions(job Job) error {
	c := job.Collector
	switch {
	case !c.Enabled:
		return types.Errorf(types.ErrPrecondition, "collector %s is disabled", c.Name)
	case job.Adapter == nil:
		return types.Errorf(types.ErrPrecondition, "collector %s: no adapter for source %q", c.Name, c.Source)
	case len(eligibleInstances(job.Instances)) == 0:
		return types.Errorf(types.ErrPrecondition, "collector %s: no eligible instances", c.Name)
	}
	return nil
}

func eligibleInstances(all []types.InstanceRef) []types.InstanceRef {
	out := make([]types.InstanceRef, 0, len(all))
	for _, inst := range all {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// runInstance processes one instance and always returns an outcome.
func (e *Executor) runInstance(ctx context.Context, job Job, inst types.InstanceRef) types.InstanceOutcome {
	c := job.Collector
	start := e.now()
	out := types.InstanceOutcome{InstanceName: inst.Name}
	finish := func(status types.OutcomeStatus, err error) types.InstanceOutcome {
		out.Status = status
		out.Duration = e.now().Sub(start)
		if err != nil {
			out.ErrorKind = source.Classify(err)
			out.Message = err.Error()
			slog.Warn("executor: instance failed",
				"collector", c.Name,
				"instance", inst.Name,
				"kind", out.ErrorKind,
				"err", err,
			)
		}
		e.metrics.ObserveOutcome(c.Name, string(out.Status), string(out.ErrorKind))
		return out
	}

	if job.Exclusions != nil {
		if o, ok := job.Exclusions.Lookup(c.Name, c.EffectiveExceptionType(), inst.Name); ok {
			out.Message = fmt.Sprintf("excluded by override %s", o.ID)
			if o.Reason != "" {
				out.Message += ": " + o.Reason
			}
			return finish(types.OutcomeSkipped, nil)
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	instCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version := inst.Version
	if version == 0 {
		if d, ok := job.Adapter.(source.VersionDetector); ok {
			v, err := withDeadline(instCtx, func(ctx context.Context) (int, error) {
				return d.DetectVersion(ctx, inst)
			})
			if err != nil {
				return finish(types.OutcomeError, fmt.Errorf("detect version: %w", err))
			}
			version = v
		}
	}

	q, ok := SelectQuery(job.Queries, version)
	if !ok {
		return finish(types.OutcomeError, types.Errorf(types.ErrConfiguration,
			"no active query compatible with version %s", types.FormatVersion(version)))
	}
	out.QueryID = q.ID

	raw, err := withDeadline(instCtx, func(ctx context.Context) (types.RawMetrics, error) {
		return job.Adapter.Fetch(ctx, inst, q)
	})
	if err != nil {
		return finish(types.OutcomeError, err)
	}

	score, matched := threshold.EvaluateMetrics(job.Rules, raw)
	out.Score = score

	snap := types.CategoryScoreSnapshot{
		InstanceName: inst.Name,
		Category:     c.Name,
		CollectedAt:  e.now(),
		Score:        score,
		Metrics:      raw.Float(),
	}
	if matched != nil {
		snap.RuleName = matched.Name
	}
	if err := e.store.AppendSnapshot(ctx, snap); err != nil {
		return finish(types.OutcomeError, types.Errorf(types.ErrAggregation, "save snapshot: %w", err))
	}

	slog.Debug("executor: instance scored",
		"collector", c.Name,
		"instance", inst.Name,
		"score", score,
		"rule", snap.RuleName,
	)
	return finish(types.OutcomeSuccess, nil)
}

// SelectQuery returns the active query compatible with version that has the
// lowest Priority number. Ties keep input order.
func SelectQuery(queries []types.VersionedQuery, version int) (types.VersionedQuery, bool) {
	var best types.VersionedQuery
	found := false
	for _, q := range queries {
		if !q.Active || !q.Compatible(version) {
			continue
		}
		if !found || q.Priority < best.Priority {
			best = q
			found = true
		}
	}
	return best, found
}

// withDeadline runs fn and returns when it finishes or ctx expires,
// whichever is first, so an adapter that ignores its context cannot stall
// the pool. A panic in fn becomes a QueryError.
func withDeadline[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				ch <- result{zero, types.Errorf(types.ErrQuery, "adapter panic: %v", p)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, types.Errorf(types.ErrTimeout, "deadline exceeded: %w", ctx.Err())
	}
}
