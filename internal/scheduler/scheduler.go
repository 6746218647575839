package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetpulse/fleetpulse/internal/audit"
	"github.com/fleetpulse/fleetpulse/internal/exclusion"
	"github.com/fleetpulse/fleetpulse/internal/executor"
	"github.com/fleetpulse/fleetpulse/internal/metrics"
	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/internal/source"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

var (
	// ErrAlreadyRunning is returned when a collector already has a run in
	// flight.
	ErrAlreadyRunning = errors.New("scheduler: collector run already in progress")
	// ErrUnknownCollector is returned for a collector name not in the store.
	ErrUnknownCollector = errors.New("scheduler: unknown collector")
	// ErrStopped is returned for runs requested after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// ConfigReader is the part of the store a run snapshots its configuration
// from, plus the bookkeeping write at the end of a run.
type ConfigReader interface {
	GetCollector(ctx context.Context, name string) (types.CollectorDefinition, error)
	ListCollectors(ctx context.Context) ([]types.CollectorDefinition, error)
	ListInstances(ctx context.Context) ([]types.InstanceRef, error)
	ListRules(ctx context.Context, collector string) ([]types.ThresholdRule, error)
	ListQueries(ctx context.Context, collector string) ([]types.VersionedQuery, error)
	UpdateRunState(ctx context.Context, name string, st types.RunState) error
}

// Runner executes one collector job.
type Runner interface {
	Run(ctx context.Context, job executor.Job) *executor.Result
}

// Adapters resolves a collector's Source to an adapter.
type Adapters interface {
	Get(name string) (source.Adapter, bool)
}

// Exclusions returns the overrides in effect now.
type Exclusions interface {
	Snapshot(ctx context.Context) (exclusion.Set, error)
}

// Auditor opens and closes execution records.
type Auditor interface {
	Begin(ctx context.Context, collector string, trigger types.TriggerKind, triggeredBy string) (types.ExecutionRecord, error)
	Finish(ctx context.Context, rec types.ExecutionRecord, status types.RunStatus, counts types.RunCounts, summary string) (types.ExecutionRecord, error)
}

// Aggregator recomputes an instance's composite score.
type Aggregator interface {
	Recompute(ctx context.Context, instance string) (types.CompositeHealthScore, error)
}

// Publisher receives run events.
type Publisher interface {
	Publish(ev notify.Event)
}

// Deps are the collaborators a Scheduler drives. Events and Metrics may be
// nil.
type Deps struct {
	Store      ConfigReader
	Runner     Runner
	Adapters   Adapters
	Exclusions Exclusions
	Audit      Auditor
	Aggregator Aggregator
	Events     Publisher
	Metrics    *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now for run bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type entry struct {
	id       cron.EntryID
	interval time.Duration
}

type run struct {
	executionID string
	cancel      context.CancelFunc
}

// Scheduler owns the cron entries and the in-flight run of every collector.
type Scheduler struct {
	deps Deps
	cron *cron.Cron
	now  func() time.Time

	mu      sync.Mutex
	stopped bool
	base    context.Context
	entries map[string]entry
	running map[string]*run

	wg sync.WaitGroup
}

// New returns a stopped Scheduler.
func New(d Deps, opts ...Option) *Scheduler {
	s := &Scheduler{
		deps:    d,
		cron:    cron.New(),
		now:     time.Now,
		base:    context.Background(),
		entries: make(map[string]entry),
		running: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the collectors, schedules them and starts the cron loop.
// Runs started afterwards are cancelled when ctx is.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("scheduler: started", "collectors", len(s.Scheduled()))
	return nil
}

// Stop halts the cron loop, cancels in-flight runs and waits for them to be
// finalised or for ctx to expire. Runs requested afterwards fail with
// ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()

	s.mu.Lock()
	s.stopped = true
	for _, r := range s.running {
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler: stopped")
	case <-ctx.Done():
		slog.Warn("scheduler: stop timed out with runs in flight")
	}
}

// Sync reconciles cron entries with the collectors in the store: enabled
// collectors are added or rescheduled when their interval changed, and
// entries of disabled or deleted collectors are removed. In-flight runs
// are not affected.
func (s *Scheduler) Sync(ctx context.Context) error {
	collectors, err := s.deps.Store.ListCollectors(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list collectors: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]time.Duration, len(collectors))
	for _, c := range collectors {
		if c.Enabled {
			want[c.Name] = c.EffectiveInterval()
		}
	}

	for name, e := range s.entries {
		if iv, ok := want[name]; !ok || iv != e.interval {
			s.cron.Remove(e.id)
			delete(s.entries, name)
			if !ok {
				slog.Info("scheduler: collector unscheduled", "collector", name)
			}
		}
	}
	for name, iv := range want {
		if _, ok := s.entries[name]; ok {
			continue
		}
		id := s.cron.Schedule(cron.Every(iv), cron.FuncJob(func() { s.tick(name) }))
		s.entries[name] = entry{id: id, interval: iv}
		slog.Info("scheduler: collector scheduled", "collector", name, "interval", iv)
	}
	return nil
}

// Scheduled returns the names of collectors with a cron entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Running reports whether collector has a run in flight.
func (s *Scheduler) Running(collector string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[collector]
	return ok
}

// TriggerRun starts a manual run of collector in the background. It
// returns the new execution ID once the audit record exists. A collector
// that is already running is refused with ErrAlreadyRunning.
func (s *Scheduler) TriggerRun(ctx context.Context, collector, triggeredBy string) (bool, string, error) {
	rec, runCtx, err := s.begin(ctx, collector, types.TriggerManual, triggeredBy)
	if err != nil {
		return false, "", err
	}
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, rec)
	}()
	return true, rec.ID, nil
}

// RunNow runs collector synchronously and returns the finalised record.
func (s *Scheduler) RunNow(ctx context.Context, collector string, trigger types.TriggerKind, triggeredBy string) (types.ExecutionRecord, error) {
	rec, runCtx, err := s.begin(ctx, collector, trigger, triggeredBy)
	if err != nil {
		return types.ExecutionRecord{}, err
	}
	defer s.wg.Done()
	return s.execute(runCtx, rec), nil
}

// Cancel asks collector's in-flight run to stop dispatching instances. It
// reports whether a run was found.
func (s *Scheduler) Cancel(collector string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[collector]
	if ok {
		slog.Info("scheduler: run cancel requested", "collector", collector, "execution_id", r.executionID)
		r.cancel()
	}
	return ok
}

func (s *Scheduler) tick(collector string) {
	c, err := s.deps.Store.GetCollector(s.baseContext(), collector)
	if err != nil {
		slog.Warn("scheduler: tick for unknown collector", "collector", collector, "err", err)
		return
	}
	if !c.Enabled {
		return
	}
	rec, runCtx, err := s.begin(s.baseContext(), collector, types.TriggerScheduled, "scheduler")
	if errors.Is(err, ErrAlreadyRunning) {
		slog.Warn("scheduler: tick dropped, run in progress", "collector", collector)
		s.deps.Metrics.TickDropped(collector)
		return
	}
	if errors.Is(err, ErrStopped) {
		return
	}
	if err != nil {
		slog.Error("scheduler: scheduled run not started", "collector", collector, "err", err)
		return
	}
	defer s.wg.Done()
	s.execute(runCtx, rec)
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// begin claims collector and opens its audit record. The returned context
// is cancelled by Cancel, Stop, or when the run ends. On success the run is
// counted in s.wg and the caller must call s.wg.Done once it finishes.
func (s *Scheduler) begin(ctx context.Context, collector string, trigger types.TriggerKind, by string) (types.ExecutionRecord, context.Context, error) {
	if _, err := s.deps.Store.GetCollector(ctx, collector); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.ExecutionRecord{}, nil, fmt.Errorf("%w: %s", ErrUnknownCollector, collector)
		}
		return types.ExecutionRecord{}, nil, fmt.Errorf("scheduler: load collector %s: %w", collector, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return types.ExecutionRecord{}, nil, ErrStopped
	}
	if _, busy := s.running[collector]; busy {
		s.mu.Unlock()
		return types.ExecutionRecord{}, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, collector)
	}
	runCtx, cancel := context.WithCancel(s.base)
	r := &run{cancel: cancel}
	s.running[collector] = r
	s.wg.Add(1)
	s.mu.Unlock()

	rec, err := s.deps.Audit.Begin(ctx, collector, trigger, by)
	if err != nil {
		s.release(collector)
		s.wg.Done()
		return types.ExecutionRecord{}, nil, fmt.Errorf("scheduler: open execution record: %w", err)
	}

	s.mu.Lock()
	r.executionID = rec.ID
	s.mu.Unlock()

	slog.Info("scheduler: run started",
		"collector", collector,
		"execution_id", rec.ID,
		"trigger", trigger,
	)
	return rec, runCtx, nil
}

func (s *Scheduler) release(collector string) {
	s.mu.Lock()
	if r, ok := s.running[collector]; ok {
		r.cancel()
		delete(s.running, collector)
	}
	s.mu.Unlock()
}

// execute runs an opened record to completion. It never panics and always
// finalises rec.
func (s *Scheduler) execute(ctx context.Context, rec types.ExecutionRecord) types.ExecutionRecord {
	name := rec.CollectorName
	defer s.release(name)

	// Finalisation must happen even when the run was cancelled.
	detached := context.WithoutCancel(ctx)
	start := s.now()

	var (
		res  *executor.Result
		prev types.RunState
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("scheduler: run panicked", "collector", name, "panic", p)
				res = &executor.Result{Status: types.RunFailed, Err: fmt.Errorf("run panicked: %v", p)}
			}
		}()
		job, err := s.snapshot(ctx, name)
		prev = job.Collector.RunState
		if err != nil {
			res = &executor.Result{Status: types.RunFailed, Err: err}
			return
		}
		res = s.deps.Runner.Run(ctx, job)
	}()

	summary := audit.Summarize(res.Outcomes)
	if res.Err != nil {
		summary = res.Err.Error()
	}

	final, err := s.deps.Audit.Finish(detached, rec, res.Status, res.Counts, summary)
	if err != nil {
		slog.Error("scheduler: finalise execution record", "collector", name, "execution_id", rec.ID, "err", err)
		final = rec
		final.Status = res.Status
		final.RunCounts = res.Counts
		final.ErrorSummary = summary
		final.EndedAt = s.now()
	}

	var aggErrs []string
	for _, inst := range res.Scored() {
		if _, err := s.deps.Aggregator.Recompute(detached, inst); err != nil {
			slog.Error("scheduler: recompute composite", "collector", name, "instance", inst, "err", err)
			s.deps.Metrics.RecomputeFailed()
			aggErrs = append(aggErrs, inst+": "+err.Error())
		}
	}
	s.bookkeeping(detached, name, prev, start, res.Status, res.Counts, summary, aggErrs)

	s.deps.Metrics.ObserveRun(name, string(final.Status), s.now().Sub(start))
	if s.deps.Events != nil {
		s.deps.Events.Publish(notify.RunCompleted(final))
	}
	slog.Info("scheduler: run finished",
		"collector", name,
		"execution_id", final.ID,
		"status", final.Status,
		"duration", s.now().Sub(start),
	)
	return final
}

// snapshot reads everything a run needs from the store at once, so a
// configuration refresh mid-run does not affect it.
func (s *Scheduler) snapshot(ctx context.Context, name string) (executor.Job, error) {
	var job executor.Job
	c, err := s.deps.Store.GetCollector(ctx, name)
	if err != nil {
		return job, types.Errorf(types.ErrPrecondition, "load collector %s: %w", name, err)
	}
	job.Collector = c

	if job.Instances, err = s.deps.Store.ListInstances(ctx); err != nil {
		return job, types.Errorf(types.ErrPrecondition, "list instances: %w", err)
	}
	if job.Rules, err = s.deps.Store.ListRules(ctx, name); err != nil {
		return job, types.Errorf(types.ErrPrecondition, "list rules: %w", err)
	}
	if job.Queries, err = s.deps.Store.ListQueries(ctx, name); err != nil {
		return job, types.Errorf(types.ErrPrecondition, "list queries: %w", err)
	}
	if s.deps.Exclusions != nil {
		set, err := s.deps.Exclusions.Snapshot(ctx)
		if err != nil {
			return job, types.Errorf(types.ErrPrecondition, "load exclusions: %w", err)
		}
		job.Exclusions = set
		slog.Debug("scheduler: exclusions loaded", "collector", name, "active", set.Len(), "at", set.At())
	}
	if a, ok := s.deps.Adapters.Get(c.Source); ok {
		job.Adapter = a
	}
	return job, nil
}

// bookkeeping writes the collector's last-run fields. A clean run clears
// LastError but keeps LastErrorAt. Failed recomputes count as errors even
// when the run itself completed.
func (s *Scheduler) bookkeeping(ctx context.Context, name string, prev types.RunState, start time.Time, status types.RunStatus, counts types.RunCounts, summary string, aggErrs []string) {
	end := s.now()
	st := types.RunState{
		LastRunAt:              start,
		LastDuration:           end.Sub(start),
		LastInstancesProcessed: counts.Attempted + counts.Skipped,
		LastErrorAt:            prev.LastErrorAt,
	}
	var msgs []string
	if status != types.RunCompleted || counts.Failed > 0 {
		if summary == "" {
			summary = "run " + string(status)
		}
		msgs = append(msgs, summary)
	}
	msgs = append(msgs, aggErrs...)
	if len(msgs) > 0 {
		st.LastError = strings.Join(msgs, "; ")
		st.LastErrorAt = end
	}
	if err := s.deps.Store.UpdateRunState(ctx, name, st); err != nil {
		slog.Error("scheduler: update run state", "collector", name, "err", err)
	}
}
