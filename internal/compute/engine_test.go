package compute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func seed(t *testing.T, st store.Store, collectors ...types.CollectorDefinition) {
	t.Helper()
	for _, c := range collectors {
		if err := st.UpsertCollector(context.Background(), c); err != nil {
			t.Fatalf("UpsertCollector: %v", err)
		}
	}
}

func TestEngine_Recompute(t *testing.T) {
	st := store.NewMemory()
	seed(t, st,
		types.CollectorDefinition{Name: "Backups", Enabled: true, Weight: 18},
		types.CollectorDefinition{Name: "AlwaysOn", Enabled: true, Weight: 14},
		types.CollectorDefinition{Name: "Rest", Enabled: true, Weight: 68},
		types.CollectorDefinition{Name: "Disabled", Enabled: false, Weight: 50},
	)
	ctx := context.Background()
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "Backups", CollectedAt: baseTime, Score: 80})
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "AlwaysOn", CollectedAt: baseTime, Score: 100})
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "Disabled", CollectedAt: baseTime, Score: 0})

	pub := &recordingPublisher{}
	e := NewEngine(st, pub, Settings{}, WithClock(func() time.Time { return baseTime }))

	out, err := e.Recompute(ctx, "db-1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if out.Score != 96 {
		t.Errorf("Score: got %d, want 96", out.Score)
	}
	if _, ok := out.CategoryScores["Disabled"]; ok {
		t.Error("disabled collector included in composite")
	}
	if !out.ComputedAt.Equal(baseTime) {
		t.Errorf("ComputedAt: got %v", out.ComputedAt)
	}

	latest, err := st.LatestComposite(ctx, "db-1")
	if err != nil {
		t.Fatalf("LatestComposite: %v", err)
	}
	if latest.Score != 96 {
		t.Errorf("stored Score: got %d, want 96", latest.Score)
	}
	if pub.count() != 1 {
		t.Fatalf("events: got %d, want 1", pub.count())
	}
	d := pub.events[0].Data.(notify.InstanceScoreUpdated)
	if d.InstanceName != "db-1" || d.Score != 96 || d.Status != "Optimal" {
		t.Errorf("event: got %+v", d)
	}
}

func TestEngine_RecomputeAppendsHistory(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, types.CollectorDefinition{Name: "cpu", Enabled: true, Weight: 100})
	ctx := context.Background()

	clock := baseTime
	e := NewEngine(st, nil, Settings{}, WithClock(func() time.Time { return clock }))

	first, _ := e.Recompute(ctx, "db-1")
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "cpu", CollectedAt: baseTime, Score: 40})
	clock = clock.Add(time.Minute)
	second, _ := e.Recompute(ctx, "db-1")

	if first.Score != 100 || second.Score != 40 {
		t.Fatalf("scores: got %d then %d, want 100 then 40", first.Score, second.Score)
	}
	hist, _ := st.CompositeHistory(ctx, "db-1", time.Time{})
	if len(hist) != 2 || hist[0].Score != 100 {
		t.Errorf("history rewritten: %+v", hist)
	}
}

func TestEngine_Idempotent(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, types.CollectorDefinition{Name: "cpu", Enabled: true, Weight: 60}, types.CollectorDefinition{Name: "mem", Enabled: true, Weight: 40})
	ctx := context.Background()
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "cpu", CollectedAt: baseTime, Score: 55})

	e := NewEngine(st, nil, Settings{Caps: []types.CapRule{{Name: "cpu-low", Category: "cpu", Operator: types.OpLess, Threshold: 60, Cap: 70}}})
	a, _ := e.Recompute(ctx, "db-1")
	b, _ := e.Recompute(ctx, "db-1")
	if a.Score != b.Score || a.Status != b.Status || a.GlobalCap != b.GlobalCap || len(a.AppliedCaps) != len(b.AppliedCaps) {
		t.Errorf("recompute not idempotent: %+v vs %+v", a, b)
	}
	if a.Score != 70 {
		t.Errorf("Score: got %d, want 70", a.Score)
	}
}

func TestEngine_SetSettings(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, types.CollectorDefinition{Name: "cpu", Enabled: true, Weight: 100})
	e := NewEngine(st, nil, Settings{})

	e.SetSettings(Settings{GlobalCap: 80, Buckets: []types.StatusBucket{{Label: "Fine", MinScore: 80}}})
	out, err := e.Recompute(context.Background(), "db-1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if out.Score != 80 || out.Status != "Fine" {
		t.Errorf("got %d %q, want 80 Fine", out.Score, out.Status)
	}
}

type failingStore struct {
	*store.Memory
	appendErr error
}

func (f failingStore) AppendComposite(context.Context, types.CompositeHealthScore) error {
	return f.appendErr
}

func TestEngine_AppendFailureIsAggregationError(t *testing.T) {
	st := failingStore{Memory: store.NewMemory(), appendErr: errors.New("disk full")}
	pub := &recordingPublisher{}
	e := NewEngine(st, pub, Settings{})

	_, err := e.Recompute(context.Background(), "db-1")
	var re *types.RunError
	if !errors.As(err, &re) || re.Kind != types.ErrAggregation {
		t.Fatalf("err: got %v, want AggregationError", err)
	}
	if pub.count() != 0 {
		t.Error("event published for a failed recompute")
	}
}

// serialStore counts concurrent LatestSnapshots calls per instance.
type serialStore struct {
	*store.Memory
	mu      sync.Mutex
	active  map[string]int
	maxSeen int
}

func (s *serialStore) LatestSnapshots(ctx context.Context, instance string) (map[string]types.CategoryScoreSnapshot, error) {
	s.mu.Lock()
	s.active[instance]++
	if s.active[instance] > s.maxSeen {
		s.maxSeen = s.active[instance]
	}
	s.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	s.mu.Lock()
	s.active[instance]--
	s.mu.Unlock()
	return s.Memory.LatestSnapshots(ctx, instance)
}

func TestEngine_SerialisesPerInstance(t *testing.T) {
	st := &serialStore{Memory: store.NewMemory(), active: make(map[string]int)}
	e := NewEngine(st, nil, Settings{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Recompute(context.Background(), "db-1"); err != nil {
				t.Errorf("Recompute: %v", err)
			}
		}()
	}
	wg.Wait()

	if st.maxSeen != 1 {
		t.Errorf("max concurrent recomputations for one instance: got %d, want 1", st.maxSeen)
	}
	hist, _ := st.CompositeHistory(context.Background(), "db-1", time.Time{})
	if len(hist) != 20 {
		t.Errorf("history: got %d rows, want 20", len(hist))
	}
}
