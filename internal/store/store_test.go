package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// Every Store implementation runs the same behavioural suite.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, st Store)
	}{
		{"CollectorUpsertPreservesRunState", testCollectorUpsertPreservesRunState},
		{"CollectorListOrder", testCollectorListOrder},
		{"CollectorDeleteCascades", testCollectorDeleteCascades},
		{"RulesReplace", testRulesReplace},
		{"QueriesKeepOrder", testQueriesKeepOrder},
		{"Instances", testInstances},
		{"Exclusions", testExclusions},
		{"ExecutionLifecycle", testExecutionLifecycle},
		{"ListExecutions", testListExecutions},
		{"LatestSnapshots", testLatestSnapshots},
		{"Composites", testComposites},
		{"Prune", testPrune},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			tc.fn(t, st)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCollectorUpsertPreservesRunState(t *testing.T, st Store) {
	ctx := context.Background()
	c := types.CollectorDefinition{Name: "cpu", Enabled: true, Interval: time.Minute, Weight: 40, Category: "performance", Source: "prometheus"}
	if err := st.UpsertCollector(ctx, c); err != nil {
		t.Fatalf("UpsertCollector: %v", err)
	}
	rs := types.RunState{LastRunAt: base, LastDuration: 2 * time.Second, LastInstancesProcessed: 3}
	if err := st.UpdateRunState(ctx, "cpu", rs); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	c.Weight = 50
	if err := st.UpsertCollector(ctx, c); err != nil {
		t.Fatalf("UpsertCollector (2): %v", err)
	}
	got, err := st.GetCollector(ctx, "cpu")
	if err != nil {
		t.Fatalf("GetCollector: %v", err)
	}
	if got.Weight != 50 {
		t.Errorf("Weight: got %d, want 50", got.Weight)
	}
	if !got.LastRunAt.Equal(base) || got.LastInstancesProcessed != 3 || got.LastDuration != 2*time.Second {
		t.Errorf("RunState not preserved: %+v", got.RunState)
	}
	if got.Interval != time.Minute {
		t.Errorf("Interval: got %v, want 1m", got.Interval)
	}

	if err := st.UpdateRunState(ctx, "missing", rs); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunState(missing): got %v, want ErrNotFound", err)
	}
	if _, err := st.GetCollector(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCollector(missing): got %v, want ErrNotFound", err)
	}
}

func testCollectorListOrder(t *testing.T, st Store) {
	ctx := context.Background()
	for _, c := range []types.CollectorDefinition{
		{Name: "zeta", ExecutionOrder: 1},
		{Name: "alpha", ExecutionOrder: 2},
		{Name: "beta", ExecutionOrder: 1},
	} {
		if err := st.UpsertCollector(ctx, c); err != nil {
			t.Fatalf("UpsertCollector %s: %v", c.Name, err)
		}
	}
	got, err := st.ListCollectors(ctx)
	if err != nil {
		t.Fatalf("ListCollectors: %v", err)
	}
	want := []string{"beta", "zeta", "alpha"}
	if len(got) != len(want) {
		t.Fatalf("len: got %d, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("[%d]: got %q, want %q", i, got[i].Name, name)
		}
	}
}

func testCollectorDeleteCascades(t *testing.T, st Store) {
	ctx := context.Background()
	_ = st.UpsertCollector(ctx, types.CollectorDefinition{Name: "cpu"})
	_ = st.ReplaceRules(ctx, "cpu", []types.ThresholdRule{{ID: "r1", Name: "hot", Value: decimal.NewFromInt(90), Operator: types.OpGreater, Action: types.ActionScore, Active: true}})
	_ = st.ReplaceQueries(ctx, "cpu", []types.VersionedQuery{{ID: "q1", Text: "cpu_usage", Active: true}})

	if err := st.DeleteCollector(ctx, "cpu"); err != nil {
		t.Fatalf("DeleteCollector: %v", err)
	}
	if rules, _ := st.ListRules(ctx, "cpu"); len(rules) != 0 {
		t.Errorf("rules after delete: got %d, want 0", len(rules))
	}
	if qs, _ := st.ListQueries(ctx, "cpu"); len(qs) != 0 {
		t.Errorf("queries after delete: got %d, want 0", len(qs))
	}
	if err := st.DeleteCollector(ctx, "cpu"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func testRulesReplace(t *testing.T, st Store) {
	ctx := context.Background()
	first := []types.ThresholdRule{
		{ID: "a", Name: "a", Value: decimal.RequireFromString("0.1"), Operator: types.OpGreater, Action: types.ActionScore, ResultingScore: 50, Order: 1, Active: true},
		{ID: "b", Name: "b", Value: decimal.RequireFromString("90.5"), Operator: types.OpGreaterEqual, Action: types.ActionCap, ResultingScore: 60, Order: 2, Active: true},
	}
	if err := st.ReplaceRules(ctx, "cpu", first); err != nil {
		t.Fatalf("ReplaceRules: %v", err)
	}
	if err := st.ReplaceRules(ctx, "cpu", first[1:]); err != nil {
		t.Fatalf("ReplaceRules (2): %v", err)
	}
	got, err := st.ListRules(ctx, "cpu")
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("ListRules: got %+v, want only b", got)
	}
	if !got[0].Value.Equal(decimal.RequireFromString("90.5")) {
		t.Errorf("Value: got %s, want 90.5", got[0].Value)
	}
	if got[0].Action != types.ActionCap || got[0].Operator != types.OpGreaterEqual {
		t.Errorf("Action/Operator: got %s/%s", got[0].Action, got[0].Operator)
	}
}

func testQueriesKeepOrder(t *testing.T, st Store) {
	ctx := context.Background()
	ids := []string{"q3", "q1", "q5", "q2", "q4"}
	var qs []types.VersionedQuery
	for _, id := range ids {
		qs = append(qs, types.VersionedQuery{ID: id, Priority: 1, Active: true, Text: "SELECT 1"})
	}
	if err := st.ReplaceQueries(ctx, "cpu", qs); err != nil {
		t.Fatalf("ReplaceQueries: %v", err)
	}
	got, err := st.ListQueries(ctx, "cpu")
	if err != nil {
		t.Fatalf("ListQueries: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("ListQueries: got %d queries, want %d", len(got), len(ids))
	}
	for i, q := range got {
		if q.ID != ids[i] {
			t.Errorf("query %d: got %s, want %s", i, q.ID, ids[i])
		}
	}
}

func testInstances(t *testing.T, st Store) {
	ctx := context.Background()
	inst := types.InstanceRef{Name: "db-1", Engine: "mysql", Version: 80036, Enabled: true, Labels: map[string]string{"env": "prod"}}
	if err := st.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	inst.Labels["env"] = "mutated"

	got, err := st.ListInstances(ctx)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 1 || got[0].Version != 80036 {
		t.Fatalf("ListInstances: got %+v", got)
	}
	if got[0].Labels["env"] != "prod" {
		t.Errorf("labels aliased caller map: got %q", got[0].Labels["env"])
	}
	if err := st.DeleteInstance(ctx, "db-1"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if err := st.DeleteInstance(ctx, "db-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteInstance: got %v, want ErrNotFound", err)
	}
}

func testExclusions(t *testing.T, st Store) {
	ctx := context.Background()
	exp := base.Add(time.Hour)
	o := types.ExclusionOverride{ID: "x1", CollectorName: "cpu", ExceptionType: "maintenance", InstanceName: "db-1", Active: true, ExpiresAt: &exp, CreatedAt: base}
	if err := st.UpsertExclusion(ctx, o); err != nil {
		t.Fatalf("UpsertExclusion: %v", err)
	}
	got, err := st.ListExclusions(ctx)
	if err != nil {
		t.Fatalf("ListExclusions: %v", err)
	}
	if len(got) != 1 || got[0].ExpiresAt == nil || !got[0].ExpiresAt.Equal(exp) {
		t.Fatalf("ListExclusions: got %+v", got)
	}
	if err := st.DeleteExclusion(ctx, "x1"); err != nil {
		t.Fatalf("DeleteExclusion: %v", err)
	}
	if err := st.DeleteExclusion(ctx, "x1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteExclusion: got %v, want ErrNotFound", err)
	}
}

func testExecutionLifecycle(t *testing.T, st Store) {
	ctx := context.Background()
	rec := types.ExecutionRecord{ID: "run-1", CollectorName: "cpu", StartedAt: base, Status: types.RunRunning, Trigger: types.TriggerManual, TriggeredBy: "ops"}
	if err := st.AppendExecution(ctx, rec); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}

	rec.Status = types.RunCompleted
	rec.EndedAt = base.Add(3 * time.Second)
	rec.RunCounts = types.RunCounts{Attempted: 2, Succeeded: 1, Failed: 1}
	if err := st.FinalizeExecution(ctx, rec); err != nil {
		t.Fatalf("FinalizeExecution: %v", err)
	}
	got, err := st.GetExecution(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != types.RunCompleted || got.Failed != 1 || got.Duration() != 3*time.Second {
		t.Errorf("GetExecution: got %+v", got)
	}
	if got.TriggeredBy != "ops" {
		t.Errorf("TriggeredBy: got %q, want ops", got.TriggeredBy)
	}

	rec.Status = types.RunFailed
	if err := st.FinalizeExecution(ctx, rec); !errors.Is(err, ErrFinalized) {
		t.Errorf("second finalize: got %v, want ErrFinalized", err)
	}
	rec.ID = "nope"
	if err := st.FinalizeExecution(ctx, rec); !errors.Is(err, ErrNotFound) {
		t.Errorf("finalize unknown: got %v, want ErrNotFound", err)
	}
}

func testListExecutions(t *testing.T, st Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		coll := "cpu"
		if i%2 == 1 {
			coll = "mem"
		}
		rec := types.ExecutionRecord{ID: fmt.Sprintf("r%d", i), CollectorName: coll, StartedAt: base.Add(time.Duration(i) * time.Minute), Status: types.RunRunning}
		if err := st.AppendExecution(ctx, rec); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}
	all, _ := st.ListExecutions(ctx, "", 0)
	if len(all) != 5 || all[0].ID != "r4" {
		t.Fatalf("ListExecutions(all): got %d rows, first %q", len(all), all[0].ID)
	}
	cpu, _ := st.ListExecutions(ctx, "cpu", 2)
	if len(cpu) != 2 || cpu[0].ID != "r4" || cpu[1].ID != "r2" {
		t.Errorf("ListExecutions(cpu, 2): got %+v", cpu)
	}
}

func testLatestSnapshots(t *testing.T, st Store) {
	ctx := context.Background()
	rows := []types.CategoryScoreSnapshot{
		{InstanceName: "db-1", Category: "cpu", CollectedAt: base, Score: 90},
		{InstanceName: "db-1", Category: "cpu", CollectedAt: base.Add(time.Minute), Score: 40, RuleName: "hot", Metrics: map[string]float64{"value": 92}},
		{InstanceName: "db-1", Category: "memory", CollectedAt: base, Score: 100},
		{InstanceName: "db-2", Category: "cpu", CollectedAt: base.Add(time.Hour), Score: 10},
	}
	for _, s := range rows {
		if err := st.AppendSnapshot(ctx, s); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
	got, err := st.LatestSnapshots(ctx, "db-1")
	if err != nil {
		t.Fatalf("LatestSnapshots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("categories: got %d, want 2", len(got))
	}
	if got["cpu"].Score != 40 || got["cpu"].RuleName != "hot" || got["cpu"].Metrics["value"] != 92 {
		t.Errorf("cpu: got %+v", got["cpu"])
	}
	if got["memory"].Score != 100 {
		t.Errorf("memory: got %d, want 100", got["memory"].Score)
	}
	empty, err := st.LatestSnapshots(ctx, "unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown instance: got %v, %v", empty, err)
	}
}

func testComposites(t *testing.T, st Store) {
	ctx := context.Background()
	if _, err := st.LatestComposite(ctx, "db-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestComposite(empty): got %v, want ErrNotFound", err)
	}
	for i, score := range []int{80, 96, 70} {
		c := types.CompositeHealthScore{
			InstanceName:   "db-1",
			ComputedAt:     base.Add(time.Duration(i) * time.Minute),
			Score:          score,
			Status:         "Optimal",
			GlobalCap:      100,
			CategoryScores: map[string]int{"cpu": score},
			Contributions:  map[string]int{"cpu": score},
		}
		if err := st.AppendComposite(ctx, c); err != nil {
			t.Fatalf("AppendComposite: %v", err)
		}
	}
	latest, err := st.LatestComposite(ctx, "db-1")
	if err != nil {
		t.Fatalf("LatestComposite: %v", err)
	}
	if latest.Score != 70 || latest.CategoryScores["cpu"] != 70 {
		t.Errorf("LatestComposite: got %+v", latest)
	}
	hist, err := st.CompositeHistory(ctx, "db-1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("CompositeHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].Score != 96 || hist[1].Score != 70 {
		t.Errorf("CompositeHistory: got %+v", hist)
	}
}

func testPrune(t *testing.T, st Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "cpu", CollectedAt: at, Score: 50 + i})
		_ = st.AppendComposite(ctx, types.CompositeHealthScore{InstanceName: "db-1", ComputedAt: at, Score: 50 + i})
	}
	// An old-only series keeps its single newest row.
	_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: "memory", CollectedAt: base, Score: 77})

	removed, err := st.Prune(ctx, base.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed: got %d, want 4", removed)
	}
	snaps, _ := st.LatestSnapshots(ctx, "db-1")
	if snaps["cpu"].Score != 52 || snaps["memory"].Score != 77 {
		t.Errorf("after prune: got %+v", snaps)
	}
	hist, _ := st.CompositeHistory(ctx, "db-1", time.Time{})
	if len(hist) != 1 || hist[0].Score != 52 {
		t.Errorf("composites after prune: got %+v", hist)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemory() })
}

func TestMemory_ConcurrentAppend(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = st.AppendSnapshot(ctx, types.CategoryScoreSnapshot{InstanceName: "db-1", Category: fmt.Sprintf("c%d", i%5), CollectedAt: base.Add(time.Duration(i) * time.Second), Score: i})
			_, _ = st.LatestSnapshots(ctx, "db-1")
		}(i)
	}
	wg.Wait()

	got, _ := st.LatestSnapshots(ctx, "db-1")
	if len(got) != 5 {
		t.Fatalf("categories: got %d, want 5", len(got))
	}
	for cat, s := range got {
		// Highest i for category cK is 45+K.
		want := 45 + int(cat[1]-'0')
		if s.Score != want {
			t.Errorf("%s: got %d, want %d", cat, s.Score, want)
		}
	}
}

func TestMemory_AppendExecutionDuplicate(t *testing.T) {
	st := NewMemory()
	rec := types.ExecutionRecord{ID: "dup", Status: types.RunRunning}
	if err := st.AppendExecution(context.Background(), rec); err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	if err := st.AppendExecution(context.Background(), rec); err == nil {
		t.Fatal("duplicate AppendExecution: expected error")
	}
}
