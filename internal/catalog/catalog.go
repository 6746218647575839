// Package catalog applies a loaded configuration to the store: the
// instance roster, collector definitions with their rules and queries, and
// seeded exclusion overrides.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/compute"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/internal/store"
)

// Result counts what Apply wrote and removed.
type Result struct {
	Collectors        int
	Instances         int
	Exclusions        int
	RemovedCollectors int
	RemovedInstances  int

	// TotalWeight is the summed weight of enabled collectors.
	TotalWeight int
}

// Apply writes cfg into st. Collectors and instances missing from cfg are
// deleted; their score history is kept. Exclusions are only added or
// updated, since overrides may also be granted at run time. Run-state
// bookkeeping of existing collectors is preserved.
func Apply(ctx context.Context, st store.ConfigStore, cfg *config.Config, now time.Time) (Result, error) {
	var res Result

	wantInst := make(map[string]bool, len(cfg.Instances))
	for _, ic := range cfg.Instances {
		ref, err := ic.Ref()
		if err != nil {
			return res, fmt.Errorf("catalog: %w", err)
		}
		if err := st.UpsertInstance(ctx, ref); err != nil {
			return res, fmt.Errorf("catalog: instance %s: %w", ref.Name, err)
		}
		wantInst[ref.Name] = true
		res.Instances++
	}
	existing, err := st.ListInstances(ctx)
	if err != nil {
		return res, fmt.Errorf("catalog: list instances: %w", err)
	}
	for _, inst := range existing {
		if wantInst[inst.Name] {
			continue
		}
		if err := st.DeleteInstance(ctx, inst.Name); err != nil {
			return res, fmt.Errorf("catalog: delete instance %s: %w", inst.Name, err)
		}
		slog.Info("catalog: instance removed", "instance", inst.Name)
		res.RemovedInstances++
	}

	wantColl := make(map[string]bool, len(cfg.Collectors))
	for _, cc := range cfg.Collectors {
		rules, err := cc.ThresholdRules()
		if err != nil {
			return res, fmt.Errorf("catalog: %w", err)
		}
		queries, err := cc.VersionedQueries()
		if err != nil {
			return res, fmt.Errorf("catalog: %w", err)
		}
		def := cc.Definition()
		if err := st.UpsertCollector(ctx, def); err != nil {
			return res, fmt.Errorf("catalog: collector %s: %w", def.Name, err)
		}
		if err := st.ReplaceRules(ctx, def.Name, rules); err != nil {
			return res, fmt.Errorf("catalog: rules of %s: %w", def.Name, err)
		}
		if err := st.ReplaceQueries(ctx, def.Name, queries); err != nil {
			return res, fmt.Errorf("catalog: queries of %s: %w", def.Name, err)
		}
		wantColl[def.Name] = true
		res.Collectors++
		if def.Enabled {
			res.TotalWeight += def.Weight
		}
	}
	collectors, err := st.ListCollectors(ctx)
	if err != nil {
		return res, fmt.Errorf("catalog: list collectors: %w", err)
	}
	for _, c := range collectors {
		if wantColl[c.Name] {
			continue
		}
		if err := st.DeleteCollector(ctx, c.Name); err != nil {
			return res, fmt.Errorf("catalog: delete collector %s: %w", c.Name, err)
		}
		slog.Info("catalog: collector removed", "collector", c.Name)
		res.RemovedCollectors++
	}

	current, err := st.ListExclusions(ctx)
	if err != nil {
		return res, fmt.Errorf("catalog: list exclusions: %w", err)
	}
	created := make(map[string]time.Time, len(current))
	for _, o := range current {
		created[o.ID] = o.CreatedAt
	}
	for _, ec := range cfg.Exclusions {
		o := ec.Override()
		o.CreatedAt = now
		if at, ok := created[o.ID]; ok {
			o.CreatedAt = at
		}
		if err := st.UpsertExclusion(ctx, o); err != nil {
			return res, fmt.Errorf("catalog: exclusion %s: %w", o.ID, err)
		}
		res.Exclusions++
	}

	if res.Collectors > 0 && res.TotalWeight != 100 {
		slog.Warn("catalog: enabled collector weights do not sum to 100",
			"total", res.TotalWeight)
	}
	slog.Info("catalog: configuration applied",
		"collectors", res.Collectors,
		"instances", res.Instances,
		"exclusions", res.Exclusions,
		"removed_collectors", res.RemovedCollectors,
		"removed_instances", res.RemovedInstances,
	)
	return res, nil
}

// Settings derives the aggregator settings from cfg.
func Settings(cfg *config.Config) compute.Settings {
	return compute.Settings{
		GlobalCap: cfg.Scoring.GlobalCap,
		Caps:      cfg.Scoring.CapRules(),
		Buckets:   cfg.Scoring.StatusBuckets(),
	}
}

// Webhooks resolves the configured webhook targets. Targets whose URL
// environment variable is unset are skipped with a warning.
func Webhooks(cfg *config.Config) []notify.Webhook {
	var out []notify.Webhook
	for i, w := range cfg.Notify.Webhooks {
		url := w.URL()
		if url == "" {
			slog.Warn("catalog: webhook url not set, skipping", "index", i, "url_env", w.URLEnv)
			continue
		}
		events := make([]notify.Kind, 0, len(w.Events))
		for _, e := range w.Events {
			events = append(events, notify.Kind(e))
		}
		out = append(out, notify.Webhook{Type: w.Type, URL: url, Events: events, Cooldown: w.Cooldown})
	}
	return out
}
