package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fleetpulse/fleetpulse/internal/audit"
	"github.com/fleetpulse/fleetpulse/internal/catalog"
	"github.com/fleetpulse/fleetpulse/internal/compute"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/exclusion"
	"github.com/fleetpulse/fleetpulse/internal/executor"
	"github.com/fleetpulse/fleetpulse/internal/metrics"
	"github.com/fleetpulse/fleetpulse/internal/notify"
	"github.com/fleetpulse/fleetpulse/internal/scheduler"
	"github.com/fleetpulse/fleetpulse/internal/source"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run every enabled collector once, print the results and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	slog.Info("fleetpulse starting",
		"config", *configPath,
		"backend", cfg.Storage.Backend,
		"collectors", len(cfg.Collectors),
		"instances", len(cfg.Instances),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if _, err := catalog.Apply(ctx, st, cfg, time.Now()); err != nil {
		slog.Error("failed to apply config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := notify.NewBus(cfg.Notify.Buffer)
	bus.OnDrop(m.EventDropped)
	defer bus.Close()

	mysqlSource := source.NewMySQL(0)
	defer mysqlSource.Close()
	adapters := source.NewRegistry()
	adapters.Register("mysql", mysqlSource)
	adapters.Register("prometheus", source.NewPrometheus(nil))
	adapters.Register("tlscert", source.NewTLSCert())
	adapters.Register("httpjson", source.NewHTTPJSON(nil))

	engine := compute.NewEngine(st, bus, catalog.Settings(cfg), compute.WithMetrics(m))
	exclusions := exclusion.NewRegistry(st)

	sched := scheduler.New(scheduler.Deps{
		Store:      st,
		Runner:     executor.New(st, executor.WithMetrics(m)),
		Adapters:   adapters,
		Exclusions: exclusions,
		Audit:      audit.NewRecorder(st),
		Aggregator: engine,
		Events:     bus,
		Metrics:    m,
	})

	if *once {
		code := runOnce(ctx, st, sched)
		mysqlSource.Close() //nolint:errcheck
		st.Close()          //nolint:errcheck
		os.Exit(code)
	}

	// Event fan-out: WebSocket clients and webhooks each get their own
	// subscription so a slow webhook cannot starve the UI.
	hub := notify.NewHub(currentScores(st))
	hubEvents, unsubHub := bus.Subscribe()
	defer unsubHub()
	go hub.Run(ctx, hubEvents)

	if hooks := catalog.Webhooks(cfg); len(hooks) > 0 {
		relay := notify.NewRelay(hooks, nil)
		relayEvents, unsubRelay := bus.Subscribe()
		defer unsubRelay()
		go relay.Run(ctx, relayEvents)
	}

	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "err", err)
		os.Exit(1)
	}

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			if _, err := catalog.Apply(ctx, st, next, time.Now()); err != nil {
				slog.Error("config refresh not applied", "err", err)
				return
			}
			engine.SetSettings(catalog.Settings(next))
			if err := sched.Sync(ctx); err != nil {
				slog.Error("scheduler sync failed", "err", err)
			}
		})
		if err != nil {
			slog.Error("config watch stopped", "err", err)
		}
	}()

	go maintain(ctx, st, exclusions, cfg.Storage.Retention, cfg.Storage.PruneInterval)

	mux := http.NewServeMux()
	mux.Handle("/ws/stream", hub)
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("fleetpulse shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	sched.Stop(shutdownCtx)
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

func openStore(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
	if sc.Backend == "duckdb" {
		return store.OpenDuckDB(ctx, sc.Path, store.WithThreads(sc.Threads))
	}
	return store.NewMemory(), nil
}

// runOnce runs every enabled collector synchronously and returns the exit
// code: 0 when every run completed, 1 otherwise.
func runOnce(ctx context.Context, st store.Store, sched *scheduler.Scheduler) int {
	collectorsList, err := st.ListCollectors(ctx)
	if err != nil {
		slog.Error("failed to list collectors", "err", err)
		return 1
	}
	code := 0
	for _, c := range collectorsList {
		if !c.Enabled {
			continue
		}
		rec, err := sched.RunNow(ctx, c.Name, types.TriggerOnDemand, "cli")
		if err != nil {
			slog.Error("run failed to start", "collector", c.Name, "err", err)
			code = 1
			continue
		}
		fmt.Printf("%-24s %-10s ok=%d failed=%d skipped=%d %s\n",
			c.Name, rec.Status, rec.Succeeded, rec.Failed, rec.Skipped, rec.ErrorSummary)
		if rec.Status != types.RunCompleted {
			code = 1
		}
	}

	instances, err := st.ListInstances(ctx)
	if err != nil {
		slog.Error("failed to list instances", "err", err)
		return 1
	}
	for _, inst := range instances {
		comp, err := st.LatestComposite(ctx, inst.Name)
		if err != nil {
			continue
		}
		fmt.Printf("%-24s score=%3d status=%s\n", inst.Name, comp.Score, comp.Status)
	}
	return code
}

// currentScores gives a newly connected WebSocket client the latest
// composite of every instance.
func currentScores(st store.Store) notify.CurrentFunc {
	return func(ctx context.Context) ([]notify.Event, error) {
		instances, err := st.ListInstances(ctx)
		if err != nil {
			return nil, err
		}
		var out []notify.Event
		for _, inst := range instances {
			comp, err := st.LatestComposite(ctx, inst.Name)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, notify.ScoreUpdated(comp))
		}
		return out, nil
	}
}

// maintain prunes score history past retention and deactivates expired
// exclusion overrides every interval.
func maintain(ctx context.Context, st store.Store, ex *exclusion.Registry, retention, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if retention > 0 {
				n, err := st.Prune(ctx, now.Add(-retention))
				if err != nil {
					slog.Error("prune failed", "err", err)
				} else if n > 0 {
					slog.Info("pruned score history", "rows", n)
				}
			}
			if n, err := ex.Sweep(ctx); err != nil {
				slog.Error("exclusion sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("expired exclusions deactivated", "count", n)
			}
		}
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
