// Package app wires the offload daemon: config, logging, the scheduler and
// its worker factories, the outcome journal, metrics, the admin API and the
// periodic status report.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offload/internal/admin"
	"offload/internal/config"
	"offload/internal/eventbus"
	"offload/internal/metrics"
	rtsup "offload/internal/runtime/supervisor"
	"offload/internal/scheduler"
	"offload/internal/scripts"
	"offload/internal/storage"
	"offload/internal/worker"
	logx "offload/pkg/logx"
)

const metricsPollInterval = 2 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched    *scheduler.Manager
	metrics  *metrics.Exporter
	admin    *admin.Service
	reporter *statusReporter
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	sched, err := scheduler.New(schedCfg,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithFactory(newFactory(cfg)),
		scheduler.WithReporter(scheduler.LogReporter{Log: log.With(logx.String("comp", "reporter"))}),
	)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exp, err := metrics.NewExporter(metrics.DefaultNamespace, reg, metrics.Options{})
	if err != nil {
		sched.Terminate()
		closeStore(store)
		return nil, err
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		sched.Terminate()
		closeStore(store)
		return nil, err
	}
	router := admin.NewRouter(sched,
		admin.WithLogger(log.With(logx.String("comp", "admin"))),
		admin.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		admin.WithOutcomes(store),
		admin.WithProfiler(cfg.Admin != nil && cfg.Admin.Pprof),
	)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sched:    sched,
		metrics:  exp,
		admin:    admin.NewService(adminCfg, router, log.With(logx.String("comp", "admin"))),
		reporter: newStatusReporter(log.With(logx.String("comp", "status")), sched.Status),
	}, nil
}

// newFactory serves Go scripts from the built-in registry and "*.js"
// scripts from scripts.dir when it is configured.
func newFactory(cfg *config.Config) worker.Factory {
	reg := worker.NewRegistry()
	scripts.Register(reg)
	r := worker.Router{Native: reg}
	if dir := strings.TrimSpace(cfg.Scripts.Dir); dir != "" {
		r.JS = worker.NewJSFactory(dir)
	}
	return r
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Scheduler() *scheduler.Manager { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	events, unsubMetrics := a.bus.Subscribe(512)
	a.sup.Go("metrics.events", func(c context.Context) error {
		defer unsubMetrics()
		return a.metrics.Consume(c, events)
	})
	a.sup.GoRestart("metrics.poll", func(c context.Context) error {
		return a.metrics.Poll(c, metricsPollInterval, a.sched.Status)
	})

	if a.store != nil {
		outcomes, unsubOutcomes := a.bus.SubscribePrefix(1024, "task.")
		a.sup.Go("storage.outcomes", func(c context.Context) error {
			defer unsubOutcomes()
			return recordOutcomes(c, outcomes, a.store, a.log.With(logx.String("comp", "storage")))
		})
	}

	cfg := a.cfgm.Get()
	if err := a.reporter.Apply(cfg.StatusReport); err != nil {
		return err
	}
	a.reporter.Start()
	a.admin.Start(a.sup.Context())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig pushes the hot-reloadable parts of newCfg to the running
// components and warns about the rest.
func (a *App) applyConfig(ctx context.Context, prev, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if config.RestartRequired(prev.Scheduler, newCfg.Scheduler) {
		a.log.Warn("scheduler pool or frame settings changed; restart required for them to take effect")
	}

	for _, s := range sections {
		if s == "storage" || s == "scripts" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if ac, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}

	if err := a.reporter.Apply(newCfg.StatusReport); err != nil {
		a.log.Warn("invalid status report config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.sched.Terminate()
		closeStore(a.store)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; log a leak signal if it doesn't.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("status_report", time.Second, func(context.Context) error { a.reporter.Stop(); return nil })
	step("scheduler", 6*time.Second, func(context.Context) error { a.sched.Terminate(); return nil })
	// Wait for supervised goroutines (config watch/reload, consumers).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
