package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sitepulse/internal/cache"
	"sitepulse/internal/config"
	"sitepulse/internal/eventbus"
	"sitepulse/internal/observability/debug"
	"sitepulse/internal/pagespeed"
	"sitepulse/internal/ratelimit"
	"sitepulse/internal/runner"
	"sitepulse/internal/runtime/supervisor"
	"sitepulse/internal/storage"
	logx "sitepulse/pkg/logx"
)

type logxConfig = logx.Config

type logxFileConfig = logx.FileConfig

// StopReason labels why the daemon is shutting down, for the final log line.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal_error"
)

// App wires the config manager, storage, measurement client, rate gate,
// cache and runner into one daemon.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gate   *ratelimit.Gate
	client *pagespeed.Client
	cache  *cache.Cache

	runner *runner.Service
	debug  *debug.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("path", storeCfg.Path))

	clientCfg, err := mapClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := pagespeed.New(clientCfg, log.With(logx.String("comp", "pagespeed")))
	if err != nil {
		return nil, err
	}
	gate := ratelimit.New(mapGateConfig(cfg))

	window, cacheEnabled, err := mapCacheWindow(cfg)
	if err != nil {
		return nil, err
	}
	cacheLog := log.With(logx.String("comp", "cache"))
	var resultCache *cache.Cache
	if cacheEnabled {
		resultCache = cache.New(store, window, cacheLog)
	} else {
		// Disabled means "never reuse"; results are still recorded.
		resultCache = cache.New(store, cache.DefaultWindow, cacheLog, cache.WriteOnly())
		log.Info("result cache disabled, results recorded but never reused")
	}

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runnerSvc := runner.New(runnerCfg, store, client, gate, resultCache,
		log.With(logx.String("comp", "runner")), runner.WithBus(bus))

	debugSvc := debug.New(mapDebugConfig(cfg), log.With(logx.String("comp", "debug")))
	debugSvc.RegisterStatus("runner", func() any { return runnerSvc.Snapshot() })
	debugSvc.RegisterStatus("gate", func() any { return gate.Snapshot() })

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gate:    gate,
		client:  client,
		cache:   resultCache,
		runner:  runnerSvc,
		debug:   debugSvc,
	}, nil
}

// Runner exposes the schedule runner for operational surfaces.
func (a *App) Runner() *runner.Service { return a.runner }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.runner.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.debug.Enabled() {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server failed to start", logx.Err(err))
		}
	}

	// Debug-level event tap; components that care subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for coalescing := true; coalescing; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						coalescing = false
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies a hot reload. Logging and runner settings take effect
// live; storage, measurement client and cache changes need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "pagespeed", "cache", "debug":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if runnerCfg, err := mapRunnerConfig(newCfg); err != nil {
		a.log.Warn("invalid runner config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(runnerCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Bound each shutdown step so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("runner", 10*time.Second, func(c context.Context) error { return a.runner.Stop(c) })
	step("debug", 2*time.Second, func(c context.Context) error { return a.debug.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", 1*time.Second, func(_ context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
