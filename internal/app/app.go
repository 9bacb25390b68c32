package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"matchsync/internal/admin/httpapi"
	"matchsync/internal/admin/telegram"
	"matchsync/internal/cache"
	"matchsync/internal/clock"
	"matchsync/internal/config"
	"matchsync/internal/eventbus"
	"matchsync/internal/feed/openligadb"
	"matchsync/internal/match"
	"matchsync/internal/metrics"
	"matchsync/internal/resultsync"
	rtsup "matchsync/internal/runtime/supervisor"
	"matchsync/internal/storage"
	"matchsync/internal/task/engine"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

// App wires storage, the feed, the trigger registry and the admin surfaces
// around the result sync service.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	caches  *cache.Caches
	locator *match.Locator
	feed    *openligadb.Client
	engine  *engine.Service
	trig    *trigger.Scheduler
	sync    *resultsync.Service
	prom    *metrics.PrometheusSink
	http    *httpapi.Server
	bot     *telegram.Bot
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.Component("app"))
	cfgm.SetLogger(log.With(logx.Component("config")))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New()}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	clk := clock.Real{}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", driverName(sc.Driver)))

	cc, err := mapCacheConfig(cfg)
	if err != nil {
		return err
	}
	a.caches, err = cache.Open(ctx, cc, log.With(logx.Component("cache")))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	lc, err := mapLocatorConfig(cfg)
	if err != nil {
		return err
	}
	a.locator = match.NewLocator(a.store, lc)

	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return err
	}
	a.feed = openligadb.NewClient(fc, log.With(logx.Component("feed")))
	updater := openligadb.NewUpdater(a.store, a.feed, a.locator, clk, log.With(logx.Component("feed.updater")))

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, log.With(logx.Component("taskengine")), a.bus)

	tc, err := mapTriggerConfig(cfg)
	if err != nil {
		return err
	}
	a.trig = trigger.New(tc, a.engine, log.With(logx.Component("trigger")), a.bus, clk)

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.prom = metrics.NewPrometheusSink(reg, log.With(logx.Component("metrics")))
		if err := metrics.RegisterRuntime(reg, a.engine, a.bus); err != nil {
			return fmt.Errorf("register runtime metrics: %w", err)
		}
		sink = a.prom
		metricsHandler = a.prom.Handler()
	}

	syc, err := mapSyncConfig(cfg)
	if err != nil {
		return err
	}
	a.sync = resultsync.New(syc, resultsync.Deps{
		Locator:     a.locator,
		Feed:        updater,
		Registry:    a.trig,
		Bindings:    a.store,
		Matches:     a.store,
		Completion:  a.caches.Completion,
		Completions: cache.CompletionReader{Cache: a.caches.Completion, Store: a.store, Log: log.With(logx.Component("cache"))},
		History:     a.caches.History,
		Metrics:     sink,
		Bus:         a.bus,
		Clock:       clk,
		Log:         log,
	})
	a.trig.SetHandler(a.sync.Handle)

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Sync:    a.sync,
		Audit:   a.store,
		History: a.caches.History,
		Engine:  a.engine,
		Metrics: metricsHandler,
	}, log)

	return a.buildBot(cfg)
}

func (a *App) buildBot(cfg *config.Config) error {
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	if !tc.Enabled {
		a.bot = nil
		return nil
	}
	bot, err := telegram.New(tc, telegram.Deps{Sync: a.sync, Audit: a.store, Bus: a.bus}, a.logs.Logger())
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.bot = bot
	return nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the engine, the trigger registry, the sync service and the admin
// surfaces, then watches the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	a.trig.Start(run)
	if err := a.sync.Start(run); err != nil {
		return fmt.Errorf("start result sync: %w", err)
	}
	a.http.Start(run)
	if a.bot != nil {
		a.bot.Start(run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started")
	return nil
}

// latest drains queued snapshots so a burst of edits is applied once.
func latest(ch chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-ch:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
	}
	for _, s := range []string{"storage", "cache", "metrics"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if changed["scheduler"] || changed["task_engine"] {
		a.applyScheduling(ctx, next)
	}

	if changed["feed"] {
		if fc, err := mapFeedConfig(next); err == nil {
			a.feed.SetRate(fc.RatePerSec, fc.Burst)
			if next.Feed.BaseURL != prev.Feed.BaseURL || next.Feed.Timeout != prev.Feed.Timeout || next.Feed.UserAgent != prev.Feed.UserAgent {
				a.log.Warn("feed client settings apply after restart; rate applied live")
			}
		}
	}

	if changed["admin.http"] || changed["metrics"] {
		if hc, err := mapHTTPConfig(next); err != nil {
			a.log.Warn("invalid admin.http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}

	if changed["admin.telegram"] {
		a.restartBot(ctx, next)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// applyScheduling updates timing tunables in place and flips the engine and
// sync service on or off. The engine starts before the sync service and
// stops after it.
func (a *App) applyScheduling(ctx context.Context, next *config.Config) {
	if lc, err := mapLocatorConfig(next); err == nil {
		a.locator.Apply(lc)
	}
	if tc, err := mapTriggerConfig(next); err == nil {
		a.trig.Apply(tc)
	}

	ec, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.engine.Enabled()
	a.engine.Apply(ctx, ec)
	if !wasEnabled && ec.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}

	syc, err := mapSyncConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	if err := a.sync.Apply(ctx, syc); err != nil {
		a.log.Warn("result sync reconfigure failed", logx.Err(err))
	}

	if wasEnabled && !ec.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
}

func (a *App) restartBot(ctx context.Context, next *config.Config) {
	if a.bot != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.bot.Stop(stopCtx)
		cancel()
		a.bot = nil
	}
	if err := a.buildBot(next); err != nil {
		a.log.Warn("telegram bot not restarted", logx.Err(err))
		return
	}
	if a.bot != nil {
		a.bot.Start(ctx)
	}
}

// Stop shuts components down in reverse start order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			a.bot.Stop(c)
		}
		return nil
	})
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "resultsync", time.Second, func(c context.Context) error { a.sync.Stop(c); return nil })
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) closeResources() {
	if a.caches != nil {
		if err := a.caches.Close(); err != nil {
			a.log.Warn("cache close failed", logx.Err(err))
		}
		a.caches = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

// step runs fn with an upper bound so one component cannot stall the stop.
// A step that overruns is logged again when it finally returns.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
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
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
