package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"picbot/internal/catalog"
	"picbot/internal/config"
	"picbot/internal/delivery"
	"picbot/internal/dispatch"
	"picbot/internal/eventbus"
	"picbot/internal/metrics"
	"picbot/internal/sched"
	"picbot/internal/store"
	"picbot/internal/transport"
	"picbot/internal/transport/telegram"
	logx "picbot/pkg/logx"
)

// App wires the whole engine together: config, store, catalog, transport,
// delivery, dispatch, scheduler and metrics.
type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store   store.Store
	catalog *catalog.Reader
	adapter transport.Adapter
	bus     eventbus.Bus
	exec    *delivery.Executor
	disp    *dispatch.Service
	sched   *sched.Service
	met     *metrics.Service // nil when metrics are disabled
	router  *Router

	updates chan transport.Update

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp loads the config at cfgPath and constructs every component.
// Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))

	// Validate already vetted the duration fields; errors here are impossible.
	busyTimeout, _ := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	pollTimeout, _ := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	jobTimeout, _ := config.ParseDurationField("dispatch.job_timeout", cfg.Dispatch.JobTimeout)

	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	cat := catalog.New(cfg.Photos.Dir, logs.Logger().With(logx.String("comp", "catalog")))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		st.Close()
		logs.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bus := eventbus.New()

	exec := delivery.New(cat, st, ad, cfg.Photos.WelcomeCaption,
		logs.Logger().With(logx.String("comp", "delivery")))

	disp := dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		JobTimeout:  jobTimeout,
		HistorySize: cfg.Dispatch.HistorySize,
	}, exec, bus, logs.Logger().With(logx.String("comp", "dispatch")))

	sc := sched.New(sched.Config{Timezone: cfg.Scheduler.Timezone}, disp,
		logs.Logger().With(logx.String("comp", "sched")))

	var met *metrics.Service
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		met = metrics.NewService(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
		}, bus, logs.Logger().With(logx.String("comp", "metrics")))
	}

	router := NewRouter(st, sc, disp, exec, cat, ad,
		func() string { return cfgm.Get().Scheduler.DefaultTime },
		logs.Logger().With(logx.String("comp", "commands")))
	if met != nil {
		router.SetCollector(met.Collector())
	}

	return &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		store:   st,
		catalog: cat,
		adapter: ad,
		bus:     bus,
		exec:    exec,
		disp:    disp,
		sched:   sc,
		met:     met,
		router:  router,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Start brings every component up and registers a trigger for each stored
// user. Returns once the engine is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return fmt.Errorf("start adapter: %w", err)
	}

	a.disp.Start(runCtx)
	if a.met != nil {
		a.met.Start(runCtx)
	}

	if err := a.registerStoredUsers(runCtx); err != nil {
		cancel()
		return err
	}
	a.sched.Start(runCtx)

	if imgs, err := a.catalog.List(); err == nil {
		a.log.Info("catalog scanned", logx.Int("images", len(imgs)))
		if a.met != nil {
			a.met.Collector().SetCatalogSize(len(imgs))
		}
	} else {
		a.log.Warn("catalog unavailable at startup", logx.Err(err))
	}

	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(runCtx, MenuCommands); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.router.Run(runCtx, a.updates); err != nil && runCtx.Err() == nil {
			a.log.Error("update loop exited", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	a.log.Info("engine started", logx.Int("users", len(a.sched.Snapshot())))
	return nil
}

// registerStoredUsers installs a trigger per known user before the cron
// starts, so nobody misses their slot after a restart.
func (a *App) registerStoredUsers(ctx context.Context) error {
	users, err := a.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	def := a.cfgm.Get().Scheduler.DefaultTime
	for id, rec := range users {
		at := rec.Time
		if at == "" {
			at = def
		}
		if err := a.sched.Upsert(id, at); err != nil {
			a.log.Warn("skipping user with bad stored time",
				logx.String("user_id", id),
				logx.String("at", at),
				logx.Err(err),
			)
		}
	}
	return nil
}

// reloadLoop applies hot-reloadable config sections. Store, transport and
// dispatch sizing need a restart and are deliberately left alone.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto apply
				}
			}
		apply:
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.sched.Apply(sched.Config{Timezone: cfg.Scheduler.Timezone})
			a.log.Info("config reloaded")
		}
	}
}

// Stop shuts the engine down. Components stop in reverse dependency order:
// triggers first so nothing new is enqueued, then workers, then transport.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	a.cancel()

	a.sched.Stop(ctx)
	a.disp.Stop(ctx)
	if a.met != nil {
		a.met.Stop(ctx)
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out waiting for loops")
	case <-time.After(5 * time.Second):
		a.log.Warn("shutdown timed out waiting for loops")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}
