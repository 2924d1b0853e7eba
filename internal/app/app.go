package app

import (
	"context"
	"fmt"
	"time"

	"sidekick/internal/bridge"
	"sidekick/internal/config"
	"sidekick/internal/runtime/supervisor"
	"sidekick/internal/scheduler"
	"sidekick/internal/storage"
	"sidekick/internal/tasks"
	"sidekick/internal/transport"
	"sidekick/internal/transport/telegram"

	logx "sidekick/pkg/logx"
)

const updateQueueSize = 256

// App wires the whole bot together: config, logging, storage, the scheduler
// engine, the interaction bridge and the Telegram adapter.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store   *storage.Store
	engine  *scheduler.Engine
	bridge  *bridge.Bridge
	adapter transport.Adapter
	router  *Router
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	send := func(ctx context.Context, to transport.ChatTarget, text string) error {
		return adapter.SendText(ctx, to, text, nil)
	}

	askTimeout, err := config.ParseDurationOrDefault("scheduler.ask_timeout", cfg.Scheduler.AskTimeout, 10*time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	br := bridge.New(bridge.Config{AskTimeout: askTimeout}, send, log)

	handlers := scheduler.NewHandlers()
	tasks.RegisterBuiltins(handlers, send, tasks.NewConfirmAutomation(br), log)

	engine := scheduler.New(store, handlers, log,
		scheduler.WithNotify(func(ctx context.Context, chatID int64, text string) error {
			return send(ctx, transport.ChatTarget{ChatID: chatID}, text)
		}))

	a := &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("comp", "app")),
		store:   store,
		engine:  engine,
		bridge:  br,
		adapter: adapter,
		router:  NewRouter(mgr.Get, engine, br, send, log),
	}
	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down in
// reverse order: no new updates, finish in-flight handlers, close storage.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.engine.Start(sup.Context()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	updates := make(chan transport.Update, updateQueueSize)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	sup.Go0("router", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-updates:
				a.router.Handle(ctx, up)
			}
		}
	})

	// Live config: the watcher republishes valid edits; only logging is
	// re-applied at runtime, the rest takes effect on restart.
	sup.GoRestart("config.watch", a.cfgMgr.Watch)
	cfgCh := a.cfgMgr.Subscribe(1)
	sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(cfgCh)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config re-applied", logx.String("level", cfg.Logging.Level))
			}
		}
	})

	a.log.Info("sidekick is up")
	<-ctx.Done()
	a.log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("adapter stop", logx.Err(err))
	}
	if err := a.engine.Stop(stopCtx); err != nil {
		a.log.Warn("engine stop", logx.Err(err))
	}
	_ = sup.Stop(stopCtx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logSvc.Close()
	return nil
}
