// Package app wires the service together: config, logging, store,
// scheduler index, event bus, lifecycle controller, tick loop, HTTP façade.
//
// Startup order is store pool -> index -> controller -> tick -> HTTP, with
// teardown in reverse, so nothing ever observes a half-built dependency.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"alarmd/internal/config"
	"alarmd/internal/eventbus"
	"alarmd/internal/httpapi"
	"alarmd/internal/lifecycle"
	"alarmd/internal/schedule"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// ErrStoreUnreachable distinguishes "database down at boot" from config
// mistakes; main maps it to its own exit code.
var ErrStoreUnreachable = errors.New("store unreachable")

type App struct {
	cfg  config.Config
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store  storage.Store
	idx    *schedule.Index
	bus    eventbus.Bus
	ctrl   *lifecycle.Controller
	ticker *schedule.Ticker
	api    *httpapi.Server

	cancel context.CancelFunc
	g      *errgroup.Group
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("database.busy_timeout", cfg.Database.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	acquireTimeout, err := config.ParseDurationField("database.acquire_timeout", cfg.Database.AcquireTimeout)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		DatabaseURL:    cfg.Database.URL,
		MinConns:       cfg.Database.MinConns,
		MaxConns:       cfg.Database.MaxConns,
		BusyTimeout:    busyTimeout,
		AcquireTimeout: acquireTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	if err := store.Ping(context.Background()); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	taskTimeout, reconcile, cleanup, retention, err := cfg.Scheduler.Durations()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	idx := schedule.NewIndex()
	bus := eventbus.New()

	ctrl := lifecycle.New(lifecycle.Config{
		Workers:           cfg.Scheduler.Workers,
		QueueSize:         cfg.Scheduler.QueueSize,
		TaskTimeout:       taskTimeout,
		ReconcileInterval: reconcile,
		CleanupInterval:   cleanup,
		Retention:         retention,
	}, store, idx, bus, log.With(logx.String("comp", "controller")))

	ticker := schedule.NewTicker(idx, ctrl.HandleTick, log.With(logx.String("comp", "ticker")))

	api := httpapi.New(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		DefaultTimezone: cfg.Scheduler.DefaultTimezone,
	}, store, ctrl, idx, ticker, log.With(logx.String("comp", "http")))

	return &App{
		cfg:    cfg,
		cfgm:   cfgm,
		logs:   logSvc,
		log:    log,
		store:  store,
		idx:    idx,
		bus:    bus,
		ctrl:   ctrl,
		ticker: ticker,
		api:    api,
	}, nil
}

// Bus exposes the event bus so embedding processes can attach consumers
// (mail delivery, audit) before Start.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.g, runCtx = errgroup.WithContext(runCtx)

	// Controller first: it rebuilds the index before the first tick.
	if err := a.ctrl.Start(runCtx); err != nil {
		cancel()
		return err
	}
	a.ticker.Start(runCtx)
	if err := a.api.Start(); err != nil {
		cancel()
		return err
	}

	// Config hot reload only ever touches the logging settings (level,
	// console and file sinks).
	a.g.Go(func() error { return a.cfgm.Watch(runCtx) })
	a.g.Go(func() error {
		updates := a.cfgm.Subscribe(1)
		for {
			select {
			case <-runCtx.Done():
				return nil
			case cfg := <-updates:
				a.logs.Apply(loggingConfig(cfg))
				a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
			}
		}
	})

	// Under systemd this flips the unit to Ready; elsewhere it's a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("alarmd started",
		logx.String("http", a.cfg.HTTP.Addr),
		logx.Int("alarms", a.idx.Len()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if err := a.api.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.ticker.Stop()
	if err := a.ctrl.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.g != nil {
		_ = a.g.Wait()
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("alarmd stopped")
	_ = a.logs.Close()
	return firstErr
}

func loggingConfig(cfg config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
