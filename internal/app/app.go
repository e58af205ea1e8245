// Package app wires the bot together: config, logging, storage, transport,
// the board watcher, and the expiry sweep.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"loadbot/internal/config"
	"loadbot/internal/loadboard"
	"loadbot/internal/notify"
	"loadbot/internal/runtime/supervisor"
	"loadbot/internal/services/expiry"
	"loadbot/internal/storage"
	kit "loadbot/internal/transport"
	telegram "loadbot/internal/transport/telegram/adapter"
	"loadbot/internal/transport/telegram/router"
	"loadbot/internal/watcher"
	logx "loadbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    *storage.Store
	adapter  *telegram.Adapter
	router   *router.Router
	watch    *watcher.Watcher
	reporter *notify.Reporter
	expiry   *expiry.Service

	updates chan kit.Update
	cfgSub  chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	// Operators must always be present in the directory so they receive
	// alerts and error reports; existing rows are not touched.
	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range cfg.Telegram.OwnerUserIDs {
		if err := store.SeedOwner(seedCtx, id, "Operator"); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed operator %d: %w", id, err)
		}
	}

	reporter := notify.New(mapNotifyConfig(cfg), cfg.Telegram.OwnerUserIDs, ad,
		logSvc.Logger().With(logx.String("comp", "notify")))

	boardCfg, err := mapLoadboardOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := loadboard.New(boardCfg, logSvc.Logger().With(logx.String("comp", "loadboard")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	watchCfg, err := mapWatcherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	watch := watcher.New(watchCfg, client, store, ad, reporter,
		logSvc.Logger().With(logx.String("comp", "watcher")))

	rt := router.New(ad, store, cfg.Telegram.OwnerUserIDs,
		logSvc.Logger().With(logx.String("comp", "router")))

	var exp *expiry.Service
	if cfg.Expiry == nil || cfg.Expiry.Enabled {
		warn, err := config.ParseDurationOrDefault("expiry.warn_window", warnRaw(cfg), 72*time.Hour)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		exp = expiry.New(expiry.Config{
			CronSpec:   cfg.Expiry.CronSpec(),
			WarnWindow: warn,
		}, store, ad, cfg.Telegram.OwnerUserIDs,
			logSvc.Logger().With(logx.String("comp", "expiry")))
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		router:   rt,
		watch:    watch,
		reporter: reporter,
		expiry:   exp,
		updates:  make(chan kit.Update, 128),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
	)
	sup := a.sup

	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return err
	}

	// Best-effort: menu failures shouldn't block startup.
	menuCtx, cancel := context.WithTimeout(sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, a.router.MenuCommands()); err != nil {
		a.log.Warn("menu update failed", logx.Err(err))
	}
	cancel()

	sup.Go("router", func(ctx context.Context) error {
		return a.router.Run(ctx, a.updates)
	})

	// The poll loop self-heals: anything escaping it (including panics) is
	// reported to the operators, then the loop restarts after the backoff.
	backoff := a.watch.Backoff()
	sup.GoRestart("watcher", a.watch.Run,
		supervisor.WithRestartBackoff(backoff, backoff),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithFailureHook(func(err error) {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.reporter.ReportError(rctx, err.Error())
		}),
	)

	if a.expiry != nil {
		if err := a.expiry.Start(sup.Context()); err != nil {
			return err
		}
	}

	sup.Go("config.watch", a.cfgm.Watch)
	a.cfgSub = a.cfgm.Subscribe(1)
	sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.cfgSub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	// Signal readiness when running under systemd; a no-op elsewhere.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// applyConfig applies the reloadable subset of a new config. Credentials,
// URLs and the bot token require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if wc, err := mapWatcherConfig(cfg); err == nil {
		a.watch.Apply(wc)
	} else {
		a.log.Warn("watcher config not applied", logx.Err(err))
	}

	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.reporter.Apply(mapNotifyConfig(cfg), cfg.Telegram.OwnerUserIDs)
	if a.expiry != nil {
		a.expiry.SetOperators(cfg.Telegram.OwnerUserIDs)
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.expiry != nil {
		_ = a.expiry.Stop(ctx)
	}
	_ = a.adapter.Stop(ctx)
	if a.sup != nil {
		_ = a.sup.Wait(ctx)
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
		a.cfgSub = nil
	}
	err := a.store.Close()
	_ = a.logs.Close()
	return err
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	var nc notify.Config
	if cfg.Notify != nil {
		nc.RatePerSec = cfg.Notify.RatePerSec
	}
	return nc
}

func mapLoadboardOptions(cfg *config.Config) (loadboard.Options, error) {
	lb := cfg.Loadboard
	cooldown, err := config.ParseDurationOrDefault("loadboard.login_cooldown", lb.LoginCooldown, 10*time.Minute)
	if err != nil {
		return loadboard.Options{}, err
	}
	timeout, err := config.ParseDurationOrDefault("loadboard.request_timeout", lb.RequestTimeout, 30*time.Second)
	if err != nil {
		return loadboard.Options{}, err
	}
	return loadboard.Options{
		BaseURL:  lb.BaseURL,
		LoginURL: lb.LoginURL,
		BoardURL: lb.BoardURL,
		Credentials: loadboard.Credentials{
			Email:     lb.Email,
			Password:  lb.Password,
			CSRFToken: lb.CSRFToken,
		},
		SessionCookie:  lb.SessionCookie,
		LoginCooldown:  cooldown,
		RequestTimeout: timeout,
	}, nil
}

func mapWatcherConfig(cfg *config.Config) (watcher.Config, error) {
	lb := cfg.Loadboard
	interval, err := config.ParseDurationOrDefault("loadboard.poll_interval", lb.PollInterval, 15*time.Second)
	if err != nil {
		return watcher.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("loadboard.error_backoff", lb.ErrorBackoff, 5*time.Second)
	if err != nil {
		return watcher.Config{}, err
	}
	return watcher.Config{
		PollInterval: interval,
		ErrorBackoff: backoff,
		MutedUserIDs: cfg.Telegram.MutedUserIDs,
	}, nil
}

func warnRaw(cfg *config.Config) string {
	if cfg.Expiry == nil {
		return ""
	}
	return cfg.Expiry.Warn
}
