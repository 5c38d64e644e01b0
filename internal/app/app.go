package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"failuredetector/internal/commands"
	"failuredetector/internal/config"
	"failuredetector/internal/eventbus"
	"failuredetector/internal/httpapi"
	"failuredetector/internal/metrics"
	"failuredetector/internal/notifier"
	"failuredetector/internal/octoprint"
	"failuredetector/internal/plugin"
	"failuredetector/internal/runtime/supervisor"
	"failuredetector/internal/schedule"
	"failuredetector/internal/snapshot"
	"failuredetector/internal/storage"
	"failuredetector/internal/transport"
	"failuredetector/internal/transport/telegram"
	logx "failuredetector/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	host  *host

	adapter transport.Adapter
	router  *commands.Router
	notif   *notifier.Service
	sched   *schedule.Service
	printer *octoprint.Client
	api     *httpapi.Server
	metrics *metrics.Server
	pm      *plugin.Manager

	updates chan transport.Update
}

// New loads the config and builds every service. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))
	h := newHost(cfg)

	var adapter transport.Adapter
	if cfg.Telegram.Token != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
			logs.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		adapter = tg
		logs.SetSender(chatLog{adapter: tg, host: h})
	} else {
		log.Warn("telegram token not set; chat commands and alerts are off")
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, adapter, logs.Logger().With(logx.String("comp", "notifier")), bus, store)

	reg, err := metrics.NewRegistry()
	if err != nil {
		return nil, err
	}

	_, reqTimeout := cfg.Printer.PrinterTimings()
	printer := octoprint.NewClient(cfg.Printer.BaseURL, cfg.Printer.APIKey, reqTimeout)
	camera := snapshot.NewFetcher(&http.Client{})

	router := commands.NewRouter(logs.Logger(), adapter, cfg.Telegram.OwnerUserIDs)
	sched := schedule.New(mapSchedulerConfig(cfg), logs.Logger().With(logx.String("comp", "scheduler")), bus)
	api := httpapi.New(mapHTTPConfig(cfg), logs.Logger())

	pm := plugin.NewManager(logs.Logger().With(logx.String("comp", "plugins")), plugin.Deps{
		Logger:    logs.Logger(),
		Bus:       bus,
		Store:     store,
		Notifier:  notif,
		Scheduler: sched,
		API:       api,
		Host:      h,
		Printer:   printer,
		Camera:    camera,
	}, router)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		host:    h,
		adapter: adapter,
		router:  router,
		notif:   notif,
		sched:   sched,
		printer: printer,
		api:     api,
		metrics: metrics.NewServer(mapMetricsConfig(cfg), reg, logs.Logger()),
		pm:      pm,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings services up in dependency order and reports READY to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
	}
	a.notif.Start(run)
	a.sched.Start(run)
	if err := a.api.Start(run); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	a.metrics.Start(run)

	if err := a.pm.StartAll(run, a.cfgm.Get()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})

	events, unsub := a.bus.Subscribe("", 128)
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if every := watchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			runWatchdog(c, every, a.log, func() bool { return a.sup.Err() == nil })
		})
		a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	}
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// Stop tears services down in reverse order. Each step is bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")
	a.sup.Cancel()

	a.step(ctx, "plugins", 5*time.Second, func(c context.Context) error {
		a.pm.StopAll(c, plugin.StopShutdown)
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, a.api.Stop)
	a.step(ctx, "metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
// A step that ignores its context is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Err(err),
				logx.Duration("took", time.Since(start)),
			)
		}()
	}
}
