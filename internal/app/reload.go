package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"failuredetector/internal/config"
	"failuredetector/internal/eventbus"
	logx "failuredetector/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts collapse to the latest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs, plugins := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", plugins))
	}

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != cfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	// host first so the chat log sink and plugins see the new alert target
	a.host.apply(cfg)
	a.logs.Apply(mapLogConfig(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	_, reqTimeout := cfg.Printer.PrinterTimings()
	a.printer.Configure(cfg.Printer.BaseURL, cfg.Printer.APIKey, reqTimeout)

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if a.api.Apply(mapHTTPConfig(cfg)) {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.api.Stop(sctx); err != nil {
			a.log.Warn("http api stop", logx.Err(err))
		}
		cancel()
		if err := a.api.Start(ctx); err != nil {
			a.log.Error("http api restart failed", logx.Err(err))
		}
	}
	a.metrics.Reconfigure(ctx, mapMetricsConfig(cfg))
	a.sched.Apply(ctx, mapSchedulerConfig(cfg))

	a.pm.OnConfigUpdate(ctx, cfg)

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfig, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
