package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "failuredetector/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify unit it does nothing.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogInterval returns half the unit's WatchdogSec, or 0 when the watchdog is off.
func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// runWatchdog pings systemd until ctx ends. alive gates each ping.
func runWatchdog(ctx context.Context, every time.Duration, log logx.Logger, alive func() bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if alive() {
				sdNotify(log, daemon.SdNotifyWatchdog)
			} else {
				log.Warn("watchdog ping skipped; app unhealthy")
			}
		}
	}
}
