package app

import (
	"context"
	"sync/atomic"
	"time"

	"failuredetector/internal/config"
	"failuredetector/internal/transport"
)

// host serves plugin.Host from the last applied config.
type host struct {
	target atomic.Pointer[transport.ChatTarget]
	poll   atomic.Int64
}

func newHost(cfg *config.Config) *host {
	h := &host{}
	h.apply(cfg)
	return h
}

func (h *host) apply(cfg *config.Config) {
	t := alertTarget(cfg)
	h.target.Store(&t)
	poll, _ := cfg.Printer.PrinterTimings()
	h.poll.Store(int64(poll))
}

func (h *host) AlertTarget() transport.ChatTarget {
	if t := h.target.Load(); t != nil {
		return *t
	}
	return transport.ChatTarget{}
}

func (h *host) PrinterPoll() time.Duration { return time.Duration(h.poll.Load()) }

// chatLog forwards log lines to the alert chat through the adapter.
type chatLog struct {
	adapter transport.Adapter
	host    *host
}

func (c chatLog) SendLog(ctx context.Context, text string) error {
	to := c.host.AlertTarget()
	if to.IsZero() {
		return nil
	}
	_, err := c.adapter.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true, Silent: true})
	return err
}
