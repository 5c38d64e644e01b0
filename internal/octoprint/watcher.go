package octoprint

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	logx "failuredetector/pkg/logx"
)

// Event is a print lifecycle notification.
type Event string

const (
	EventStarted   Event = "Started"
	EventDone      Event = "Done"
	EventFailed    Event = "Failed"
	EventCancelled Event = "Cancelled"
)

type phase int

const (
	phaseIdle phase = iota
	phasePrinting
	phaseCancelling
	phaseUnknown
)

func classify(state string) phase {
	s := strings.ToLower(strings.TrimSpace(state))
	switch {
	case s == "":
		return phaseUnknown
	case strings.HasPrefix(s, "cancelling"):
		return phaseCancelling
	case strings.HasPrefix(s, "printing"), strings.HasPrefix(s, "paus"),
		strings.HasPrefix(s, "resuming"), strings.HasPrefix(s, "starting"):
		return phasePrinting
	default:
		return phaseIdle
	}
}

func isErrorState(state string) bool {
	s := strings.ToLower(state)
	return strings.HasPrefix(s, "error") || strings.Contains(s, "after error")
}

// JobSource is what the watcher polls.
type JobSource interface {
	Job(ctx context.Context) (Job, error)
}

// Watcher derives lifecycle events from job state transitions.
type Watcher struct {
	src      JobSource
	interval atomic.Int64
	log      logx.Logger
	emit     func(Event, Job)

	last    phase
	hasLast bool
}

const defaultPollInterval = 2 * time.Second

func NewWatcher(src JobSource, interval time.Duration, log logx.Logger, emit func(Event, Job)) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{src: src, log: log, emit: emit}
	w.SetInterval(interval)
	return w
}

// SetInterval changes the poll period starting with the next wait.
func (w *Watcher) SetInterval(d time.Duration) {
	if d <= 0 {
		d = defaultPollInterval
	}
	w.interval.Store(int64(d))
}

// Run polls until ctx ends. Poll errors are logged and never produce events.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		w.Poll(ctx)
		t := time.NewTimer(time.Duration(w.interval.Load()))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Poll performs one observation and emits at most one event.
func (w *Watcher) Poll(ctx context.Context) {
	job, err := w.src.Job(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Debug("job poll failed", logx.Err(err))
		}
		return
	}
	if ev, ok := w.observe(job); ok {
		w.log.Info("print event", logx.String("event", string(ev)), logx.String("state", job.State), logx.String("file", job.File))
		w.emit(ev, job)
	}
}

// observe feeds one job snapshot into the transition table.
//
// The first observation only seeds the state, except that a print already in
// progress yields Started so monitoring attaches after a restart.
func (w *Watcher) observe(job Job) (Event, bool) {
	cur := classify(job.State)
	if cur == phaseUnknown {
		return "", false
	}
	prev, had := w.last, w.hasLast
	w.last, w.hasLast = cur, true

	if !had {
		return EventStarted, cur == phasePrinting
	}
	switch {
	case prev == cur:
		return "", false
	case cur == phasePrinting && prev == phaseIdle:
		return EventStarted, true
	case cur == phaseCancelling:
		return EventCancelled, prev == phasePrinting
	case cur == phaseIdle && prev == phaseCancelling:
		// Cancelled was already emitted on entry to Cancelling.
		return "", false
	case cur == phaseIdle && prev == phasePrinting:
		switch {
		case isErrorState(job.State):
			return EventFailed, true
		case job.Completion >= 100:
			return EventDone, true
		default:
			return EventCancelled, true
		}
	}
	return "", false
}
