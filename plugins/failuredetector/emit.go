package failuredetector

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"failuredetector/internal/detector"
	"failuredetector/internal/eventbus"
	"failuredetector/internal/metrics"
	"failuredetector/internal/notifier"
	"failuredetector/internal/octoprint"
	"failuredetector/internal/plugin"
	"failuredetector/internal/storage"
	logx "failuredetector/pkg/logx"
)

// socketEvent is the socket.io event name; payloads use the plugin message envelope.
const socketEvent = "plugin_message"

const (
	msgStatus          = "status"
	msgPostPrintDialog = "show_post_print_dialog"
)

type pluginMessage struct {
	Plugin string `json:"plugin"`
	Data   any    `json:"data"`
}

type statusMessage struct {
	Type string `json:"type"`
	detector.Result
	Active bool `json:"active"`
}

type postPrintMessage struct {
	Type  string    `json:"type"`
	Event string    `json:"event"`
	File  string    `json:"file,omitempty"`
	At    time.Time `json:"at"`
}

// emit is the detector status channel. It runs on detector goroutines and never blocks.
func (p *Plugin) emit(r detector.Result) {
	active := false
	if c := p.controller(); c != nil {
		active = c.Active()
	}
	metrics.SetMonitoring(active)

	cycle := r.Terminal() && r.Source != detector.SourceLifecycle
	if cycle {
		metrics.ObserveCycle(string(r.Status), r.Took, r.Probability)
		if r.Status == detector.StatusFailure {
			switch {
			case r.Paused:
				metrics.ObservePause(true)
			case r.ErrorDetail != "":
				metrics.ObservePause(false)
			}
		}
	}

	p.Publish(eventbus.TopicStatus, r)
	if api := p.Deps.API; api != nil {
		api.Broadcast(socketEvent, pluginMessage{Plugin: Name, Data: statusMessage{Type: msgStatus, Result: r, Active: active}})
	}
	if !cycle {
		return
	}

	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}
	select {
	case sink <- r:
	default:
		p.Log.Warn("status sink full; result not recorded", logx.String("status", string(r.Status)))
	}
}

// sinkLoop does the slow consumers: history storage and chat alerts.
func (p *Plugin) sinkLoop(ctx context.Context, ch <-chan detector.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-ch:
			p.record(ctx, r)
			p.alert(ctx, r)
		}
	}
}

func (p *Plugin) currentFile() string {
	if j := p.job.Load(); j != nil {
		return j.File
	}
	return ""
}

func (p *Plugin) record(ctx context.Context, r detector.Result) {
	st := p.Deps.Store
	if st == nil {
		return
	}
	id := r.SnapshotRef
	if id == "" {
		id = uuid.NewString()
	}
	d := storage.Detection{
		ID:          id,
		At:          r.At,
		Status:      string(r.Status),
		Probability: r.Probability,
		SnapshotRef: r.SnapshotRef,
		ErrorDetail: r.ErrorDetail,
		Source:      string(r.Source),
		JobFile:     p.currentFile(),
		Paused:      r.Paused,
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.AppendDetection(cctx, d); err != nil {
		p.Log.Warn("history append failed", logx.Err(err))
	}
}

func (p *Plugin) alert(ctx context.Context, r detector.Result) {
	var a notifier.Alert
	switch r.Status {
	case detector.StatusFailure:
		a = notifier.Alert{
			Key:      "failuredetector:failure:" + r.SnapshotRef,
			Priority: notifier.PriorityFailure,
			Text:     formatFailureAlert(r, p.settings.load().threshold, p.currentFile()),
			Photo:    r.Snapshot(),
		}
	case detector.StatusError:
		if !p.settings.load().alertErrors || r.Source != detector.SourceSchedule {
			return
		}
		// One alert per distinct detail per dedup window.
		a = notifier.Alert{
			Key:      "failuredetector:error:" + r.ErrorDetail,
			Priority: notifier.PriorityWarn,
			Text:     formatErrorAlert(r),
		}
	default:
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.Alert(cctx, a)
	switch {
	case err == nil:
	case errors.Is(err, plugin.ErrNoTarget), errors.Is(err, plugin.ErrNoNotifier), errors.Is(err, notifier.ErrDisabled):
		p.Log.Debug("alert skipped", logx.String("status", string(r.Status)), logx.Err(err))
	default:
		p.Log.Warn("alert failed", logx.String("status", string(r.Status)), logx.Err(err))
	}
}

func (p *Plugin) postPrintDialog(ev octoprint.Event, job octoprint.Job) {
	msg := postPrintMessage{Type: msgPostPrintDialog, Event: string(ev), File: job.File, At: time.Now()}
	p.Publish(eventbus.TopicPostPrint, msg)
	if api := p.Deps.API; api != nil {
		api.Broadcast(socketEvent, pluginMessage{Plugin: Name, Data: msg})
	}
}
