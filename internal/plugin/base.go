package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"failuredetector/internal/eventbus"
	"failuredetector/internal/notifier"
	"failuredetector/internal/runtime/supervisor"
	"failuredetector/internal/schedule"
	logx "failuredetector/pkg/logx"
)

var (
	ErrNoScheduler = errors.New("scheduler not available")
	ErrNoNotifier  = errors.New("notifier not available")
	ErrNoTarget    = errors.New("alert chat not configured")
)

// Base is embedded by plugins. It owns the plugin supervisor and the jobs the
// plugin registered, so StopBase leaves nothing behind.
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, d plugin.Deps) error { p.InitBase(d, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	name string
	ctx  context.Context

	jobsMu sync.Mutex
	jobs   map[string]struct{}
}

func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

// StartBase creates the plugin supervisor bound to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase removes the plugin jobs, cancels the supervisor and waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	b.jobsMu.Lock()
	names := b.jobs
	b.jobs = nil
	b.jobsMu.Unlock()
	if s := b.Deps.Scheduler; s != nil {
		for n := range names {
			s.Remove(n)
		}
	}
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context is the plugin run context; it ends on stop or disable.
func (b *Base) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// JobName namespaces a job by plugin.
func (b *Base) JobName(name string) string {
	if b.name == "" {
		return name
	}
	return b.name + ":" + name
}

// Schedule registers (or replaces) a namespaced housekeeping job.
func (b *Base) Schedule(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	s := b.Deps.Scheduler
	if s == nil {
		return ErrNoScheduler
	}
	full := b.JobName(name)
	if err := s.Add(schedule.Job{Name: full, Spec: spec, Timeout: timeout, Run: run}); err != nil {
		return err
	}
	b.jobsMu.Lock()
	if b.jobs == nil {
		b.jobs = map[string]struct{}{}
	}
	b.jobs[full] = struct{}{}
	b.jobsMu.Unlock()
	return nil
}

// Unschedule removes a namespaced job. Unknown names are ignored.
func (b *Base) Unschedule(name string) {
	full := b.JobName(name)
	b.jobsMu.Lock()
	delete(b.jobs, full)
	b.jobsMu.Unlock()
	if s := b.Deps.Scheduler; s != nil {
		s.Remove(full)
	}
}

// Alert queues a notification to the operator chat from Host.AlertTarget
// unless a.Target is already set.
func (b *Base) Alert(ctx context.Context, a notifier.Alert) error {
	n := b.Deps.Notifier
	if n == nil {
		return ErrNoNotifier
	}
	if a.Target.IsZero() && b.Deps.Host != nil {
		a.Target = b.Deps.Host.AlertTarget()
	}
	if a.Target.IsZero() {
		return ErrNoTarget
	}
	return n.Notify(ctx, a)
}

// Publish puts an event on the bus. It never blocks.
func (b *Base) Publish(typ string, data any) {
	if bus := b.Deps.Bus; bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// DecodeConfig decodes a plugin config block strictly. Empty input yields the zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode plugin config: %w", err)
	}
	return out, nil
}
