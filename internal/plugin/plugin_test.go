package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"failuredetector/internal/commands"
	"failuredetector/internal/config"
	"failuredetector/internal/eventbus"
	"failuredetector/internal/notifier"
	"failuredetector/internal/schedule"
	"failuredetector/internal/transport"
	logx "failuredetector/pkg/logx"
)

type testPlugin struct {
	Base

	mu       sync.Mutex
	inits    int
	starts   int
	stops    int
	applied  []string
	applyErr error
	panicCmd bool
}

type testConfig struct {
	Value    string            `json:"value"`
	Timeouts map[string]string `json:"timeouts,omitempty"`
}

func (p *testPlugin) Name() string { return "demo" }

func (p *testPlugin) Init(_ context.Context, d Deps) error {
	p.InitBase(d, p.Name())
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *testPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *testPlugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := DecodeConfig[testConfig](raw)
	return err
}

func (p *testPlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := DecodeConfig[testConfig](raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = append(p.applied, c.Value)
	return nil
}

func (p *testPlugin) Commands() []commands.Command {
	if p.panicCmd {
		panic("boom")
	}
	return []commands.Command{{Name: "demo_ping", Access: commands.AccessOwnerOnly}}
}

func (p *testPlugin) counts() (int, int, int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.starts, p.stops, append([]string(nil), p.applied...)
}

type sink struct {
	mu   sync.Mutex
	cmds []commands.Command
}

func (s *sink) SetCommands(c []commands.Command) {
	s.mu.Lock()
	s.cmds = c
	s.mu.Unlock()
}

func (s *sink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.cmds {
		out = append(out, c.Plugin+"/"+c.Name+"/"+c.Timeout.String())
	}
	return out
}

func cfgWith(enabled bool, raw string) *config.Config {
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"demo": {Enabled: enabled, Config: json.RawMessage(raw)},
	}}
}

func TestManagerLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &testPlugin{}
	s := &sink{}
	m := NewManager(logx.Nop(), Deps{}, s)
	m.Register(p)

	if err := m.StartAll(ctx, cfgWith(true, `{"value":"a","timeouts":{"command":"3s"}}`)); err != nil {
		t.Fatal(err)
	}
	inits, starts, _, applied := p.counts()
	if inits != 1 || starts != 1 || strings.Join(applied, ",") != "a" {
		t.Fatalf("inits=%d starts=%d applied=%v", inits, starts, applied)
	}
	if got := s.names(); len(got) != 1 || got[0] != "demo/demo_ping/3s" {
		t.Fatalf("commands = %v", got)
	}

	// Whitespace-only change keeps the canonical hash.
	m.OnConfigUpdate(ctx, cfgWith(true, `{ "timeouts": {"command":"3s"}, "value": "a" }`))
	if _, _, _, applied := p.counts(); len(applied) != 1 {
		t.Fatalf("unchanged config reapplied: %v", applied)
	}

	m.OnConfigUpdate(ctx, cfgWith(true, `{"value":"b"}`))
	if _, _, _, applied := p.counts(); strings.Join(applied, ",") != "a,b" {
		t.Fatalf("applied = %v", applied)
	}

	m.OnConfigUpdate(ctx, cfgWith(false, `{"value":"b"}`))
	if _, _, stops, _ := p.counts(); stops != 1 {
		t.Fatalf("stops = %d", stops)
	}
	if got := s.names(); len(got) != 0 {
		t.Fatalf("commands after disable = %v", got)
	}

	// Re-enable reuses the instance without a second Init.
	m.OnConfigUpdate(ctx, cfgWith(true, `{"value":"c"}`))
	if inits, starts, _, _ := p.counts(); inits != 1 || starts != 2 {
		t.Fatalf("inits=%d starts=%d", inits, starts)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	m.StopAll(stopCtx, StopShutdown)
	if _, _, stops, _ := p.counts(); stops != 2 {
		t.Fatalf("stops = %d", stops)
	}
}

func TestManagerQuarantine(t *testing.T) {
	ctx := context.Background()
	p := &testPlugin{}
	m := NewManager(logx.Nop(), Deps{}, nil)
	m.Register(p)

	_ = m.StartAll(ctx, cfgWith(true, `{"value":"a","bogus":1}`))
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Running || !snap[0].Quarantined || !snap[0].Enabled {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Same broken block stays quarantined.
	m.OnConfigUpdate(ctx, cfgWith(true, `{"value":"a","bogus":1}`))
	if _, starts, _, _ := p.counts(); starts != 0 {
		t.Fatalf("started while quarantined")
	}

	m.OnConfigUpdate(ctx, cfgWith(true, `{"value":"a"}`))
	snap = m.Snapshot()
	if !snap[0].Running || snap[0].Quarantined {
		t.Fatalf("snapshot after fix = %+v", snap)
	}

	// A failing apply on a running plugin stops it.
	p.mu.Lock()
	p.applyErr = errors.New("nope")
	p.mu.Unlock()
	m.OnConfigUpdate(ctx, cfgWith(true, `{"value":"z"}`))
	snap = m.Snapshot()
	if snap[0].Running || !strings.Contains(snap[0].QuarantineErr, "nope") {
		t.Fatalf("snapshot after failed apply = %+v", snap)
	}
}

func TestValidateConfig(t *testing.T) {
	m := NewManager(logx.Nop(), Deps{}, nil)
	m.Register(&testPlugin{})
	ctx := context.Background()

	cases := []struct {
		name    string
		cfg     *config.Config
		wantErr string
	}{
		{"ok", cfgWith(true, `{"value":"x"}`), ""},
		{"disabled is skipped", cfgWith(false, `{"bogus":1}`), ""},
		{"unknown field", cfgWith(true, `{"bogus":1}`), "config validate"},
		{"bad timeout", cfgWith(true, `{"timeouts":{"command":"soon"}}`), "timeouts.command"},
		{"unknown timeout", cfgWith(true, `{"timeouts":{"job":"1s"}}`), "unknown timeouts field"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.ValidateConfig(ctx, tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestCommandsPanicIsContained(t *testing.T) {
	p := &testPlugin{panicCmd: true}
	s := &sink{}
	m := NewManager(logx.Nop(), Deps{}, s)
	m.Register(p)
	_ = m.StartAll(context.Background(), cfgWith(true, `{}`))
	if got := s.names(); len(got) != 0 {
		t.Fatalf("commands = %v", got)
	}
	if snap := m.Snapshot(); !snap[0].Running {
		t.Fatalf("plugin should keep running")
	}
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]schedule.Job
}

func (f *fakeScheduler) Add(j schedule.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = map[string]schedule.Job{}
	}
	f.jobs[j.Name] = j
	return nil
}

func (f *fakeScheduler) Remove(name string) {
	f.mu.Lock()
	delete(f.jobs, name)
	f.mu.Unlock()
}

func (f *fakeScheduler) RunNow(context.Context, string) error { return nil }

type fakeNotifier struct{ got []notifier.Alert }

func (f *fakeNotifier) Notify(_ context.Context, a notifier.Alert) error {
	f.got = append(f.got, a)
	return nil
}

type fakeHost struct{ target transport.ChatTarget }

func (h fakeHost) AlertTarget() transport.ChatTarget { return h.target }
func (h fakeHost) PrinterPoll() time.Duration        { return time.Second }

func TestBaseHelpers(t *testing.T) {
	sched := &fakeScheduler{}
	n := &fakeNotifier{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe("demo.", 4)
	defer unsub()

	var b Base
	b.InitBase(Deps{Scheduler: sched, Notifier: n, Bus: bus, Host: fakeHost{transport.ChatTarget{ChatID: 42}}}, "demo")
	b.StartBase(context.Background())

	if err := b.Schedule("prune", "1h", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if _, ok := sched.jobs["demo:prune"]; !ok {
		t.Fatalf("jobs = %v", sched.jobs)
	}

	if err := b.Alert(context.Background(), notifier.Alert{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(n.got) != 1 || n.got[0].Target.ChatID != 42 {
		t.Fatalf("alerts = %+v", n.got)
	}

	b.Publish("demo.ping", 1)
	select {
	case ev := <-events:
		if ev.Type != "demo.ping" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	if err := b.StopBase(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sched.jobs) != 0 {
		t.Fatalf("jobs left after stop: %v", sched.jobs)
	}
}

func TestBaseAlertWithoutTarget(t *testing.T) {
	var b Base
	b.InitBase(Deps{Notifier: &fakeNotifier{}, Host: fakeHost{}}, "demo")
	if err := b.Alert(context.Background(), notifier.Alert{Text: "x"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v", err)
	}
	var bare Base
	bare.InitBase(Deps{}, "demo")
	if err := bare.Schedule("x", "1h", 0, func(context.Context) error { return nil }); !errors.Is(err, ErrNoScheduler) {
		t.Fatalf("err = %v", err)
	}
}
