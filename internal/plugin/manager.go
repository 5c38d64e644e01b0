package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"failuredetector/internal/commands"
	"failuredetector/internal/config"
	"failuredetector/internal/eventbus"
	logx "failuredetector/pkg/logx"
)

const callTimeout = 10 * time.Second

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// CommandSink receives the merged command list of running plugins.
type CommandSink interface {
	SetCommands(cmds []commands.Command)
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

// Manager starts, stops and reconfigures registered plugins to match config.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	sink CommandSink
	cfg  *config.Config

	reg    map[string]Plugin
	run    map[string]bool
	inited map[string]bool

	lastRawHash    map[string]uint64
	lastGlobalHash uint64

	// baseCtx outlives the call-scoped contexts passed to StartAll/OnConfigUpdate.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	// quarantine keeps a plugin disabled until its config block changes.
	quarantine map[string]quarantineState
}

func NewManager(log logx.Logger, deps Deps, sink CommandSink) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log.With(logx.String("comp", "plugins")),
		deps:        deps,
		sink:        sink,
		cfg:         &config.Config{},
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pctx:        map[string]context.Context{},
		pcancel:     map[string]context.CancelFunc{},
		quarantine:  map[string]quarantineState{},
	}
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	if bus := pm.deps.Bus; bus != nil {
		bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
}

// bindContext ties baseCtx to appCtx. First bind wins.
func (pm *Manager) bindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	cancel := pm.baseCancel
	pm.mu.Unlock()
	context.AfterFunc(appCtx, cancel)
}

func (pm *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	pm.bindContext(ctx)
	return pm.reconcile(cfg)
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.bindContext(ctx)
	_ = pm.reconcile(cfg)
}

func (pm *Manager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	pm.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}
	pm.refreshCommands()
	pm.baseCancel()
}

func (pm *Manager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))
	if cancel != nil {
		cancel()
	}

	// A plugin that ignores stopCtx must not hold shutdown hostage.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

// globalDepsHash covers the host settings plugins read through Deps.Host.
func globalDepsHash(cfg *config.Config) uint64 {
	if cfg == nil {
		return 0
	}
	d := struct {
		AlertChat   int64  `json:"alert_chat"`
		AlertThread int    `json:"alert_thread"`
		Poll        string `json:"poll"`
	}{cfg.Telegram.AlertChatID, cfg.Telegram.AlertThreadID, cfg.Printer.PollInterval}
	b, _ := json.Marshal(d)
	return config.CanonicalHashJSON(b)
}

func (pm *Manager) isQuarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st, ok := pm.quarantine[name]
	return ok && st.rawHash == rawHash
}

func (pm *Manager) clearQuarantineOnChange(name string, rawHash uint64) {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	if !ok || st.rawHash == rawHash {
		pm.mu.Unlock()
		return
	}
	delete(pm.quarantine, name)
	pm.mu.Unlock()
	pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
	pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	count := 1
	if ok {
		count = prev.count + 1
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: count}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr, Count: count})
}

func (pm *Manager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		cfg = &config.Config{}
	}
	newGlobal := globalDepsHash(cfg)

	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		running bool
	}
	pm.mu.Lock()
	pm.cfg = cfg
	globalChanged := newGlobal != pm.lastGlobalHash
	ops := make([]op, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       p,
			raw:     raw,
			rawHash: config.CanonicalHashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			pm.enable(o.name, o.p, o.raw, o.rawHash)
		case !o.enabled && o.running:
			pm.emit("plugin.disable_requested", pluginEvent{Plugin: o.name})
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, StopDisable)
			cancel()
		case o.enabled && o.running:
			pm.reconfigure(o.name, o.p, o.raw, o.rawHash, globalChanged)
		}
	}

	pm.mu.Lock()
	pm.lastGlobalHash = newGlobal
	pm.mu.Unlock()
	pm.refreshCommands()
	return nil
}

func (pm *Manager) enable(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64) {
	pm.clearQuarantineOnChange(name, rawHash)
	if pm.isQuarantined(name, rawHash) {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name))
		return
	}
	if err := validateStandardTimeouts(name, raw.Config); err != nil {
		pm.setQuarantine(name, rawHash, err, "timeouts")
		return
	}
	pm.emit("plugin.enable_requested", pluginEvent{Plugin: name})

	pctx, cancel := context.WithCancel(pm.baseCtx)

	// Init runs once per process; enable/disable cycles reuse the instance.
	pm.mu.Lock()
	needInit := !pm.inited[name]
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, pm.deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: name, Err: err.Error()})
			cancel()
			return
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if v, ok := p.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config validate: %w", err), "validate")
			cancel()
			return
		}
	}
	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config apply: %w", err), "config")
			cancel()
			return
		}
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: name, Err: err.Error()})
		cancel()
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pctx[name] = pctx
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	delete(pm.quarantine, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit("plugin.started", pluginEvent{Plugin: name})
}

func (pm *Manager) reconfigure(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64, globalChanged bool) {
	cp, ok := p.(ConfigurablePlugin)
	if !ok {
		return
	}
	pm.mu.Lock()
	oldHash := pm.lastRawHash[name]
	pctx := pm.pctx[name]
	pm.mu.Unlock()
	if pctx == nil {
		pctx = pm.baseCtx
	}

	// Unrelated reloads must not thrash schedules or loops.
	if rawHash == oldHash && !globalChanged {
		pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", name))
		return
	}

	quarantine := func(err error, stage string) {
		pm.setQuarantine(name, rawHash, err, stage)
		stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		pm.stopOne(stopCtx, name, StopQuarantine)
		cancel()
	}
	if rawHash != oldHash {
		if err := validateStandardTimeouts(name, raw.Config); err != nil {
			quarantine(err, "timeouts")
			return
		}
		if v, ok := p.(ConfigValidator); ok {
			cctx, ccancel := context.WithTimeout(pctx, callTimeout)
			err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
			ccancel()
			if err != nil {
				quarantine(fmt.Errorf("config validate: %w", err), "validate")
				return
			}
		}
	}
	cctx, ccancel := context.WithTimeout(pctx, callTimeout)
	err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
	ccancel()
	if err != nil {
		quarantine(fmt.Errorf("config apply: %w", err), "config")
		return
	}
	pm.emit("plugin.config_applied", pluginEvent{Plugin: name})
	pm.mu.Lock()
	pm.lastRawHash[name] = rawHash
	pm.mu.Unlock()
}

// startWithTimeout calls Start(pctx) with a deadline. On timeout pctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshCommands() {
	if pm.sink == nil {
		return
	}
	pm.mu.Lock()
	cfg := pm.cfg
	type entry struct {
		name string
		p    Plugin
	}
	var running []entry
	for name, p := range pm.reg {
		if pm.run[name] {
			running = append(running, entry{name, p})
		}
	}
	pm.mu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].name < running[j].name })

	var cmds []commands.Command
	for _, e := range running {
		pto, has := pluginCommandTimeout(cfg, e.name)
		for _, c := range pm.safeCommands(e.name, e.p) {
			c.Plugin = e.name
			if has && c.Timeout <= 0 {
				c.Timeout = pto
			}
			cmds = append(cmds, c)
		}
	}
	pm.sink.SetCommands(cmds)
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []commands.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = nil
		}
	}()
	return p.Commands()
}

type timeoutsBlock struct {
	Timeouts map[string]string `json:"timeouts"`
}

// pluginCommandTimeout reads plugins.<name>.config.timeouts.command.
func pluginCommandTimeout(cfg *config.Config, plugin string) (time.Duration, bool) {
	if cfg == nil {
		return 0, false
	}
	raw, ok := cfg.Plugins[plugin]
	if !ok || len(raw.Config) == 0 {
		return 0, false
	}
	var w timeoutsBlock
	if err := json.Unmarshal(raw.Config, &w); err != nil {
		return 0, false
	}
	d, err := time.ParseDuration(w.Timeouts["command"])
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// validateStandardTimeouts checks the optional "timeouts" object shared by all plugins.
func validateStandardTimeouts(plugin string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil
	}
	b, ok := top["timeouts"]
	if !ok || len(b) == 0 || string(b) == "null" {
		return nil
	}
	var tm map[string]json.RawMessage
	if err := json.Unmarshal(b, &tm); err != nil {
		return fmt.Errorf("plugin %s: timeouts must be an object", plugin)
	}
	for k, v := range tm {
		switch k {
		case "command", "operation":
		default:
			return fmt.Errorf("plugin %s: unknown timeouts field %q (supported: command, operation)", plugin, k)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("plugin %s: invalid timeouts.%s: %w", plugin, k, err)
		}
	}
	return nil
}

// ValidateConfig checks enabled plugin blocks before a reload is committed.
// It does not call Init, Start or Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	type target struct {
		name string
		p    Plugin
		raw  config.PluginConfigRaw
	}
	pm.mu.Lock()
	var targets []target
	for name, p := range pm.reg {
		if raw, ok := cfg.Plugins[name]; ok && raw.Enabled {
			targets = append(targets, target{name, p, raw})
		}
	}
	pm.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	for _, t := range targets {
		if err := validateStandardTimeouts(t.name, t.raw.Config); err != nil {
			return err
		}
		v, ok := t.p.(ConfigValidator)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.safeCall("plugin.validate."+t.name, func() error { return v.ValidateConfig(cctx, t.raw.Config) })
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", t.name, err)
		}
	}
	return nil
}

// Snapshot reports every registered plugin, sorted by name.
func (pm *Manager) Snapshot() []Status {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]Status, 0, len(pm.reg))
	for name := range pm.reg {
		st := Status{Name: name, Running: pm.run[name]}
		if raw, ok := pm.cfg.Plugins[name]; ok {
			st.Enabled = raw.Enabled
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = true
			st.QuarantineErr = q.err
			st.QuarantineSince = q.since
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
