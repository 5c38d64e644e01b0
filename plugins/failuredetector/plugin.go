// Package failuredetector is the plugin that watches prints through the webcam
// and pauses the job when the classifier sees a failure.
package failuredetector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"failuredetector/internal/detector"
	"failuredetector/internal/inference"
	"failuredetector/internal/metrics"
	"failuredetector/internal/octoprint"
	"failuredetector/internal/plugin"
	logx "failuredetector/pkg/logx"
)

const (
	Name = "failuredetector"

	jobPrune   = "history_prune"
	jobSummary = "daily_summary"

	sinkQueue = 64
)

var errNoPrinter = errors.New("print server not configured")

type Plugin struct {
	plugin.Base

	settings liveSettings
	models   *inference.Holder

	// Collaborators default to Deps at Init. Tests replace them.
	camera detector.Camera
	pauser detector.Pauser
	jobs   octoprint.JobSource
	clock  detector.Clock

	mu      sync.Mutex
	started bool
	ctrl    *detector.Controller
	watcher *octoprint.Watcher
	sink    chan detector.Result

	job atomic.Pointer[octoprint.Job]
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(_ context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if p.camera == nil && deps.Camera != nil {
		p.camera = deps.Camera
	}
	if deps.Printer != nil {
		if p.pauser == nil {
			p.pauser = deps.Printer
		}
		if p.jobs == nil {
			p.jobs = deps.Printer
		}
	}
	if p.pauser == nil {
		p.pauser = noPrinter{}
	}
	p.models = inference.NewHolder(p.settings.load().modelDir, p.Log)
	return nil
}

type noPrinter struct{}

func (noPrinter) Pause(context.Context, string) error { return errNoPrinter }

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	_, err = resolve(c)
	return err
}

// OnConfigChange swaps settings in place. A new model_dir reloads the model and
// schedule edits re-register jobs; the running session is never restarted.
func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	r, err := resolve(c)
	if err != nil {
		return err
	}
	prev := p.settings.load()
	p.settings.store(r)

	p.mu.Lock()
	started := p.started
	w := p.watcher
	p.mu.Unlock()

	if w != nil && p.Deps.Host != nil {
		w.SetInterval(p.Deps.Host.PrinterPoll())
	}
	if !started {
		if p.models != nil {
			p.models.SetDir(r.modelDir)
		}
		return nil
	}
	if r.modelDir != prev.modelDir {
		p.models.SetDir(r.modelDir)
		p.reloadModel(ctx)
	}
	if r.pruneSpec != prev.pruneSpec || r.summarySpec != prev.summarySpec {
		p.applySchedules(r)
	}
	p.Log.Info("settings applied",
		logx.Duration("interval", r.interval),
		logx.Float64("threshold", r.threshold),
		logx.Bool("snapshot_url_set", r.url != ""),
	)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	r := p.settings.load()

	p.models.SetDir(r.modelDir)
	p.reloadModel(ctx)

	sink := make(chan detector.Result, sinkQueue)
	ctrl := detector.NewController(ctx, detector.Config{
		Settings: &p.settings,
		Models:   p.models,
		Camera:   p.camera,
		Printer:  p.pauser,
		Clock:    p.clock,
		Emit:     p.emit,
		Log:      p.Log,
	})

	p.mu.Lock()
	p.sink = sink
	p.ctrl = ctrl
	p.started = true
	p.mu.Unlock()

	p.Runner.Go0("status.sink", func(c context.Context) { p.sinkLoop(c, sink) })

	if p.jobs != nil {
		poll := time.Duration(0)
		if p.Deps.Host != nil {
			poll = p.Deps.Host.PrinterPoll()
		}
		w := octoprint.NewWatcher(p.jobs, poll, p.Log.With(logx.String("comp", "watcher")), p.onPrintEvent)
		p.mu.Lock()
		p.watcher = w
		p.mu.Unlock()
		p.Runner.GoRestart("printer.watch", w.Run)
	} else {
		p.Log.Warn("print server not configured; monitoring only starts on manual checks")
	}

	if api := p.Deps.API; api != nil {
		api.Register(Name, &endpoint{p: p})
	}
	p.applySchedules(r)
	metrics.SetMonitoring(false)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	ctrl := p.ctrl
	p.started = false
	p.ctrl = nil
	p.watcher = nil
	p.mu.Unlock()

	if api := p.Deps.API; api != nil {
		api.Unregister(Name)
	}
	var errs []error
	if ctrl != nil {
		errs = append(errs, ctrl.Close(ctx))
	}
	errs = append(errs, p.StopBase(ctx))
	metrics.SetMonitoring(false)
	return errors.Join(errs...)
}

func (p *Plugin) controller() *detector.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

func (p *Plugin) reloadModel(ctx context.Context) error {
	err := p.models.Load(ctx)
	metrics.SetModelLoaded(p.models.Loaded())
	return err
}

// onPrintEvent forwards watcher transitions to the controller. A finished
// print also asks the UI for an outcome report.
func (p *Plugin) onPrintEvent(ev octoprint.Event, job octoprint.Job) {
	ctrl := p.controller()
	if ctrl == nil {
		return
	}
	j := job
	p.job.Store(&j)

	ctrl.OnPrintEvent(detector.PrintEvent(ev))
	metrics.SetMonitoring(ctrl.Active())

	switch ev {
	case octoprint.EventDone, octoprint.EventFailed, octoprint.EventCancelled:
		p.postPrintDialog(ev, job)
	}
}

func (p *Plugin) applySchedules(r resolved) {
	if p.Deps.Scheduler == nil || p.Deps.Store == nil {
		p.Log.Debug("housekeeping jobs skipped", logx.Bool("scheduler", p.Deps.Scheduler != nil), logx.Bool("storage", p.Deps.Store != nil))
		return
	}
	if err := p.Schedule(jobPrune, r.pruneSpec, 2*time.Minute, p.pruneHistory); err != nil {
		p.Log.Warn("history prune not scheduled", logx.Err(err))
	}
	if r.summarySpec == "" {
		p.Unschedule(jobSummary)
		return
	}
	if err := p.Schedule(jobSummary, r.summarySpec, time.Minute, p.sendSummary); err != nil {
		p.Log.Warn("daily summary not scheduled", logx.Err(err))
	}
}
