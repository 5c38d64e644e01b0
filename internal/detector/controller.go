package detector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"failuredetector/internal/runtime/supervisor"
	"failuredetector/pkg/logx"
)

// Config assembles a Controller.
type Config struct {
	Settings   Settings
	Models     Models
	Camera     Camera
	Printer    Pauser
	Preprocess Preprocess
	Clock      Clock
	// Emit receives every result. It must not block.
	Emit func(Result)
	Log  logx.Logger
}

// Controller maps print lifecycle events to monitoring sessions.
type Controller struct {
	state *State
	cycle *Cycle
	sched *Scheduler
	emit  func(Result)
	log   logx.Logger
	sup   *supervisor.Supervisor

	mu      sync.Mutex
	session *session
	seq     uint64

	last atomic.Pointer[Result]
}

type session struct {
	id     uint64
	cancel context.CancelFunc
}

func NewController(parent context.Context, cfg Config) *Controller {
	log := cfg.Log.With(logx.String("comp", "detector"))
	c := &Controller{
		state: &State{},
		log:   log,
		sup:   supervisor.New(parent, supervisor.WithLogger(log)),
	}
	user := cfg.Emit
	c.emit = func(r Result) {
		if r.Terminal() {
			rr := r
			c.last.Store(&rr)
		}
		if user != nil {
			user(r)
		}
	}
	c.cycle = NewCycle(CycleDeps{
		State:      c.state,
		Settings:   cfg.Settings,
		Models:     cfg.Models,
		Camera:     cfg.Camera,
		Printer:    cfg.Printer,
		Preprocess: cfg.Preprocess,
		Emit:       c.emit,
		Log:        log,
	})
	c.sched = NewScheduler(c.state, cfg.Models, cfg.Settings, c.cycle, cfg.Clock, c.emit, log)
	return c
}

// Active reports whether a print is being monitored.
func (c *Controller) Active() bool { return c.state.Active() }

// Last returns the most recent terminal result.
func (c *Controller) Last() (Result, bool) {
	if p := c.last.Load(); p != nil {
		return *p, true
	}
	return Result{}, false
}

// OnPrintEvent handles a lifecycle notification. It never blocks on a running cycle.
func (c *Controller) OnPrintEvent(ev PrintEvent) {
	switch ev {
	case PrintStarted:
		if !c.state.TryStart() {
			c.log.Debug("print started while already monitoring")
			return
		}
		c.startSession()
	case PrintDone, PrintFailed, PrintCancelled:
		was := c.state.Stop()
		c.cancelSession()
		c.log.Info("monitoring stopped", logx.String("event", string(ev)), logx.Bool("was_active", was))
		c.emit(Result{Status: StatusIdle, Source: SourceLifecycle, At: time.Now()})
	default:
		c.log.Warn("unknown print event", logx.String("event", string(ev)))
	}
}

func (c *Controller) startSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A previous loop may still be finishing its cycle after a failure stop.
	if c.session != nil {
		c.session.cancel()
	}
	c.seq++
	ctx, cancel := context.WithCancel(c.sup.Context())
	s := &session{id: c.seq, cancel: cancel}
	c.session = s

	c.log.Info("monitoring started", logx.Uint64("session", s.id))
	c.sup.Go0("monitor", func(context.Context) {
		defer cancel()
		c.sched.Run(ctx)
	})
}

func (c *Controller) cancelSession() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// ForceCheck runs one cycle now regardless of monitoring state.
func (c *Controller) ForceCheck(ctx context.Context) Result {
	return c.cycle.Run(ctx, SourceManual)
}

// Close stops monitoring and waits for background work.
func (c *Controller) Close(ctx context.Context) error {
	c.state.Stop()
	c.cancelSession()
	return c.sup.Stop(ctx)
}
