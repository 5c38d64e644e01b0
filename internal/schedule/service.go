package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"failuredetector/internal/eventbus"
	logx "failuredetector/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string
}

// Job is a housekeeping task. Timeout bounds each run (0 means no bound).
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	LastErr string    `json:"last_err,omitempty"`
}

type entry struct {
	job     Job
	spec    Spec
	id      cron.EntryID
	running bool
	lastErr string
}

// Service triggers jobs on cron or interval schedules through robfig/cron.
// A job never overlaps with itself; a trigger that fires during a run is skipped.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	parser  cron.Parser
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional accepts 5- and 6-field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

// Add registers or replaces a job by name.
func (s *Service) Add(j Job) error {
	if strings.TrimSpace(j.Name) == "" || j.Run == nil {
		return fmt.Errorf("job name and func required")
	}
	spec, err := Parse(j.Spec)
	if err != nil {
		return fmt.Errorf("%s: %w", j.Name, err)
	}
	if spec.Kind == KindCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", j.Name, spec.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[j.Name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{job: j, spec: spec}
	s.entries[j.Name] = e
	if s.c != nil {
		return s.registerLocked(e)
	}
	return nil
}

func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
}

func (s *Service) registerLocked(e *entry) error {
	var sched cron.Schedule
	if e.spec.Kind == KindInterval {
		sched = cron.Every(e.spec.Every)
	} else {
		parsed, err := s.parser.Parse(e.spec.Cron)
		if err != nil {
			return err
		}
		sched = parsed
	}
	name := e.job.Name
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	return nil
}

func (s *Service) fire(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	ctx := s.ctx
	if !ok || ctx == nil || e.running {
		s.mu.Unlock()
		if ok {
			s.log.Debug("job still running; trigger skipped", logx.String("job", name))
		}
		return
	}
	e.running = true
	job := e.job
	s.mu.Unlock()

	start := time.Now()
	err := s.run(ctx, job)

	s.mu.Lock()
	e.running = false
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "schedule.ran", Data: map[string]any{"job": name, "ok": err == nil}})
	}
}

func (s *Service) run(ctx context.Context, j Job) (err error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run(ctx)
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, e.job)
}

// Start begins triggering. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.entries)))
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply updates the config. A timezone or enable change restarts triggering.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if old == cfg {
		return
	}
	if running {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s.Stop(sctx)
		cancel()
	}
	s.Start(ctx)
}

func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{Name: e.job.Name, Spec: e.spec.String(), LastErr: e.lastErr}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
