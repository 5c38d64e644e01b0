package detector

import (
	"context"
	"errors"
	"time"

	"failuredetector/pkg/logx"
)

// Clock is the time source of the scheduler wait loop.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// waitStep bounds how long a stop takes to be noticed while waiting between cycles.
const waitStep = time.Second

// Scheduler runs cycles while monitoring is active.
type Scheduler struct {
	state    *State
	models   Models
	settings Settings
	cycle    *Cycle
	clock    Clock
	emit     func(Result)
	log      logx.Logger
}

func NewScheduler(state *State, models Models, settings Settings, cycle *Cycle, clock Clock, emit func(Result), log logx.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if emit == nil {
		emit = func(Result) {}
	}
	return &Scheduler{state: state, models: models, settings: settings, cycle: cycle, clock: clock, emit: emit, log: log}
}

// Run loops until monitoring stops, the model is missing or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	cycles := 0
	defer func() { s.log.Info("monitoring loop exited", logx.Int("cycles", cycles)) }()

	for ctx.Err() == nil && s.state.Active() {
		if s.models.Engine() == nil {
			if s.state.Stop() {
				s.log.Warn("model not loaded; monitoring stopped until reload")
				s.emit(Result{Status: StatusError, ErrorDetail: detailNotLoaded, Source: SourceSchedule, At: time.Now()})
			}
			return
		}
		s.cycle.Run(ctx, SourceSchedule)
		cycles++

		if err := s.wait(ctx, interval(s.settings)); err != nil {
			return
		}
	}
}

var errStopped = errors.New("monitoring stopped")

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	for waited := time.Duration(0); waited < d; waited += waitStep {
		if !s.state.Active() {
			return errStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(waitStep):
		}
	}
	return nil
}
