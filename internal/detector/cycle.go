package detector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"

	"failuredetector/internal/imaging"
	"failuredetector/internal/inference"
	"failuredetector/internal/snapshot"
	"failuredetector/pkg/logx"
)

// Camera captures one still frame.
type Camera interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (snapshot.Frame, error)
}

// Models hands out the currently loaded engine, or nil.
type Models interface {
	Engine() *inference.Engine
}

// Pauser pauses the running print job.
type Pauser interface {
	Pause(ctx context.Context, reason string) error
}

// Preprocess converts image bytes into a tensor for the given input.
type Preprocess func(data []byte, spec inference.InputSpec) (inference.Tensor, error)

// CycleDeps are the collaborators of one detection cycle.
type CycleDeps struct {
	State      *State
	Settings   Settings
	Models     Models
	Camera     Camera
	Printer    Pauser
	Preprocess Preprocess
	Emit       func(Result)
	Log        logx.Logger
	Now        func() time.Time
}

// Cycle performs a single capture, inference and decision.
type Cycle struct {
	d CycleDeps
}

func NewCycle(d CycleDeps) *Cycle {
	if d.Preprocess == nil {
		d.Preprocess = imaging.Preprocess
	}
	if d.Emit == nil {
		d.Emit = func(Result) {}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Cycle{d: d}
}

// Run executes one cycle and returns its terminal result. It never panics and never
// returns an error; every failure is reported as a StatusError result.
func (c *Cycle) Run(ctx context.Context, src Source) (res Result) {
	start := c.d.Now()
	log := c.d.Log.With(logx.String("source", string(src)))

	defer func() {
		if r := recover(); r != nil {
			err := xerrors.New(fmt.Errorf("cycle panic: %v", r))
			log.Error("detection cycle panicked", logx.Err(err), logx.Stack(string(debug.Stack())))
			res = c.errorResult(src, start, err)
		}
		c.d.Emit(res)
	}()

	engine := c.d.Models.Engine()
	if engine == nil || !engine.Input().Valid() {
		return c.errorResult(src, start, errors.New(detailNotLoaded))
	}

	c.d.Emit(Result{Status: StatusChecking, Source: src, At: start})

	frame, err := c.d.Camera.Fetch(ctx, c.d.Settings.SnapshotURL(), captureTimeout(c.d.Settings))
	if err != nil {
		log.Warn("snapshot capture failed", logx.Err(err))
		return c.errorResult(src, start, fmt.Errorf("capture: %w", err))
	}

	tensor, err := c.d.Preprocess(frame.Data, engine.Input())
	if err != nil {
		err = xerrors.New(fmt.Errorf("preprocess: %w", err))
		log.Warn("snapshot preprocess failed", logx.Err(err), logx.String("content_type", frame.ContentType), logx.Int("bytes", len(frame.Data)))
		return c.errorResult(src, start, err)
	}

	p, raw, err := engine.Infer(ctx, tensor)
	if err != nil {
		err = xerrors.New(fmt.Errorf("inference: %w", err))
		log.Warn("inference failed", logx.Err(err), logx.Any("raw", raw))
		return c.errorResult(src, start, err)
	}

	threshold := c.d.Settings.FailureThreshold()
	res = Result{
		Status:      StatusIdle,
		Probability: &p,
		SnapshotRef: uuid.NewString(),
		Source:      src,
		snapshot:    frame.Data,
	}
	if p > threshold {
		res.Status = StatusFailure
		log.Warn("print failure detected",
			logx.Float64("probability", p),
			logx.Float64("threshold", threshold),
			logx.String("snapshot", res.SnapshotRef),
		)
		// Only the cycle that clears the flag pauses; a racing cycle sees it already cleared.
		if c.d.State.Stop() {
			res.Paused, res.ErrorDetail = c.pause(ctx, log)
		}
	} else {
		log.Debug("print looks fine", logx.Float64("probability", p), logx.Float64("threshold", threshold))
	}
	res.At = c.d.Now()
	res.Took = res.At.Sub(start)
	return res
}

func (c *Cycle) pause(ctx context.Context, log logx.Logger) (bool, string) {
	if c.d.Printer == nil {
		log.Error("no printer to pause")
		return false, "pause failed: no printer"
	}
	if err := c.d.Printer.Pause(ctx, PauseReason); err != nil {
		log.Error("pause command failed; monitoring stopped anyway", logx.Err(err), logx.String("reason", PauseReason))
		return false, "pause failed: " + err.Error()
	}
	log.Info("print paused", logx.String("reason", PauseReason))
	return true, ""
}

func (c *Cycle) errorResult(src Source, start time.Time, err error) Result {
	now := c.d.Now()
	return Result{
		Status:      StatusError,
		ErrorDetail: err.Error(),
		Source:      src,
		At:          now,
		Took:        now.Sub(start),
	}
}
