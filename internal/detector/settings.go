package detector

import (
	"time"

	"failuredetector/internal/snapshot"
)

// Settings is read on every use so live edits apply on the next tick.
type Settings interface {
	CheckInterval() time.Duration
	FailureThreshold() float64
	SnapshotURL() string
	SnapshotTimeout() time.Duration
}

const (
	DefaultCheckInterval    = 10 * time.Second
	DefaultFailureThreshold = 0.75
	MinCheckInterval        = time.Second
)

// StaticSettings is a fixed Settings value.
type StaticSettings struct {
	Interval  time.Duration
	Threshold float64
	URL       string
	Timeout   time.Duration
}

func (s StaticSettings) CheckInterval() time.Duration   { return s.Interval }
func (s StaticSettings) FailureThreshold() float64      { return s.Threshold }
func (s StaticSettings) SnapshotURL() string            { return s.URL }
func (s StaticSettings) SnapshotTimeout() time.Duration { return s.Timeout }

func interval(s Settings) time.Duration {
	d := s.CheckInterval()
	if d < MinCheckInterval {
		return MinCheckInterval
	}
	return d
}

func captureTimeout(s Settings) time.Duration {
	return snapshot.ClampTimeout(s.SnapshotTimeout())
}
