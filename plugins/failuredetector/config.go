package failuredetector

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"failuredetector/internal/config"
	"failuredetector/internal/detector"
	"failuredetector/internal/schedule"
	"failuredetector/internal/snapshot"
)

// Config is the plugins.failuredetector.config block.
//
//	check_interval_seconds: 10
//	failure_confidence_threshold: 0.75
//	snapshot_source_url: "http://127.0.0.1:8080/?action=snapshot"
//	snapshot_timeout: "10s"
//	model_dir: "./model"
//	history_retention: "720h"
//	prune_schedule: "@daily"
//	summary_schedule: "0 21 * * *"
//	alert_errors: true
type Config struct {
	CheckIntervalSeconds       int      `json:"check_interval_seconds,omitempty"`
	FailureConfidenceThreshold *float64 `json:"failure_confidence_threshold,omitempty"`
	SnapshotSourceURL          string   `json:"snapshot_source_url,omitempty"`
	SnapshotTimeout            string   `json:"snapshot_timeout,omitempty"`
	ModelDir                   string   `json:"model_dir,omitempty"`

	HistoryRetention string `json:"history_retention,omitempty"`
	PruneSchedule    string `json:"prune_schedule,omitempty"`
	SummarySchedule  string `json:"summary_schedule,omitempty"`
	AlertErrors      *bool  `json:"alert_errors,omitempty"`

	Timeouts map[string]string `json:"timeouts,omitempty"`
}

const (
	defaultModelDir       = "./model"
	defaultRetention      = 30 * 24 * time.Hour
	defaultPruneSchedule  = "@daily"
	defaultOperationLimit = 30 * time.Second
)

// resolved is Config with defaults applied and durations parsed.
type resolved struct {
	interval  time.Duration
	threshold float64
	url       string
	timeout   time.Duration
	modelDir  string

	retention   time.Duration
	pruneSpec   string
	summarySpec string
	alertErrors bool
	operation   time.Duration
}

func resolve(c Config) (resolved, error) {
	var errs []error
	r := resolved{
		interval:    detector.DefaultCheckInterval,
		threshold:   detector.DefaultFailureThreshold,
		url:         strings.TrimSpace(c.SnapshotSourceURL),
		modelDir:    strings.TrimSpace(c.ModelDir),
		pruneSpec:   strings.TrimSpace(c.PruneSchedule),
		summarySpec: strings.TrimSpace(c.SummarySchedule),
		alertErrors: c.AlertErrors == nil || *c.AlertErrors,
	}
	switch {
	case c.CheckIntervalSeconds < 0:
		errs = append(errs, errors.New("check_interval_seconds must be > 0"))
	case c.CheckIntervalSeconds > 0:
		r.interval = time.Duration(c.CheckIntervalSeconds) * time.Second
	}
	if t := c.FailureConfidenceThreshold; t != nil {
		if math.IsNaN(*t) || *t < 0 || *t > 1 {
			errs = append(errs, fmt.Errorf("failure_confidence_threshold must be within [0,1], got %v", *t))
		} else {
			r.threshold = *t
		}
	}
	var err error
	if r.timeout, err = config.ParseDurationField("snapshot_timeout", c.SnapshotTimeout); err != nil {
		errs = append(errs, err)
	}
	r.timeout = snapshot.ClampTimeout(r.timeout)
	if r.modelDir == "" {
		r.modelDir = defaultModelDir
	}
	if r.retention, err = config.ParseDurationOrDefault("history_retention", c.HistoryRetention, defaultRetention); err != nil {
		errs = append(errs, err)
	}
	if r.pruneSpec == "" {
		r.pruneSpec = defaultPruneSchedule
	}
	for field, spec := range map[string]string{"prune_schedule": r.pruneSpec, "summary_schedule": r.summarySpec} {
		if spec == "" {
			continue
		}
		if _, err := schedule.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if r.operation, err = config.ParseDurationOrDefault("timeouts.operation", c.Timeouts["operation"], defaultOperationLimit); err != nil {
		errs = append(errs, err)
	}
	return r, errors.Join(errs...)
}

// liveSettings implements detector.Settings over an atomically swapped snapshot.
// The detector reads it on every use, so a reload applies on the next tick.
type liveSettings struct {
	cur atomic.Pointer[resolved]
}

func (s *liveSettings) load() resolved {
	if r := s.cur.Load(); r != nil {
		return *r
	}
	r, _ := resolve(Config{})
	return r
}

func (s *liveSettings) store(r resolved) { s.cur.Store(&r) }

func (s *liveSettings) CheckInterval() time.Duration   { return s.load().interval }
func (s *liveSettings) FailureThreshold() float64      { return s.load().threshold }
func (s *liveSettings) SnapshotURL() string            { return s.load().url }
func (s *liveSettings) SnapshotTimeout() time.Duration { return s.load().timeout }
