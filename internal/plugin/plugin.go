// Package plugin hosts plugins: a small contract, a base helper that owns a
// per-plugin supervisor, and a manager that reconciles plugins with config.
package plugin

import (
	"context"
	"encoding/json"
	"time"

	"failuredetector/internal/commands"
	"failuredetector/internal/eventbus"
	"failuredetector/internal/httpapi"
	"failuredetector/internal/notifier"
	"failuredetector/internal/octoprint"
	"failuredetector/internal/schedule"
	"failuredetector/internal/snapshot"
	"failuredetector/internal/storage"
	"failuredetector/internal/transport"
	logx "failuredetector/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []commands.Command
}

// ConfigurablePlugin receives its raw config block before Start and on every change.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Notifier is the part of the alert pipeline plugins use.
type Notifier interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// Scheduler registers housekeeping jobs.
type Scheduler interface {
	Add(j schedule.Job) error
	Remove(name string)
	RunNow(ctx context.Context, name string) error
}

// API is the REST + socket.io surface.
type API interface {
	Register(name string, ep httpapi.Endpoint)
	Unregister(name string)
	Broadcast(event string, payload any)
}

// Host exposes process-wide settings that may change on reload.
type Host interface {
	// AlertTarget is the operator chat for alerts. Zero means alerts are off.
	AlertTarget() transport.ChatTarget
	// PrinterPoll is the print-server poll interval.
	PrinterPoll() time.Duration
}

// Deps are the host services handed to a plugin at Init. Any of them may be nil.
type Deps struct {
	Logger    logx.Logger
	Bus       eventbus.Bus
	Store     storage.Store
	Notifier  Notifier
	Scheduler Scheduler
	API       API
	Host      Host
	Printer   *octoprint.Client
	Camera    *snapshot.Fetcher
}

// Status is one row of Manager.Snapshot.
type Status struct {
	Name            string    `json:"name"`
	Enabled         bool      `json:"enabled"`
	Running         bool      `json:"running"`
	Quarantined     bool      `json:"quarantined,omitempty"`
	QuarantineErr   string    `json:"quarantine_err,omitempty"`
	QuarantineSince time.Time `json:"quarantine_since,omitempty"`
}

// StopReason is logged and published when a plugin stops.
type StopReason string

const (
	StopShutdown   StopReason = "shutdown"
	StopDisable    StopReason = "disabled"
	StopQuarantine StopReason = "quarantine"
)
