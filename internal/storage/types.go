package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Detection is one recorded detection cycle outcome.
type Detection struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Status      string    `json:"status"`
	Probability *float64  `json:"probability,omitempty"`
	SnapshotRef string    `json:"snapshot_ref,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Source      string    `json:"source,omitempty"`
	JobFile     string    `json:"job_file,omitempty"`
	Paused      bool      `json:"paused,omitempty"`
}

// Stats aggregates detections over a window.
type Stats struct {
	Total          int     `json:"total"`
	Idle           int     `json:"idle"`
	Failures       int     `json:"failures"`
	Errors         int     `json:"errors"`
	Pauses         int     `json:"pauses"`
	MaxProbability float64 `json:"max_probability"`
}

func (s *Stats) add(d Detection) {
	s.Total++
	switch d.Status {
	case "idle":
		s.Idle++
	case "failure":
		s.Failures++
	case "error":
		s.Errors++
	}
	if d.Paused {
		s.Pauses++
	}
	if d.Probability != nil && *d.Probability > s.MaxProbability {
		s.MaxProbability = *d.Probability
	}
}

// Store is the persistence API used by the plugin and the notifier.
type Store interface {
	AppendDetection(ctx context.Context, d Detection) error
	// RecentDetections returns up to limit records, newest first.
	RecentDetections(ctx context.Context, limit int) ([]Detection, error)
	// PruneDetections deletes records older than before and reports how many were removed.
	PruneDetections(ctx context.Context, before time.Time) (int, error)
	DetectionStats(ctx context.Context, since time.Time) (Stats, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
