package notifier

import (
	"time"

	kit "failuredetector/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

const (
	PriorityInfo    = 3
	PriorityWarn    = 7
	PriorityFailure = 9
)

// Alert is one operator notification. Key overrides the content-derived dedup key.
type Alert struct {
	Key      string
	Priority int
	Target   kit.ChatTarget
	Text     string
	Photo    []byte
	Options  *kit.SendOptions
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// AlertEvent is published on the event bus for notifier lifecycle events.
type AlertEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
