package detector

import "time"

type Status string

const (
	StatusChecking Status = "checking"
	StatusIdle     Status = "idle"
	StatusFailure  Status = "failure"
	StatusError    Status = "error"
)

// Source tells which path produced a result.
type Source string

const (
	SourceSchedule  Source = "schedule"
	SourceManual    Source = "manual"
	SourceLifecycle Source = "lifecycle"
)

// PauseReason is sent with the pause command issued on a detected failure.
const PauseReason = "ai_failure_detection"

const detailNotLoaded = "model not loaded"

// PrintEvent is a print lifecycle notification from the host.
type PrintEvent string

const (
	PrintStarted   PrintEvent = "Started"
	PrintDone      PrintEvent = "Done"
	PrintFailed    PrintEvent = "Failed"
	PrintCancelled PrintEvent = "Cancelled"
)

// Result is one status message on the status channel.
type Result struct {
	Status      Status    `json:"status"`
	Probability *float64  `json:"probability,omitempty"`
	SnapshotRef string    `json:"snapshot_reference,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Paused      bool      `json:"paused,omitempty"`
	Source      Source    `json:"source"`
	At          time.Time `json:"at"`
	// Took is the cycle wall time; zero for checking and lifecycle results.
	Took time.Duration `json:"took_ns,omitempty"`

	snapshot []byte
}

// Snapshot returns the captured frame behind a failure or idle result. It is not serialized.
func (r Result) Snapshot() []byte { return r.snapshot }

// Terminal reports whether r closes a cycle.
func (r Result) Terminal() bool { return r.Status != StatusChecking }

func (r Result) ProbabilityValue() (float64, bool) {
	if r.Probability == nil {
		return 0, false
	}
	return *r.Probability, true
}
