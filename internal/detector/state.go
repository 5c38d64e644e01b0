package detector

import "sync/atomic"

// State is the monitoring flag shared by the controller and running cycles.
type State struct {
	active atomic.Bool
}

// TryStart flips inactive to active. Only the caller that performed the flip gets true.
func (s *State) TryStart() bool { return s.active.CompareAndSwap(false, true) }

// Stop clears the flag and reports whether it was set.
func (s *State) Stop() bool { return s.active.Swap(false) }

func (s *State) Active() bool { return s.active.Load() }
