// Package lifecycle tracks whether the gateway is draining.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is the process drain flag. The zero value is serving.
type State struct {
	shuttingDown atomic.Bool
	since        atomic.Int64
}

// BeginShutdown marks the process as draining. /health answers 503
// shutting-down from then on. Only the first call sets Since.
func (s *State) BeginShutdown() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		s.since.Store(time.Now().UnixNano())
	}
}

// ShuttingDown reports whether BeginShutdown has been called.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Since returns when draining began, or the zero time.
func (s *State) Since() time.Time {
	ns := s.since.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
