package cancellation

import (
	"errors"
	"sync"
)

// ErrStopRequested is the default cause recorded when a signal fires without one.
var ErrStopRequested = errors.New("stop requested")

// Signal is a one-shot cancellation token that can be re-armed.
//
// A signal is either armed or fired. Fire closes the channel returned by Done,
// Reset swaps in a fresh channel so waiters of a new run are not affected by a
// cancellation that belonged to the previous one.
type Signal struct {
	mu     sync.RWMutex
	doneCh chan struct{}
	fired  bool
	cause  error
	resets int
}

func newSignal() *Signal {
	return &Signal{doneCh: make(chan struct{})}
}

// Done returns the channel closed when the signal fires. The channel is bound
// to the current arming; capture it once per wait.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doneCh
}

// Fired reports whether cancellation was requested for the current arming.
func (s *Signal) Fired() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fired
}

// Cause returns the recorded cancellation cause, nil while armed.
func (s *Signal) Cause() error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Fire transitions armed to fired. It returns false when already fired.
func (s *Signal) Fire(cause error) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return false
	}
	if cause == nil {
		cause = ErrStopRequested
	}
	s.fired = true
	s.cause = cause
	close(s.doneCh)
	return true
}

// Reset transitions fired to armed. It returns false when already armed.
func (s *Signal) Reset() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return false
	}
	s.fired = false
	s.cause = nil
	s.doneCh = make(chan struct{})
	s.resets++
	return true
}

// Resets returns how many times the signal went from fired back to armed.
func (s *Signal) Resets() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resets
}
