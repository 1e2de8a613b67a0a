// Package inactivity owns the single outstanding reminder timer for one call.
// Arming and clearing happen only while the orchestrator processes an event;
// the fire callback delivers back through the inbox, never directly into
// orchestrator state.
package inactivity

import (
	"fmt"
	"sync"
	"time"
)

// FireFunc is invoked when the armed timer elapses without being replaced or
// cleared.
type FireFunc func()

// Scheduler manages at most one pending timer. A stale fire racing with Arm
// or Clear is suppressed by generation check.
type Scheduler struct {
	mu         sync.Mutex
	fire       FireFunc
	timer      *time.Timer
	generation uint64
	// newTimer is an injection seam for tests.
	newTimer func(time.Duration, func()) *time.Timer
}

// NewScheduler builds a scheduler delivering fires through fn.
func NewScheduler(fn FireFunc) (*Scheduler, error) {
	if fn == nil {
		return nil, fmt.Errorf("fire callback is required")
	}
	return &Scheduler{fire: fn, newTimer: time.AfterFunc}, nil
}

// Arm schedules a fire after d, replacing any pending timer.
func (s *Scheduler) Arm(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("arm duration must be positive, got %s", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.generation++
	gen := s.generation
	s.timer = s.newTimer(d, func() { s.elapsed(gen) })
	return nil
}

// Clear cancels the pending timer if present. Safe to call when none is
// armed.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.generation++
}

// Armed reports whether a timer is currently pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) elapsed(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	fire := s.fire
	s.mu.Unlock()
	fire()
}
