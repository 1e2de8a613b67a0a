package telemetry

import (
	"context"
	"sync"
)

// MemorySink retains exported events in memory. Tests and the single-node
// runner use it to inspect what a call emitted without an external backend.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0, 64)}
}

// Export implements Sink.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything exported so far, in export order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForCall returns the exported events correlated to one call, in export
// order.
func (s *MemorySink) ForCall(callID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Correlation.CallID == callID {
			out = append(out, ev)
		}
	}
	return out
}
