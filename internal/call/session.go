// Package call implements the per-call turn-taking actor: a single-threaded
// state machine that drains one ordered inbox of normalized events and is the
// only component allowed to command the speech engines.
package call

import (
	"fmt"

	"github.com/tiger/callflow/internal/persist"
)

// TurnState is the call-wide turn-taking state. Exactly one state is active
// at a time; transitions are the only place call-wide flags change.
type TurnState string

const (
	StateIdle          TurnState = "Idle"
	StateConfiguring   TurnState = "Configuring"
	StateAgentSpeaking TurnState = "AgentSpeaking"
	StateListening     TurnState = "ListeningForUser"
	StateProcessing    TurnState = "Processing"
	StateEnded         TurnState = "Ended"
	StateError         TurnState = "Error"
)

var allowedTransitions = map[TurnState][]TurnState{
	StateIdle:          {StateConfiguring, StateEnded, StateError},
	StateConfiguring:   {StateAgentSpeaking, StateListening, StateEnded, StateError},
	StateAgentSpeaking: {StateListening, StateEnded, StateError},
	StateListening:     {StateProcessing, StateAgentSpeaking, StateEnded, StateError},
	StateProcessing:    {StateAgentSpeaking, StateListening, StateEnded, StateError},
	StateError:         {StateEnded},
	StateEnded:         {},
}

// session is the exclusively-owned mutable state of one live call. Only the
// actor goroutine touches it.
type session struct {
	callID string
	leadID string

	state      TurnState
	transcript []persist.TranscriptEntry

	// awaitingAgentTurn is set by a speech end and cleared by either a new
	// speech start or the silence confirmation that begins processing.
	awaitingAgentTurn bool
	userSpeaking      bool
	speechStartedMS   int64

	lastFinalText string

	// turnEpoch fences async completions: a reply carrying a stale epoch is
	// discarded without side effects.
	turnEpoch int64

	remindersSent         int
	lastSpokenWasReminder bool

	kbChunksUsed    int
	adapterFailures int

	endReason string
	errorFlag bool
}

func newSession(callID, leadID string) *session {
	return &session{
		callID: callID,
		leadID: leadID,
		state:  StateIdle,
	}
}

// transition moves to the target state. Self-transitions are no-ops so event
// handlers can assert a state without tracking whether they are already in it.
func (s *session) transition(to TurnState) error {
	if to == s.state {
		return nil
	}
	for _, next := range allowedTransitions[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("call %s: illegal transition %s -> %s", s.callID, s.state, to)
}

// appendUtterance records one transcript entry. Append order is the
// chronological order of record; a timestamp behind the tail is clamped so
// the transcript never reads out of order.
func (s *session) appendUtterance(role, text string, timestampMS int64) {
	if n := len(s.transcript); n > 0 && timestampMS < s.transcript[n-1].TimestampMS {
		timestampMS = s.transcript[n-1].TimestampMS
	}
	s.transcript = append(s.transcript, persist.TranscriptEntry{
		Role:        role,
		Text:        text,
		TimestampMS: timestampMS,
	})
}

func (s *session) userTurns() int {
	count := 0
	for _, entry := range s.transcript {
		if entry.Role == "user" {
			count++
		}
	}
	return count
}
