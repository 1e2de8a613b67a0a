// Package events defines the normalized event ABI consumed by the call
// orchestrator inbox. Adapters (VAD, ASR, TTS, timers, transports, async
// completions) produce these messages; the orchestrator drains them one at a
// time in arrival order.
package events

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the normalized event type.
type Kind string

const (
	// KindSpeechStart reports the VAD detected the user speaking.
	KindSpeechStart Kind = "speech_start"
	// KindSpeechEnd reports the VAD detected the user stopped speaking.
	KindSpeechEnd Kind = "speech_end"
	// KindSilence reports an observed continuous silence duration.
	KindSilence Kind = "silence"
	// KindASRPartial carries an interim recognition hypothesis.
	KindASRPartial Kind = "asr_partial"
	// KindASRFinal carries a final recognized user utterance.
	KindASRFinal Kind = "asr_final"
	// KindTTSStart reports agent speech playback started.
	KindTTSStart Kind = "tts_start"
	// KindTTSEnd reports agent speech playback finished or was halted.
	KindTTSEnd Kind = "tts_end"
	// KindReminderElapsed reports the armed inactivity timer fired.
	KindReminderElapsed Kind = "reminder_elapsed"
	// KindStopTimeout reports a requested playback stop was never confirmed
	// by a tts_end within the deadline.
	KindStopTimeout Kind = "stop_timeout"
	// KindReplyReady delivers the completed reply for a processing epoch.
	KindReplyReady Kind = "reply_ready"
	// KindReplyFailed delivers a failed reply attempt for a processing epoch.
	KindReplyFailed Kind = "reply_failed"
	// KindConfigPatch carries a sparse runtime configuration patch.
	KindConfigPatch Kind = "config_patch"
	// KindCallEnd requests call termination from any state.
	KindCallEnd Kind = "call_end"
)

// Event is the single inbox message shape. Only the fields relevant to the
// event kind are populated; Validate enforces the per-kind contract.
type Event struct {
	Kind        Kind            `json:"kind"`
	CallID      string          `json:"call_id"`
	Sequence    int64           `json:"sequence"`
	TimestampMS int64           `json:"timestamp_ms"`
	SilenceMS   int64           `json:"silence_ms,omitempty"`
	Text        string          `json:"text,omitempty"`
	TurnEpoch   int64           `json:"turn_epoch,omitempty"`
	KBChunks    int             `json:"kb_chunks,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	Failure     string          `json:"failure,omitempty"`
	Patch       json.RawMessage `json:"patch,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Validate checks per-kind required fields.
func (e Event) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	if e.TimestampMS < 0 {
		return fmt.Errorf("timestamp_ms must be >= 0")
	}
	if e.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	switch e.Kind {
	case KindSpeechStart, KindSpeechEnd, KindTTSStart, KindReminderElapsed, KindStopTimeout, KindCallEnd:
		return nil
	case KindTTSEnd:
		return nil
	case KindSilence:
		if e.SilenceMS < 0 {
			return fmt.Errorf("silence_ms must be >= 0")
		}
		return nil
	case KindASRPartial, KindASRFinal:
		if e.Text == "" {
			return fmt.Errorf("%s requires text", e.Kind)
		}
		return nil
	case KindReplyReady:
		if e.Text == "" {
			return fmt.Errorf("reply_ready requires text")
		}
		if e.TurnEpoch <= 0 {
			return fmt.Errorf("reply_ready requires a positive turn_epoch")
		}
		return nil
	case KindReplyFailed:
		if e.TurnEpoch <= 0 {
			return fmt.Errorf("reply_failed requires a positive turn_epoch")
		}
		return nil
	case KindConfigPatch:
		if len(e.Patch) == 0 {
			return fmt.Errorf("config_patch requires a patch body")
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// Sink accepts normalized events for a single call inbox. Implementations
// must preserve the order in which Push is called by one producer.
type Sink interface {
	Push(Event) error
}
