package call

import "context"

// TTSEngine is the playback contract the orchestrator commands. Engines
// report start and end of playback as inbox events; Speak only fails when
// playback cannot begin at all.
type TTSEngine interface {
	// Speak starts rendering text. Playback progress arrives as tts_start and
	// tts_end events on the call inbox.
	Speak(ctx context.Context, text string) error
	// Stop requests a best-effort immediate halt. Idempotent; confirmation
	// arrives as an interrupted tts_end event.
	Stop()
	IsPlaying() bool
}

// ASREngine keeps the recognition stream alive. Recognition results arrive
// as asr_partial and asr_final inbox events.
type ASREngine interface {
	Resume(ctx context.Context) error
}

// VADHints are optional audio front-end toggles applied during call setup.
type VADHints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VADEngine accepts front-end hints. Speech boundary and silence events
// arrive on the call inbox.
type VADEngine interface {
	Configure(hints VADHints) error
}
