// Package persist stores final call summaries. The orchestrator invokes the
// client exactly once per call, at call end, through the persist invoker.
package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiger/callflow/internal/callmetrics"
)

// TranscriptEntry is one immutable transcript line.
type TranscriptEntry struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// CallSummary is the durable record of one finished call.
type CallSummary struct {
	CallID        string             `json:"call_id"`
	LeadID        string             `json:"lead_id,omitempty"`
	AudioURL      string             `json:"audio_url,omitempty"`
	TranscriptURL string             `json:"transcript_url,omitempty"`
	Summary       string             `json:"summary"`
	Transcript    []TranscriptEntry  `json:"transcript"`
	KBChunksUsed  int                `json:"kb_chunks_used"`
	ErrorFlag     bool               `json:"error_flag,omitempty"`
	EndReason     string             `json:"end_reason"`
	EndedAtMS     int64              `json:"ended_at_ms"`
	Metrics       callmetrics.Report `json:"metrics"`
}

// Validate checks the minimal persistable shape.
func (s CallSummary) Validate() error {
	if strings.TrimSpace(s.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	if s.EndedAtMS < 0 {
		return fmt.Errorf("ended_at_ms must be >= 0")
	}
	last := int64(-1)
	for i, entry := range s.Transcript {
		if entry.Role != "agent" && entry.Role != "user" {
			return fmt.Errorf("transcript[%d] has unknown role %q", i, entry.Role)
		}
		if entry.TimestampMS < last {
			return fmt.Errorf("transcript[%d] breaks chronological order", i)
		}
		last = entry.TimestampMS
	}
	return nil
}

// Client stores call summaries. Implementations must be safe for use by
// multiple concurrent call actors.
type Client interface {
	PersistCallSummary(ctx context.Context, summary CallSummary) error
}
