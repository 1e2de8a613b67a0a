package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const createCallSummaryTable = `
CREATE TABLE IF NOT EXISTS call_summary (
	call_id TEXT PRIMARY KEY,
	lead_id TEXT NOT NULL DEFAULT '',
	audio_url TEXT NOT NULL DEFAULT '',
	transcript_url TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	transcript_json TEXT NOT NULL,
	kb_chunks_used INTEGER NOT NULL DEFAULT 0,
	error_flag INTEGER NOT NULL DEFAULT 0,
	end_reason TEXT NOT NULL DEFAULT '',
	ended_at_ms INTEGER NOT NULL,
	metrics_json TEXT NOT NULL
);`

// SQLiteStore persists call summaries in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the store at dsn. Use ":memory:" for
// tests.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec(createCallSummaryTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PersistCallSummary implements Client. Re-persisting the same call replaces
// the previous row, which keeps retries after partial failures idempotent.
func (s *SQLiteStore) PersistCallSummary(ctx context.Context, summary CallSummary) error {
	if err := summary.Validate(); err != nil {
		return fmt.Errorf("persist call summary: %w", err)
	}
	transcriptJSON, err := json.Marshal(summary.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	metricsJSON, err := json.Marshal(summary.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO call_summary
			(call_id, lead_id, audio_url, transcript_url, summary, transcript_json,
			 kb_chunks_used, error_flag, end_reason, ended_at_ms, metrics_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			lead_id = excluded.lead_id,
			audio_url = excluded.audio_url,
			transcript_url = excluded.transcript_url,
			summary = excluded.summary,
			transcript_json = excluded.transcript_json,
			kb_chunks_used = excluded.kb_chunks_used,
			error_flag = excluded.error_flag,
			end_reason = excluded.end_reason,
			ended_at_ms = excluded.ended_at_ms,
			metrics_json = excluded.metrics_json`,
		summary.CallID, summary.LeadID, summary.AudioURL, summary.TranscriptURL,
		summary.Summary, string(transcriptJSON), summary.KBChunksUsed,
		boolToInt(summary.ErrorFlag), summary.EndReason, summary.EndedAtMS,
		string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("persist call summary: %w", err)
	}
	return nil
}

// GetCallSummary loads one persisted summary by call ID.
func (s *SQLiteStore) GetCallSummary(ctx context.Context, callID string) (CallSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, lead_id, audio_url, transcript_url, summary, transcript_json,
		       kb_chunks_used, error_flag, end_reason, ended_at_ms, metrics_json
		FROM call_summary WHERE call_id = ?`, callID)

	var out CallSummary
	var transcriptJSON, metricsJSON string
	var errorFlag int
	err := row.Scan(&out.CallID, &out.LeadID, &out.AudioURL, &out.TranscriptURL,
		&out.Summary, &transcriptJSON, &out.KBChunksUsed, &errorFlag,
		&out.EndReason, &out.EndedAtMS, &metricsJSON)
	if err != nil {
		return CallSummary{}, fmt.Errorf("load call summary %s: %w", callID, err)
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &out.Transcript); err != nil {
		return CallSummary{}, fmt.Errorf("decode transcript for %s: %w", callID, err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &out.Metrics); err != nil {
		return CallSummary{}, fmt.Errorf("decode metrics for %s: %w", callID, err)
	}
	out.ErrorFlag = errorFlag != 0
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
