// Package websocket bridges a browser audio front-end to one call actor.
// Inbound frames become normalized inbox events; agent speech goes out as
// speak frames rendered by the client, whose playback boundary reports feed
// back into the inbox.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/callflow/api/events"
	"github.com/tiger/callflow/internal/persist"
)

// Frame types accepted from the client.
const (
	frameSpeechStart      = "speech_start"
	frameSpeechEnd        = "speech_end"
	frameSilence          = "silence"
	frameASRPartial       = "asr_partial"
	frameASRFinal         = "asr_final"
	framePlaybackStarted  = "playback_started"
	framePlaybackFinished = "playback_finished"
	frameConfigPatch      = "config_patch"
	frameEndCall          = "end_call"
)

// Frame types sent to the client.
const (
	frameSpeak        = "speak"
	frameStopPlayback = "stop_playback"
	frameCallEnded    = "call_ended"
	frameError        = "error"
)

type frame struct {
	Type        string               `json:"type"`
	TimestampMS int64                `json:"timestamp_ms,omitempty"`
	SilenceMS   int64                `json:"silence_ms,omitempty"`
	Text        string               `json:"text,omitempty"`
	Interrupted bool                 `json:"interrupted,omitempty"`
	Patch       json.RawMessage      `json:"patch,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Summary     *persist.CallSummary `json:"summary,omitempty"`
}

// CallRunner is the actor a connection drives. Satisfied by the call
// orchestrator.
type CallRunner interface {
	CallID() string
	Push(events.Event) error
	Run(ctx context.Context) (persist.CallSummary, error)
}

// Factory builds the actor for a new connection. The speaker renders agent
// text on the client; the factory wires it in as the call's TTS engine.
type Factory func(callID string, speaker *RemoteSpeaker) (CallRunner, error)

// Config controls the connection handler.
type Config struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	// CheckOrigin overrides the upgrader origin policy. Nil allows all
	// origins, matching a same-process dev front-end.
	CheckOrigin func(*http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Handler upgrades HTTP connections and runs one call per connection.
type Handler struct {
	cfg      Config
	factory  Factory
	upgrader websocket.Upgrader
}

// NewHandler builds the connection handler.
func NewHandler(cfg Config, factory Factory) (*Handler, error) {
	if factory == nil {
		return nil, fmt.Errorf("call factory is required")
	}
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:     cfg,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}, nil
}

// ServeHTTP implements http.Handler: one websocket connection is one call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.cfg.ReadLimit)

	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		callID = uuid.NewString()
	}

	sess := &session{
		conn:         conn,
		writeTimeout: h.cfg.WriteTimeout,
	}
	speaker := &RemoteSpeaker{send: sess.write, sendBinary: sess.writeBinary}
	runner, err := h.factory(callID, speaker)
	if err != nil {
		_ = sess.write(frame{Type: frameError, Reason: err.Error()})
		return
	}
	sess.runner = runner
	sess.speaker = speaker

	sess.run(r.Context())
}

type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	runner       CallRunner
	speaker      *RemoteSpeaker

	writeMu sync.Mutex
}

// write serializes all frame writes; gorilla connections allow one writer.
func (s *session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(f)
}

func (s *session) writeBinary(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *session) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		summary, err := s.runner.Run(ctx)
		_ = s.write(frame{Type: frameCallEnded, Summary: &summary, Reason: summary.EndReason})
		// The call is over; unblock the read pump.
		_ = s.conn.SetReadDeadline(time.Now())
		return err
	})

	g.Go(func() error {
		defer func() {
			// A dropped connection ends the call rather than leaving the
			// actor waiting on a dead inbox.
			_ = s.runner.Push(events.Event{
				Kind:        events.KindCallEnd,
				CallID:      s.runner.CallID(),
				TimestampMS: time.Now().UnixMilli(),
				Reason:      "disconnected",
			})
		}()
		for {
			_, payload, err := s.conn.ReadMessage()
			if err != nil {
				return nil
			}
			var f frame
			if err := json.Unmarshal(payload, &f); err != nil {
				_ = s.write(frame{Type: frameError, Reason: fmt.Sprintf("bad frame: %v", err)})
				continue
			}
			if err := s.dispatch(f); err != nil {
				_ = s.write(frame{Type: frameError, Reason: err.Error()})
			}
		}
	})

	_ = g.Wait()
}

func (s *session) dispatch(f frame) error {
	ev := events.Event{
		CallID:      s.runner.CallID(),
		TimestampMS: f.TimestampMS,
	}
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}

	switch f.Type {
	case frameSpeechStart:
		ev.Kind = events.KindSpeechStart
	case frameSpeechEnd:
		ev.Kind = events.KindSpeechEnd
	case frameSilence:
		ev.Kind = events.KindSilence
		ev.SilenceMS = f.SilenceMS
	case frameASRPartial:
		ev.Kind = events.KindASRPartial
		ev.Text = f.Text
	case frameASRFinal:
		ev.Kind = events.KindASRFinal
		ev.Text = f.Text
	case framePlaybackStarted:
		s.speaker.setPlaying(true)
		ev.Kind = events.KindTTSStart
	case framePlaybackFinished:
		s.speaker.setPlaying(false)
		ev.Kind = events.KindTTSEnd
		ev.Interrupted = f.Interrupted
	case frameConfigPatch:
		ev.Kind = events.KindConfigPatch
		ev.Patch = f.Patch
	case frameEndCall:
		ev.Kind = events.KindCallEnd
		ev.Reason = f.Reason
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
	return s.runner.Push(ev)
}

// RemoteSpeaker renders agent text on the client. Speak sends the text in a
// speak frame; the client reports playback boundaries back as frames. When
// speech is synthesized server-side, PlayAudio streams the audio instead.
type RemoteSpeaker struct {
	send       func(frame) error
	sendBinary func([]byte) error

	mu      sync.Mutex
	playing bool
}

// Speak hands text to the client for rendering. Playing is assumed from the
// moment the frame is written so barge-in has no blind window before the
// client's started report lands.
func (s *RemoteSpeaker) Speak(_ context.Context, text string) error {
	if err := s.send(frame{Type: frameSpeak, Text: text, TimestampMS: time.Now().UnixMilli()}); err != nil {
		return fmt.Errorf("send speak frame: %w", err)
	}
	s.setPlaying(true)
	return nil
}

// Stop asks the client to halt playback. Idempotent.
func (s *RemoteSpeaker) Stop() {
	_ = s.send(frame{Type: frameStopPlayback, TimestampMS: time.Now().UnixMilli()})
}

// IsPlaying reports whether client playback is assumed live.
func (s *RemoteSpeaker) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *RemoteSpeaker) setPlaying(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = v
}

// PlayAudio streams server-synthesized audio to the client as binary frames.
// It returns promptly once ctx is cancelled, which is the barge-in stop path
// when a synthesis engine owns playback.
func (s *RemoteSpeaker) PlayAudio(ctx context.Context, audio io.Reader) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := audio.Read(buf)
		if n > 0 {
			if err := s.sendBinary(buf[:n]); err != nil {
				return fmt.Errorf("send audio frame: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
