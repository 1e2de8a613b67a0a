// Package polly renders agent speech through Amazon Polly and reports
// playback boundaries as call inbox events.
package polly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/callflow/api/events"
)

// Error markers stable enough to feed retry classification.
const (
	MarkerOverload  = "provider_overload"
	MarkerTimeout   = "provider_timeout"
	MarkerServer    = "provider_server_error"
	MarkerTransport = "provider_transport_error"
	MarkerClient    = "provider_client_error"
)

// RetryableMarkers lists the synthesis error markers worth retrying.
var RetryableMarkers = []string{MarkerOverload, MarkerTimeout, MarkerServer, MarkerTransport}

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Player renders one synthesized audio stream. Play must return promptly when
// ctx is cancelled; that cancellation is the barge-in stop path.
type Player interface {
	Play(ctx context.Context, audio io.Reader) error
}

// DiscardPlayer drains audio without rendering it. Used by local runs with no
// audio device.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(ctx context.Context, audio io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, audio)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config controls the synthesis request.
type Config struct {
	Region  string
	VoiceID string
	Engine  string
	Timeout time.Duration
}

// ConfigFromEnv resolves synthesis config from environment.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("CALLFLOW_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID: defaultString(os.Getenv("CALLFLOW_TTS_POLLY_VOICE"), "Joanna"),
		Engine:  defaultString(os.Getenv("CALLFLOW_TTS_POLLY_ENGINE"), "neural"),
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = "us-east-1"
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = "Joanna"
	}
	if strings.TrimSpace(c.Engine) == "" {
		c.Engine = "neural"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Engine is a playback engine for one call. Speak synthesizes then plays in
// the background; start and end land on the call inbox.
type Engine struct {
	cfg    Config
	callID string
	sink   events.Sink
	player Player
	now    func() time.Time

	mu      sync.Mutex
	client  synthClient
	playing bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an engine pushing playback events for callID into sink.
func NewEngine(cfg Config, callID string, sink events.Sink, player Player) (*Engine, error) {
	return NewEngineWithClient(cfg, callID, sink, player, nil)
}

// NewEngineWithClient accepts an injected synthesis client for tests.
func NewEngineWithClient(cfg Config, callID string, sink events.Sink, player Player, client synthClient) (*Engine, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if player == nil {
		player = DiscardPlayer{}
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		callID: callID,
		sink:   sink,
		player: player,
		now:    time.Now,
		client: client,
	}, nil
}

// IsPlaying reports whether a playback is live.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Stop requests an immediate halt of the current playback. Idempotent; the
// confirming tts_end event arrives once the player unwinds.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Speak synthesizes text and starts playback. It fails synchronously when
// synthesis cannot produce audio; playback progress is reported as events.
func (e *Engine) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("speak: text is required")
	}
	client, err := e.resolveClient()
	if err != nil {
		return err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(e.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	synthCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(synthCtx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(e.cfg.VoiceID),
	})
	if err != nil {
		return normalizeSynthesisError(err)
	}
	if output == nil || output.AudioStream == nil {
		return fmt.Errorf("synthesize speech: empty audio (%s)", MarkerServer)
	}

	e.mu.Lock()
	if e.playing {
		e.mu.Unlock()
		output.AudioStream.Close()
		return fmt.Errorf("speak: playback already live")
	}
	playCtx, playCancel := context.WithCancel(context.Background())
	e.playing = true
	e.cancel = playCancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.play(playCtx, output.AudioStream)
	return nil
}

func (e *Engine) play(ctx context.Context, audio io.ReadCloser) {
	defer e.wg.Done()
	defer audio.Close()

	_ = e.sink.Push(events.Event{
		Kind:        events.KindTTSStart,
		CallID:      e.callID,
		TimestampMS: e.now().UnixMilli(),
	})

	err := e.player.Play(ctx, audio)
	interrupted := errors.Is(err, context.Canceled) || ctx.Err() != nil

	e.mu.Lock()
	e.playing = false
	e.cancel = nil
	e.mu.Unlock()

	_ = e.sink.Push(events.Event{
		Kind:        events.KindTTSEnd,
		CallID:      e.callID,
		TimestampMS: e.now().UnixMilli(),
		Interrupted: interrupted,
	})
}

// Wait blocks until the current playback goroutine has unwound.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) resolveClient() (synthClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(e.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	e.client = polly.NewFromConfig(awsCfg)
	return e.client, nil
}

// normalizeSynthesisError maps provider failures onto stable marker strings
// so retry classification stays independent of SDK error text.
func normalizeSynthesisError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("synthesize speech cancelled: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("synthesize speech (%s): %w", MarkerTimeout, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("synthesize speech (%s): %w", MarkerOverload, err)
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return fmt.Errorf("synthesize speech (%s): %w", MarkerClient, err)
		default:
			return fmt.Errorf("synthesize speech (%s): %w", MarkerServer, err)
		}
	}
	return fmt.Errorf("synthesize speech (%s): %w", MarkerTransport, err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// NewTestAudioStream creates an in-memory stream for engine tests.
func NewTestAudioStream() io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte("mp3")))
}
