package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiger/callflow/api/events"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/kb"
	"github.com/tiger/callflow/internal/observability/telemetry"
	"github.com/tiger/callflow/internal/persist"
	"github.com/tiger/callflow/internal/reply"
	"github.com/tiger/callflow/internal/resilience"
	"github.com/tiger/callflow/internal/router"
)

func testRuntime() config.Runtime {
	base := config.Defaults()
	base.ReminderMS = 40
	base.CooldownMS = 30
	base.ReminderMaxRepeats = 1
	return base
}

func TestSilenceThresholdGatesProcessing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gen := funcGenerator(func(_ context.Context, req reply.Request) (string, error) {
		calls.Add(1)
		if len(req.Chunks) == 0 {
			t.Errorf("expected grounding chunks, got none")
		}
		return "**The starter plan** is `twenty dollars` per month.", nil
	})
	h := newHarness(t, Options{Product: "starter-plan"}, testRuntime(), gen)
	h.run(t)

	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 1000})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindASRFinal, Text: "what is the price of the starter plan", TimestampMS: 1400})

	// One below the confirm threshold must not start a turn.
	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 899})
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("generator called %d times before threshold", got)
	}

	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 900})
	waitUntil(t, func() bool { return calls.Load() == 1 })
	waitUntil(t, func() bool {
		return contains(h.tts.spoken(), "The starter plan is twenty dollars per month.")
	})

	h.end(t)
	if h.summary.Metrics.FirstResponse.Samples != 1 {
		t.Fatalf("first response samples = %d, want 1", h.summary.Metrics.FirstResponse.Samples)
	}
	if h.summary.Metrics.FirstResponse.AvgMS < 0 || h.summary.Metrics.FirstResponse.P95MS < 0 {
		t.Fatalf("negative latency summary: %+v", h.summary.Metrics.FirstResponse)
	}
	if h.summary.KBChunksUsed == 0 {
		t.Fatalf("expected kb chunks counted in summary")
	}
}

func TestBargeInStopsPlaybackOnceAndRecordsCutoff(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello, thanks for taking the call."}, testRuntime(), gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	if !h.tts.IsPlaying() {
		t.Fatalf("opening should be playing")
	}

	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2000})
	waitUntil(t, func() bool { return h.tts.stopCount() == 1 })

	// A second start while the stop is still unconfirmed must not stop again.
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2010})

	h.tts.setPlaying(false)
	h.push(t, events.Event{Kind: events.KindTTSEnd, Interrupted: true, TimestampMS: 2050})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 2400})
	h.push(t, events.Event{Kind: events.KindASRFinal, Text: "hold on a second", TimestampMS: 2400})

	h.end(t)
	if got := h.tts.stopCount(); got != 1 {
		t.Fatalf("stop called %d times, want 1", got)
	}
	if h.summary.Metrics.BargeInCutoff.Samples != 1 {
		t.Fatalf("barge-in samples = %d, want 1", h.summary.Metrics.BargeInCutoff.Samples)
	}
	for i, entry := range h.summary.Transcript {
		if entry.Role == "user" {
			break
		}
		if i > 0 {
			t.Fatalf("agent utterance appended before the user's: %+v", h.summary.Transcript)
		}
	}
}

func TestBargeInDisabledKeepsPlaying(t *testing.T) {
	t.Parallel()

	base := testRuntime()
	base.BargeIn = false
	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello."}, base, gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2000})
	time.Sleep(50 * time.Millisecond)

	if got := h.tts.stopCount(); got != 0 {
		t.Fatalf("stop called %d times with barge-in disabled", got)
	}
	h.end(t)
	if h.summary.Metrics.BargeInCutoff.Samples != 0 {
		t.Fatalf("unexpected barge-in sample with barge-in disabled")
	}
}

func TestReminderSpokenOnceThenCapped(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello.", ReminderText: "Still there?"}, testRuntime(), gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	h.tts.setPlaying(false)
	h.push(t, events.Event{Kind: events.KindTTSEnd, TimestampMS: 3000})

	// ReminderMS elapses with nobody speaking: exactly one nudge.
	waitUntil(t, func() bool { return contains(h.tts.spoken(), "Still there?") })

	h.tts.setPlaying(false)
	h.push(t, events.Event{Kind: events.KindTTSEnd, TimestampMS: 3100})
	// CooldownMS elapses again but the cap of one is reached.
	time.Sleep(120 * time.Millisecond)

	h.end(t)
	if got := h.summary.Metrics.RemindersSpoken; got != 1 {
		t.Fatalf("reminders spoken = %d, want 1", got)
	}
	count := 0
	for _, entry := range h.summary.Transcript {
		if entry.Text == "Still there?" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("reminder appears %d times in transcript, want 1", count)
	}
}

func TestReminderSuppressedWhilePlaying(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello."}, testRuntime(), gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	// Playback stays live while the end event lands, so the armed nudge must
	// be suppressed, never spoken.
	h.push(t, events.Event{Kind: events.KindTTSEnd, TimestampMS: 3000})
	time.Sleep(120 * time.Millisecond)

	if got := h.tts.stopCount(); got != 0 {
		t.Fatalf("reminder logic stopped playback %d times", got)
	}
	h.end(t)
	if got := h.summary.Metrics.RemindersDuringTTS; got != 1 {
		t.Fatalf("reminders during tts = %d, want 1", got)
	}
	if got := h.summary.Metrics.RemindersSpoken; got != 0 {
		t.Fatalf("reminders spoken = %d, want 0", got)
	}
}

func TestTurnFailureFallsBackToApology(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "", errors.New("model unavailable")
	})
	h := newHarness(t, Options{ApologyText: "Sorry, say that again?"}, testRuntime(), gen)
	h.run(t)

	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 1000})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindASRFinal, Text: "anything", TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 900})

	waitUntil(t, func() bool { return contains(h.tts.spoken(), "Sorry, say that again?") })

	h.end(t)
	if got := h.summary.Metrics.RecoverableFailures; got != 1 {
		t.Fatalf("recoverable failures = %d, want 1", got)
	}
	if h.summary.ErrorFlag {
		t.Fatalf("per-turn failure must not flag the call as errored")
	}
}

func TestStaleReplyDiscardedAfterBargeIn(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	gen := funcGenerator(func(ctx context.Context, _ reply.Request) (string, error) {
		select {
		case <-release:
			return "late reply", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	h := newHarness(t, Options{}, testRuntime(), gen)
	h.run(t)

	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 1000})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindASRFinal, Text: "first question", TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 900})
	waitUntil(t, func() bool { return h.emitter.logCount("speech_start") == 1 })

	// User speaks again while the reply is still being generated.
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2000})
	waitUntil(t, func() bool { return h.emitter.logCount("speech_start") == 2 })
	close(release)
	time.Sleep(50 * time.Millisecond)

	h.end(t)
	if contains(h.tts.spoken(), "late reply") {
		t.Fatalf("stale reply was spoken: %v", h.tts.spoken())
	}
	for _, entry := range h.summary.Transcript {
		if entry.Text == "late reply" {
			t.Fatalf("stale reply reached the transcript")
		}
	}
	if h.summary.Metrics.FirstResponse.Samples != 0 {
		t.Fatalf("stale reply recorded a latency sample")
	}
}

func TestConfigPatchTakesEffectMidCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		calls.Add(1)
		return "reply", nil
	})
	h := newHarness(t, Options{}, testRuntime(), gen)
	h.run(t)

	h.push(t, events.Event{
		Kind:  events.KindConfigPatch,
		Patch: []byte(`{"turnTaking":{"silenceDetection":{"appliedValueMs":100,"vadHangoverMs":0}}}`),
	})
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 1000})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindASRFinal, Text: "question", TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 150})

	waitUntil(t, func() bool { return calls.Load() == 1 })
	h.end(t)
}

func TestCallEndPersistsExactlyOnce(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{CallID: "call-42", LeadID: "lead-7"}, testRuntime(), gen)
	h.run(t)

	h.end(t)
	if h.runErr != nil {
		t.Fatalf("run: %v", h.runErr)
	}
	if got := h.persister.count(); got != 1 {
		t.Fatalf("persisted %d summaries, want 1", got)
	}
	stored := h.persister.last()
	if stored.CallID != "call-42" || stored.LeadID != "lead-7" {
		t.Fatalf("unexpected identity in summary: %+v", stored)
	}
	if stored.Metrics.BargeInCutoff.AvgMS != 0 || stored.Metrics.BargeInCutoff.P95MS != 0 {
		t.Fatalf("empty series must summarize to zero: %+v", stored.Metrics.BargeInCutoff)
	}
	if err := h.orch.Push(events.Event{Kind: events.KindCallEnd}); err == nil {
		t.Fatalf("push after end must fail")
	}
}

func TestRepeatedSpeakFailureEscalatesAndPersistsErrorFlag(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello.", AdapterFailureLimit: 1}, testRuntime(), gen)
	h.tts.setSpeakErr(errors.New("device lost"))
	h.run(t)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not force-end on adapter failure")
	}
	if !h.summary.ErrorFlag {
		t.Fatalf("expected error flag on forced end")
	}
	if h.summary.EndReason != EndReasonError {
		t.Fatalf("end reason = %q, want %q", h.summary.EndReason, EndReasonError)
	}
	if got := h.persister.count(); got != 1 {
		t.Fatalf("persisted %d summaries, want 1", got)
	}
}

func TestUnconfirmedStopEscalates(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello.", StopConfirmTimeout: 30 * time.Millisecond}, testRuntime(), gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	// Barge in, but the engine never confirms the stop with a tts_end: the
	// call must escalate instead of staying wedged behind IsPlaying.
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2000})
	waitUntil(t, func() bool { return h.tts.stopCount() == 1 })

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not force-end on unconfirmed stop")
	}
	if !h.summary.ErrorFlag {
		t.Fatalf("expected error flag after unconfirmed stop")
	}
	if h.summary.EndReason != EndReasonError {
		t.Fatalf("end reason = %q, want %q", h.summary.EndReason, EndReasonError)
	}
	if got := h.persister.count(); got != 1 {
		t.Fatalf("persisted %d summaries, want 1", got)
	}
}

func TestConfirmedStopDisarmsEscalation(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{Opening: "Hello.", StopConfirmTimeout: 50 * time.Millisecond}, testRuntime(), gen)
	h.run(t)

	waitUntil(t, func() bool { return len(h.tts.spoken()) == 1 })
	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 2000})
	waitUntil(t, func() bool { return h.tts.stopCount() == 1 })

	h.tts.setPlaying(false)
	h.push(t, events.Event{Kind: events.KindTTSEnd, Interrupted: true, TimestampMS: 2020})

	// Past the deadline the disarmed watchdog must stay quiet.
	time.Sleep(100 * time.Millisecond)

	h.end(t)
	if h.summary.ErrorFlag {
		t.Fatalf("confirmed stop must not flag the call as errored")
	}
	if h.summary.Metrics.BargeInCutoff.Samples != 1 {
		t.Fatalf("barge-in samples = %d, want 1", h.summary.Metrics.BargeInCutoff.Samples)
	}
}

func TestPushAssignsMonotonicSequence(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{}, testRuntime(), gen)

	h.push(t, events.Event{Kind: events.KindSpeechStart, TimestampMS: 1000})
	h.push(t, events.Event{Kind: events.KindSpeechEnd, TimestampMS: 1400})
	h.push(t, events.Event{Kind: events.KindSilence, SilenceMS: 900, Sequence: 77})

	first := <-h.orch.inbox
	second := <-h.orch.inbox
	third := <-h.orch.inbox
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1,2, got %d,%d", first.Sequence, second.Sequence)
	}
	if third.Sequence != 77 {
		t.Fatalf("explicit producer sequence must be preserved, got %d", third.Sequence)
	}
}

func TestPersistFailureSurfaces(t *testing.T) {
	t.Parallel()

	gen := funcGenerator(func(context.Context, reply.Request) (string, error) {
		return "reply", nil
	})
	h := newHarness(t, Options{}, testRuntime(), gen)
	h.persister.setErr(errors.New("store offline"))
	h.run(t)

	h.end(t)
	if h.runErr == nil {
		t.Fatalf("persist failure must surface from Run")
	}
	if !strings.Contains(h.runErr.Error(), "persist") {
		t.Fatalf("error does not name the operation: %v", h.runErr)
	}
}

// harness wires one actor to deterministic fakes and runs it.
type harness struct {
	tts       *fakeTTS
	persister *memPersister
	emitter   *captureEmitter
	orch      *Orchestrator

	done    chan struct{}
	summary persist.CallSummary
	runErr  error
}

func newHarness(t *testing.T, opts Options, base config.Runtime, gen reply.Generator) *harness {
	t.Helper()

	h := &harness{
		tts:       &fakeTTS{},
		persister: &memPersister{},
		emitter:   &captureEmitter{},
		done:      make(chan struct{}),
	}
	ctrl, err := config.NewController(base)
	if err != nil {
		t.Fatalf("config controller: %v", err)
	}
	catalog := kb.NewCatalog(nil)
	if err := catalog.Load("starter-plan", []kb.Chunk{
		{ID: "c1", Text: "The starter plan price is twenty dollars per month."},
		{ID: "c2", Text: "Annual billing saves ten percent."},
	}); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	rt, err := router.New(router.Config{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	mk := func(name string) *resilience.Invoker {
		inv, invErr := resilience.NewInvoker(name, resilience.Config{Sleep: func(time.Duration) {}})
		if invErr != nil {
			t.Fatalf("invoker %s: %v", name, invErr)
		}
		return inv
	}
	h.orch, err = New(opts, Deps{
		TTS:       h.tts,
		ASR:       &fakeASR{},
		VAD:       &fakeVAD{},
		Config:    ctrl,
		Retriever: catalog,
		Router:    rt,
		Generator: gen,
		Persister: h.persister,
		Retrieve:  mk("retrieve"),
		Generate:  mk("generate"),
		Persist:   mk("persist"),
		Telemetry: h.emitter,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

// run starts the actor after the test has shaped its fakes.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		h.summary, h.runErr = h.orch.Run(ctx)
		close(h.done)
	}()
}

func (h *harness) push(t *testing.T, ev events.Event) {
	t.Helper()
	if err := h.orch.Push(ev); err != nil {
		t.Fatalf("push %s: %v", ev.Kind, err)
	}
}

func (h *harness) end(t *testing.T) {
	t.Helper()
	if err := h.orch.Push(events.Event{Kind: events.KindCallEnd}); err != nil {
		t.Fatalf("push call_end: %v", err)
	}
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not end")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

type fakeTTS struct {
	mu       sync.Mutex
	speaks   []string
	stops    int
	playing  bool
	speakErr error
}

func (f *fakeTTS) Speak(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.speaks = append(f.speaks, text)
	f.playing = true
	return nil
}

func (f *fakeTTS) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTTS) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeTTS) setPlaying(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = v
}

func (f *fakeTTS) setSpeakErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speakErr = err
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.speaks...)
}

func (f *fakeTTS) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeASR struct{}

func (fakeASR) Resume(context.Context) error { return nil }

type fakeVAD struct{}

func (fakeVAD) Configure(VADHints) error { return nil }

type funcGenerator func(ctx context.Context, req reply.Request) (string, error)

func (f funcGenerator) Generate(ctx context.Context, req reply.Request) (string, error) {
	return f(ctx, req)
}

type memPersister struct {
	mu        sync.Mutex
	summaries []persist.CallSummary
	err       error
}

func (m *memPersister) PersistCallSummary(_ context.Context, s persist.CallSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.summaries = append(m.summaries, s)
	return nil
}

func (m *memPersister) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memPersister) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}

func (m *memPersister) last() persist.CallSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.summaries) == 0 {
		return persist.CallSummary{}
	}
	return m.summaries[len(m.summaries)-1]
}

type captureEmitter struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureEmitter) EmitMetric(string, float64, string, map[string]string, telemetry.Correlation) {
}

func (c *captureEmitter) EmitLog(name, _, _ string, _ map[string]string, _ telemetry.Correlation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, name)
}

func (c *captureEmitter) logCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, l := range c.logs {
		if l == name {
			count++
		}
	}
	return count
}
