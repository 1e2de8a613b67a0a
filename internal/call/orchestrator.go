package call

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/callflow/api/events"
	"github.com/tiger/callflow/internal/callmetrics"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/inactivity"
	"github.com/tiger/callflow/internal/kb"
	"github.com/tiger/callflow/internal/observability/telemetry"
	"github.com/tiger/callflow/internal/persist"
	"github.com/tiger/callflow/internal/reply"
	"github.com/tiger/callflow/internal/resilience"
	"github.com/tiger/callflow/internal/router"
)

// EndReasonError marks calls force-ended after an unrecoverable adapter
// failure.
const EndReasonError = "adapter_error"

// Options carries per-call identity and texts. Zero values default.
type Options struct {
	CallID         string
	LeadID         string
	Product        string
	PinnedChunkIDs []string

	// Opening is spoken when the call starts. Empty skips straight to
	// listening.
	Opening string
	// ReminderText is the fixed nudge spoken when the user goes quiet.
	ReminderText string
	// ApologyText is spoken when one turn's retrieval or generation fails.
	ApologyText string
	// UnavailableText replaces ApologyText while a dependency breaker is open.
	UnavailableText string

	InboxCapacity int
	// AdapterFailureLimit is the number of consecutive speech engine failures
	// tolerated before the call escalates to Error and force-ends.
	AdapterFailureLimit int
	// StopConfirmTimeout bounds how long a barge-in stop request may wait for
	// its confirming tts_end before the engine is declared unresponsive.
	StopConfirmTimeout time.Duration
	PersistTimeout     time.Duration

	VADHints VADHints

	// Now is an injection seam for deterministic latency tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CallID == "" {
		o.CallID = uuid.NewString()
	}
	if o.ReminderText == "" {
		o.ReminderText = "Are you still there? Take your time, I am happy to wait."
	}
	if o.ApologyText == "" {
		o.ApologyText = "Sorry, I did not catch that properly. Could you say it again?"
	}
	if o.UnavailableText == "" {
		o.UnavailableText = "Sorry, I am having trouble reaching our systems right now. Please give me a moment."
	}
	if o.InboxCapacity < 1 {
		o.InboxCapacity = 128
	}
	if o.AdapterFailureLimit < 1 {
		o.AdapterFailureLimit = 3
	}
	if o.StopConfirmTimeout <= 0 {
		o.StopConfirmTimeout = 2 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps are the collaborators one call actor drives. All must be safe for use
// by multiple concurrent calls; none may hold per-call state.
type Deps struct {
	TTS TTSEngine
	ASR ASREngine
	VAD VADEngine

	Config    *config.Controller
	Retriever kb.Retriever
	Router    router.Classifier
	Generator reply.Generator
	Persister persist.Client

	// One invoker per outbound operation class.
	Retrieve *resilience.Invoker
	Generate *resilience.Invoker
	Persist  *resilience.Invoker

	Telemetry telemetry.Emitter
}

func (d Deps) validate() error {
	if d.TTS == nil {
		return fmt.Errorf("tts engine is required")
	}
	if d.Config == nil {
		return fmt.Errorf("config controller is required")
	}
	if d.Router == nil {
		return fmt.Errorf("router is required")
	}
	if d.Generator == nil {
		return fmt.Errorf("reply generator is required")
	}
	if d.Persister == nil {
		return fmt.Errorf("persistence client is required")
	}
	return nil
}

// Orchestrator is the finite-state actor for one call. Producers push
// normalized events; Run drains them strictly in arrival order, so no two
// events for the call are ever processed concurrently.
type Orchestrator struct {
	opts Options
	deps Deps

	inbox chan events.Event
	done  chan struct{}

	session   *session
	metrics   *callmetrics.Collector
	scheduler *inactivity.Scheduler
	stopWatch *inactivity.Scheduler

	seq atomic.Int64

	// stopRequestedAt is non-zero between a barge-in stop request and its
	// confirming tts_end; the gap is the measured cutoff latency.
	stopRequestedAt time.Time
	processingFrom  time.Time

	inFlightCancel context.CancelFunc

	summary    persist.CallSummary
	persistErr error
}

// New builds the actor for one call. Missing invokers are constructed with
// default pacing; missing telemetry is a no-op.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NopEmitter()
	}
	var err error
	if deps.Retrieve == nil {
		if deps.Retrieve, err = resilience.NewInvoker("retrieve", resilience.Config{}); err != nil {
			return nil, err
		}
	}
	if deps.Generate == nil {
		if deps.Generate, err = resilience.NewInvoker("generate", resilience.Config{}); err != nil {
			return nil, err
		}
	}
	if deps.Persist == nil {
		if deps.Persist, err = resilience.NewInvoker("persist", resilience.Config{}); err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{
		opts:    opts,
		deps:    deps,
		inbox:   make(chan events.Event, opts.InboxCapacity),
		done:    make(chan struct{}),
		session: newSession(opts.CallID, opts.LeadID),
		metrics: callmetrics.NewCollector(),
	}
	o.scheduler, err = inactivity.NewScheduler(o.reminderElapsed)
	if err != nil {
		return nil, err
	}
	o.stopWatch, err = inactivity.NewScheduler(o.stopUnconfirmed)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CallID returns the owned call identifier.
func (o *Orchestrator) CallID() string {
	return o.opts.CallID
}

// Push implements events.Sink. It blocks while the inbox is full so producer
// ordering survives backpressure, and fails once the call has ended.
func (o *Orchestrator) Push(ev events.Event) error {
	if ev.CallID == "" {
		ev.CallID = o.opts.CallID
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("call %s: %w", o.opts.CallID, err)
	}
	if ev.CallID != o.opts.CallID {
		return fmt.Errorf("call %s: event addressed to %s", o.opts.CallID, ev.CallID)
	}
	if ev.Sequence == 0 {
		ev.Sequence = o.seq.Add(1)
	}
	select {
	case <-o.done:
		return fmt.Errorf("call %s has ended", o.opts.CallID)
	default:
	}
	select {
	case o.inbox <- ev:
		return nil
	case <-o.done:
		return fmt.Errorf("call %s has ended", o.opts.CallID)
	}
}

func (o *Orchestrator) reminderElapsed() {
	_ = o.Push(events.Event{
		Kind:        events.KindReminderElapsed,
		CallID:      o.opts.CallID,
		TimestampMS: o.opts.Now().UnixMilli(),
	})
}

func (o *Orchestrator) stopUnconfirmed() {
	_ = o.Push(events.Event{
		Kind:        events.KindStopTimeout,
		CallID:      o.opts.CallID,
		TimestampMS: o.opts.Now().UnixMilli(),
	})
}

// Run configures the call, then drains the inbox until the call ends. It
// returns the persisted summary; a persistence failure after retries is
// surfaced, never swallowed.
func (o *Orchestrator) Run(ctx context.Context) (persist.CallSummary, error) {
	defer close(o.done)
	defer o.scheduler.Clear()
	defer o.stopWatch.Clear()

	if err := o.start(ctx); err != nil {
		o.escalate(ctx, err)
		return o.summary, o.persistErr
	}

	for {
		select {
		case <-ctx.Done():
			o.endCall(ctx, "canceled")
			return o.summary, o.persistErr
		case ev := <-o.inbox:
			if done := o.handle(ctx, ev); done {
				return o.summary, o.persistErr
			}
		}
	}
}

// start runs the Configuring phase: apply front-end hints, resume
// recognition, speak the opening line.
func (o *Orchestrator) start(ctx context.Context) error {
	if err := o.session.transition(StateConfiguring); err != nil {
		return err
	}
	if o.deps.VAD != nil {
		if err := o.deps.VAD.Configure(o.opts.VADHints); err != nil {
			return fmt.Errorf("configure vad: %w", err)
		}
	}
	if o.deps.ASR != nil {
		if err := o.deps.ASR.Resume(ctx); err != nil {
			return fmt.Errorf("resume asr: %w", err)
		}
	}
	if o.opts.Opening == "" {
		return o.session.transition(StateListening)
	}
	o.session.appendUtterance("agent", o.opts.Opening, o.opts.Now().UnixMilli())
	return o.speak(ctx, o.opts.Opening, false)
}

func (o *Orchestrator) handle(ctx context.Context, ev events.Event) bool {
	switch ev.Kind {
	case events.KindSpeechStart:
		o.handleSpeechStart(ev)
	case events.KindSpeechEnd:
		o.handleSpeechEnd(ev)
	case events.KindSilence:
		o.handleSilence(ctx, ev)
	case events.KindASRPartial:
		// Interim hypotheses only inform the transcript once final.
	case events.KindASRFinal:
		o.handleASRFinal(ev)
	case events.KindTTSStart:
		o.scheduler.Clear()
	case events.KindTTSEnd:
		o.handleTTSEnd(ctx, ev)
	case events.KindReminderElapsed:
		o.handleReminderElapsed(ctx, ev)
	case events.KindStopTimeout:
		o.handleStopTimeout(ctx)
	case events.KindReplyReady:
		o.handleReplyReady(ctx, ev)
	case events.KindReplyFailed:
		o.handleReplyFailed(ctx, ev)
	case events.KindConfigPatch:
		o.handleConfigPatch(ev)
	case events.KindCallEnd:
		reason := ev.Reason
		if reason == "" {
			reason = "requested"
		}
		o.endCall(ctx, reason)
		return true
	}
	return o.session.state == StateEnded
}

func (o *Orchestrator) handleSpeechStart(ev events.Event) {
	o.scheduler.Clear()
	o.session.userSpeaking = true
	o.session.awaitingAgentTurn = false
	o.session.speechStartedMS = ev.TimestampMS

	cfg := o.deps.Config.Snapshot()
	if cfg.BargeIn && o.deps.TTS.IsPlaying() {
		if o.stopRequestedAt.IsZero() {
			o.stopRequestedAt = o.opts.Now()
			o.deps.TTS.Stop()
			_ = o.stopWatch.Arm(o.opts.StopConfirmTimeout)
		}
	}
	o.cancelInFlight()

	if err := o.session.transition(StateListening); err == nil {
		o.emitLog("speech_start", "user speaking")
	}
}

func (o *Orchestrator) handleSpeechEnd(ev events.Event) {
	o.session.userSpeaking = false
	if o.session.state != StateListening {
		return
	}
	cfg := o.deps.Config.Snapshot()
	if cfg.MinSpeechMS > 0 && o.session.speechStartedMS > 0 && ev.TimestampMS > 0 {
		if ev.TimestampMS-o.session.speechStartedMS < cfg.MinSpeechMS {
			// Burst shorter than the minimum is treated as noise.
			return
		}
	}
	o.session.awaitingAgentTurn = true
}

func (o *Orchestrator) handleSilence(ctx context.Context, ev events.Event) {
	if !o.session.awaitingAgentTurn || o.deps.TTS.IsPlaying() {
		return
	}
	cfg := o.deps.Config.Snapshot()
	if ev.SilenceMS < cfg.SilenceConfirmMS() {
		return
	}
	if strings.TrimSpace(o.session.lastFinalText) == "" {
		// Recognition has not landed yet; stay awaiting until the next
		// confirmed silence.
		return
	}
	o.session.awaitingAgentTurn = false
	o.beginProcessing(ctx, cfg)
}

func (o *Orchestrator) handleASRFinal(ev events.Event) {
	o.session.appendUtterance("user", ev.Text, ev.TimestampMS)
	o.session.lastFinalText = ev.Text
	// A new user turn resets the reminder budget.
	o.session.remindersSent = 0
}

func (o *Orchestrator) handleTTSEnd(ctx context.Context, ev events.Event) {
	if !o.stopRequestedAt.IsZero() {
		o.stopWatch.Clear()
		cutoff := o.opts.Now().Sub(o.stopRequestedAt).Milliseconds()
		o.stopRequestedAt = time.Time{}
		if err := o.metrics.AddBargeInCutoff(cutoff); err == nil {
			o.deps.Telemetry.EmitMetric(telemetry.MetricBargeInCutoffMS, float64(cutoff), "ms", nil, o.correlation())
		}
	}
	if ev.Interrupted || o.session.userSpeaking {
		return
	}
	if o.session.state != StateAgentSpeaking {
		return
	}
	if err := o.session.transition(StateListening); err != nil {
		return
	}
	if o.deps.ASR != nil {
		_ = o.deps.ASR.Resume(ctx)
	}
	o.armReminder()
}

func (o *Orchestrator) armReminder() {
	cfg := o.deps.Config.Snapshot()
	delay := cfg.ReminderMS
	if o.session.lastSpokenWasReminder {
		delay = cfg.CooldownMS
	}
	if delay <= 0 {
		return
	}
	_ = o.scheduler.Arm(time.Duration(delay) * time.Millisecond)
}

func (o *Orchestrator) handleReminderElapsed(ctx context.Context, _ events.Event) {
	if o.deps.TTS.IsPlaying() {
		// A nudge must never talk over the agent itself.
		o.metrics.CountReminderDuringTTS()
		o.deps.Telemetry.EmitMetric(telemetry.MetricReminderSuppressed, 1, "", map[string]string{"cause": "tts"}, o.correlation())
		return
	}
	if o.session.userSpeaking {
		o.metrics.CountReminderDuringUserSpeech()
		o.deps.Telemetry.EmitMetric(telemetry.MetricReminderSuppressed, 1, "", map[string]string{"cause": "user_speech"}, o.correlation())
		return
	}
	cfg := o.deps.Config.Snapshot()
	if o.session.remindersSent >= cfg.ReminderMaxRepeats {
		return
	}
	if o.session.state != StateListening {
		return
	}
	o.session.remindersSent++
	o.metrics.CountReminderSpoken()
	o.session.appendUtterance("agent", o.opts.ReminderText, o.opts.Now().UnixMilli())
	_ = o.speak(ctx, o.opts.ReminderText, true)
}

// handleStopTimeout fires when a stop request was never confirmed by a
// tts_end. An engine that cannot halt playback is as unusable as one that
// cannot start it, so the call escalates rather than staying wedged with
// IsPlaying true.
func (o *Orchestrator) handleStopTimeout(ctx context.Context) {
	if o.stopRequestedAt.IsZero() {
		return
	}
	o.stopRequestedAt = time.Time{}
	o.escalate(ctx, fmt.Errorf("tts stop unconfirmed after %s", o.opts.StopConfirmTimeout))
}

// beginProcessing launches the retrieve/route/generate pipeline off the actor
// goroutine. Its completion comes back through the inbox carrying the turn
// epoch it was started under; barge-in bumps the epoch so a stale reply is
// discarded instead of spoken.
func (o *Orchestrator) beginProcessing(ctx context.Context, cfg config.Runtime) {
	text := strings.TrimSpace(o.session.lastFinalText)
	if text == "" {
		return
	}
	if err := o.session.transition(StateProcessing); err != nil {
		return
	}
	o.session.turnEpoch++
	epoch := o.session.turnEpoch
	o.processingFrom = o.opts.Now()

	turnCtx, cancel := context.WithCancel(ctx)
	o.inFlightCancel = cancel

	go o.process(turnCtx, epoch, text, cfg)
}

func (o *Orchestrator) process(ctx context.Context, epoch int64, text string, cfg config.Runtime) {
	chunks, err := o.retrieveChunks(ctx, text, cfg)
	if err != nil {
		o.failTurn(epoch, err)
		return
	}

	route, err := o.deps.Router.Route(ctx, text)
	if err != nil {
		o.failTurn(epoch, err)
		return
	}

	var generated string
	err = o.deps.Generate.Invoke(ctx, func(ctx context.Context) error {
		out, genErr := o.deps.Generator.Generate(ctx, reply.Request{
			Utterance: text,
			Branch:    route.Branch,
			Chunks:    chunks,
		})
		if genErr != nil {
			return genErr
		}
		generated = out
		return nil
	})
	if err != nil {
		o.failTurn(epoch, err)
		return
	}

	spoken := sanitizeForSpeech(generated)
	if spoken == "" {
		o.failTurn(epoch, fmt.Errorf("generated reply empty after sanitization"))
		return
	}
	_ = o.Push(events.Event{
		Kind:        events.KindReplyReady,
		CallID:      o.opts.CallID,
		TimestampMS: o.opts.Now().UnixMilli(),
		Text:        spoken,
		TurnEpoch:   epoch,
		KBChunks:    len(chunks),
	})
}

func (o *Orchestrator) retrieveChunks(ctx context.Context, text string, cfg config.Runtime) ([]kb.Chunk, error) {
	if !cfg.KBAutoRetrieve || o.deps.Retriever == nil {
		return nil, nil
	}
	var chunks []kb.Chunk
	err := o.deps.Retrieve.Invoke(ctx, func(ctx context.Context) error {
		out, retErr := o.deps.Retriever.Retrieve(ctx, kb.Query{
			Product:     o.opts.Product,
			Utterance:   text,
			SelectedIDs: o.opts.PinnedChunkIDs,
			Max:         cfg.KBMaxChunks,
			Rerank:      cfg.KBRerank,
		})
		if retErr != nil {
			return retErr
		}
		chunks = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (o *Orchestrator) failTurn(epoch int64, err error) {
	_ = o.Push(events.Event{
		Kind:        events.KindReplyFailed,
		CallID:      o.opts.CallID,
		TimestampMS: o.opts.Now().UnixMilli(),
		TurnEpoch:   epoch,
		Failure:     err.Error(),
	})
}

func (o *Orchestrator) handleReplyReady(ctx context.Context, ev events.Event) {
	if ev.TurnEpoch != o.session.turnEpoch || o.session.state != StateProcessing {
		o.emitLog("stale_reply", "discarding reply for superseded turn")
		return
	}
	o.releaseInFlight()

	if !o.processingFrom.IsZero() {
		latency := o.opts.Now().Sub(o.processingFrom).Milliseconds()
		o.processingFrom = time.Time{}
		if err := o.metrics.AddFirstResponse(latency); err == nil {
			o.deps.Telemetry.EmitMetric(telemetry.MetricFirstResponseMS, float64(latency), "ms", nil, o.correlation())
		}
	}

	o.session.kbChunksUsed += ev.KBChunks
	o.session.appendUtterance("agent", ev.Text, o.opts.Now().UnixMilli())
	// A substantive agent turn resets the reminder budget.
	o.session.remindersSent = 0
	_ = o.speak(ctx, ev.Text, false)
}

func (o *Orchestrator) handleReplyFailed(ctx context.Context, ev events.Event) {
	if ev.TurnEpoch != o.session.turnEpoch || o.session.state != StateProcessing {
		return
	}
	o.releaseInFlight()
	o.processingFrom = time.Time{}

	o.metrics.CountRecoverableFailure()
	o.emitLog("turn_failed", ev.Failure)

	fallback := o.opts.ApologyText
	if strings.Contains(ev.Failure, resilience.ErrCircuitOpen.Error()) {
		fallback = o.opts.UnavailableText
	}
	o.session.appendUtterance("agent", fallback, o.opts.Now().UnixMilli())
	_ = o.speak(ctx, fallback, false)
}

func (o *Orchestrator) handleConfigPatch(ev events.Event) {
	if _, err := o.deps.Config.ApplyJSON(ev.Patch); err != nil {
		o.emitLog("config_patch_rejected", err.Error())
		return
	}
	o.emitLog("config_patch_applied", "runtime thresholds updated")
}

// speak hands text to the TTS engine and moves to AgentSpeaking. Repeated
// engine failures escalate the call; a lone failure falls back to listening.
func (o *Orchestrator) speak(ctx context.Context, text string, reminder bool) error {
	if err := o.deps.TTS.Speak(ctx, text); err != nil {
		o.session.adapterFailures++
		o.emitLog("tts_failed", err.Error())
		if o.session.adapterFailures >= o.opts.AdapterFailureLimit {
			o.escalate(ctx, fmt.Errorf("tts engine unavailable: %w", err))
			return err
		}
		if trErr := o.session.transition(StateListening); trErr == nil {
			o.armReminder()
		}
		return err
	}
	o.session.adapterFailures = 0
	o.session.lastSpokenWasReminder = reminder
	return o.session.transition(StateAgentSpeaking)
}

// releaseInFlight frees the completed turn's cancel without fencing it.
func (o *Orchestrator) releaseInFlight() {
	if o.inFlightCancel != nil {
		o.inFlightCancel()
		o.inFlightCancel = nil
	}
}

func (o *Orchestrator) cancelInFlight() {
	if o.inFlightCancel != nil {
		o.inFlightCancel()
		o.inFlightCancel = nil
	}
	if o.session.state == StateProcessing {
		// Bumping the epoch fences any completion already in flight.
		o.session.turnEpoch++
		o.processingFrom = time.Time{}
	}
}

// escalate handles unrecoverable adapter failure: the call moves to Error and
// is force-ended with the error flag set.
func (o *Orchestrator) escalate(ctx context.Context, err error) {
	o.emitLog("call_error", err.Error())
	o.session.errorFlag = true
	_ = o.session.transition(StateError)
	o.endCall(ctx, EndReasonError)
}

// endCall finalizes exactly once: cancel everything outstanding, seal the
// metrics, persist the summary.
func (o *Orchestrator) endCall(ctx context.Context, reason string) {
	if o.session.state == StateEnded {
		return
	}
	o.scheduler.Clear()
	o.stopWatch.Clear()
	o.cancelInFlight()
	if o.deps.TTS.IsPlaying() {
		o.deps.TTS.Stop()
	}
	o.session.endReason = reason
	_ = o.session.transition(StateEnded)

	report := o.metrics.Seal()
	report.PersistedWithFailure = o.session.errorFlag
	endedAt := o.opts.Now().UnixMilli()

	o.summary = persist.CallSummary{
		CallID:       o.session.callID,
		LeadID:       o.session.leadID,
		Summary:      o.summarize(reason),
		Transcript:   append([]persist.TranscriptEntry(nil), o.session.transcript...),
		KBChunksUsed: o.session.kbChunksUsed,
		ErrorFlag:    o.session.errorFlag,
		EndReason:    reason,
		EndedAtMS:    endedAt,
		Metrics:      report,
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PersistTimeout)
	defer cancel()
	o.persistErr = o.deps.Persist.Invoke(persistCtx, func(ctx context.Context) error {
		return o.deps.Persister.PersistCallSummary(ctx, o.summary)
	})
	if o.persistErr != nil {
		o.emitLog("persist_failed", o.persistErr.Error())
	}
	o.emitLog("call_ended", reason)
}

func (o *Orchestrator) summarize(reason string) string {
	return fmt.Sprintf("%d utterances (%d user turns), %d grounding chunks used, ended: %s",
		len(o.session.transcript), o.session.userTurns(), o.session.kbChunksUsed, reason)
}

func (o *Orchestrator) correlation() telemetry.Correlation {
	return telemetry.Correlation{
		CallID:      o.session.callID,
		TurnEpoch:   o.session.turnEpoch,
		State:       string(o.session.state),
		EmittedBy:   "orchestrator",
		TimestampMS: o.opts.Now().UnixMilli(),
	}
}

func (o *Orchestrator) emitLog(name, message string) {
	o.deps.Telemetry.EmitLog(name, "info", message, nil, o.correlation())
}
