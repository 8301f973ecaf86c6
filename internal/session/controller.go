// Package session implements the voice-interaction session controller: the
// state machine that owns one spoken exchange end to end — capture,
// dispatch, response playback, conversational buffering, and automatic
// re-arming of the microphone.
//
// The controller is the exclusive owner of the microphone, the audio output,
// and the conversation buffer. At most one capture activation and one
// playback are active at any time, enforced by status gating: a new turn can
// only start from [StatusIdle]. All timers (re-arm grace, failure backoff,
// save-prompt delay, stuck-state guard) run on an injectable clock so tests
// advance virtual time deterministically.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/memovoz/memovoz/internal/audio"
	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
	"github.com/memovoz/memovoz/internal/feedback"
	"github.com/memovoz/memovoz/internal/observe"
	"github.com/memovoz/memovoz/internal/voicecmd"
	"github.com/memovoz/memovoz/pkg/speech"
)

// Default timing parameters.
const (
	// defaultRearmDelay is the grace delay before the microphone re-opens
	// after a turn completes, so capture does not pick up the tail of the
	// assistant's own audio output.
	defaultRearmDelay = 500 * time.Millisecond

	// defaultFailureBackoff replaces the grace delay after a dispatch
	// failure, so a dead backend does not consume the microphone in a
	// tight loop.
	defaultFailureBackoff = 5 * time.Second

	// defaultOfferDelay is how long after an eligible assistant message the
	// save-conversation prompt appears.
	defaultOfferDelay = 2 * time.Second

	// defaultStateTimeout bounds how long the controller may stay in any
	// non-idle state before it force-aborts the turn. The platform is
	// expected to complete well before this; the guard only prevents a
	// stuck capability from stranding the session.
	defaultStateTimeout = 30 * time.Second

	defaultLocale = "es-ES"
)

// User-visible texts, matching the Spanish-language client.
const (
	greetingText           = "Hola, ¿en qué puedo ayudarte?"
	apologyText            = "Lo siento, ha ocurrido un error. Inténtalo de nuevo."
	savedText              = "Conversación guardada en tus notas."
	nothingToSaveText      = "No hay nada que guardar todavía."
	captureFailedText      = "No te he entendido. Pulsa el micrófono para intentarlo de nuevo."
	captureUnavailableText = "El reconocimiento de voz no está disponible en este dispositivo."
	timeoutText            = "La operación ha tardado demasiado."
)

// Sentinel errors returned by controller operations.
var (
	// ErrNotIdle is returned when a turn is requested while one is already
	// in progress. Callers treat it as a no-op, not a failure.
	ErrNotIdle = errors.New("session: not idle")

	// ErrClosed is returned after [Controller.Close].
	ErrClosed = errors.New("session: controller closed")

	// ErrNoPendingSave is returned by [Controller.AcceptSave] when no save
	// prompt is pending.
	ErrNoPendingSave = errors.New("session: no pending save offer")

	// ErrEmptyMessage is returned by [Controller.SendText] for blank input.
	ErrEmptyMessage = errors.New("session: empty message")
)

// errNoSpeech marks an activation that produced a blank transcript; handled
// like any other capture error.
var errNoSpeech = errors.New("session: no speech recognised")

// Config configures a [Controller]. Capturer, Dispatcher, and Buffer are
// required; everything else is optional.
type Config struct {
	// Capturer starts speech-capture activations.
	Capturer speech.Capturer

	// Dispatcher sends exchanges to the backend.
	Dispatcher Dispatcher

	// Buffer is the conversation log. The controller is its only writer.
	Buffer *conversation.Buffer

	// Player plays response audio. When nil the controller never enters
	// [StatusSpeaking].
	Player speech.Player

	// Synthesizer produces audio from response text when the backend
	// supplies no payload. May be nil.
	Synthesizer speech.Synthesizer

	// Feedback plays outcome cues. May be nil.
	Feedback FeedbackSignaler

	// Shortcuts intercepts local voice commands before dispatch. May be nil.
	Shortcuts *voicecmd.Filter

	// Sink receives user-visible events. Defaults to [NopSink].
	Sink EventSink

	// Archive records completed turns for local history. May be nil.
	Archive Archiver

	// Metrics receives per-stage instrumentation. May be nil.
	Metrics *observe.Metrics

	// Locale is the capture recognition language. Defaults to "es-ES".
	Locale string

	// RearmDelay, FailureBackoff, OfferDelay, and StateTimeout override the
	// default timing parameters when positive.
	RearmDelay     time.Duration
	FailureBackoff time.Duration
	OfferDelay     time.Duration
	StateTimeout   time.Duration

	// Clock drives all controller timers. Defaults to the real clock.
	Clock clockwork.Clock
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	capturer  speech.Capturer
	dispatch  Dispatcher
	buffer    *conversation.Buffer
	player    speech.Player
	synth     speech.Synthesizer
	feedback  FeedbackSignaler
	shortcuts *voicecmd.Filter
	sink      EventSink
	archive   Archiver
	metrics   *observe.Metrics
	locale    string

	rearmDelay     time.Duration
	failureBackoff time.Duration
	offerDelay     time.Duration
	stateTimeout   time.Duration
	clock          clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	status       Status
	gen          uint64 // turn epoch; stale events carry an older value
	closed       bool
	activation   speech.Activation
	playback     speech.Playback
	offerPending bool
	turnStart    time.Time
	rearmTimer   clockwork.Timer
	offerTimer   clockwork.Timer
	guardTimer   clockwork.Timer
}

// New creates a [Controller]. The controller starts idle; call
// [Controller.Greet] or [Controller.Trigger] to begin a session.
func New(cfg Config) (*Controller, error) {
	if cfg.Capturer == nil {
		return nil, errors.New("session: Capturer is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("session: Dispatcher is required")
	}
	if cfg.Buffer == nil {
		return nil, errors.New("session: Buffer is required")
	}

	c := &Controller{
		capturer:       cfg.Capturer,
		dispatch:       cfg.Dispatcher,
		buffer:         cfg.Buffer,
		player:         cfg.Player,
		synth:          cfg.Synthesizer,
		feedback:       cfg.Feedback,
		shortcuts:      cfg.Shortcuts,
		sink:           cfg.Sink,
		archive:        cfg.Archive,
		metrics:        cfg.Metrics,
		locale:         cfg.Locale,
		rearmDelay:     cfg.RearmDelay,
		failureBackoff: cfg.FailureBackoff,
		offerDelay:     cfg.OfferDelay,
		stateTimeout:   cfg.StateTimeout,
		clock:          cfg.Clock,
		status:         StatusIdle,
	}
	if c.sink == nil {
		c.sink = NopSink{}
	}
	if c.locale == "" {
		c.locale = defaultLocale
	}
	if c.rearmDelay <= 0 {
		c.rearmDelay = defaultRearmDelay
	}
	if c.failureBackoff <= 0 {
		c.failureBackoff = defaultFailureBackoff
	}
	if c.offerDelay <= 0 {
		c.offerDelay = defaultOfferDelay
	}
	if c.stateTimeout <= 0 {
		c.stateTimeout = defaultStateTimeout
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OfferPending reports whether a save-conversation prompt is awaiting an
// answer.
func (c *Controller) OfferPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offerPending
}

// Greet appends the fixed greeting as an assistant message and speaks it
// when synthesis is available. Legal only from idle; the session re-arms
// afterwards, so greeting a session starts the hands-free loop.
func (c *Controller) Greet(ctx context.Context) error {
	gen, err := c.beginTurn(StatusSpeaking)
	if err != nil {
		return err
	}

	c.mu.Lock()
	msg, _ := c.buffer.Append(conversation.RoleAssistant, greetingText)
	c.mu.Unlock()
	c.sink.MessageAppended(msg)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliverAudio(gen, dispatch.Result{Kind: dispatch.KindConversation, Response: greetingText})
	}()
	return nil
}

// Trigger starts one capture activation. It is legal only from idle:
// triggering while a turn is in progress returns [ErrNotIdle] and has no
// side effects, which makes spurious or duplicate trigger events harmless.
func (c *Controller) Trigger(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.stopTimerLocked(&c.rearmTimer)
	c.gen++
	gen := c.gen
	c.status = StatusListening
	c.turnStart = c.clock.Now()
	c.armGuardLocked(gen)
	c.mu.Unlock()

	c.sink.StatusChanged(StatusListening)
	c.signal(feedback.KindConfirm) // mic-open blip

	act, err := c.capturer.Start(ctx, speech.CaptureConfig{Locale: c.locale})
	if err != nil {
		c.captureFailed(gen, err)
		return fmt.Errorf("session: start capture: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		// Aborted while the provider was starting up.
		c.mu.Unlock()
		_ = act.Stop()
		return ErrClosed
	}
	c.activation = act
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchCapture(gen, act)
	}()
	return nil
}

// SendText feeds a typed message into the same processing path a transcript
// takes, without engaging the microphone. Legal only from idle.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	gen, err := c.beginTurn(StatusProcessing)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.processTurn(gen, text)
	}()
	return nil
}

// AcceptSave answers a pending save prompt affirmatively: the buffer is
// drained atomically and the drained messages are exported to the backend
// as a persisted note.
func (c *Controller) AcceptSave(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.offerPending {
		c.mu.Unlock()
		return ErrNoPendingSave
	}
	c.offerPending = false
	c.stopTimerLocked(&c.offerTimer)
	messages := c.buffer.DrainForSave()
	c.mu.Unlock()

	c.sink.SaveDismissed()
	if len(messages) == 0 {
		return nil
	}

	if err := c.dispatch.SaveConversation(ctx, messages); err != nil {
		c.sink.Notice(apologyText)
		return fmt.Errorf("session: save conversation: %w", err)
	}
	if c.metrics != nil {
		c.metrics.SavedConversations.Add(ctx, 1)
	}
	c.sink.Notice(savedText)
	return nil
}

// DeclineSave dismisses a pending save prompt without touching the buffer.
// A no-op when no prompt is pending.
func (c *Controller) DeclineSave() {
	c.mu.Lock()
	wasPending := c.offerPending
	c.offerPending = false
	c.stopTimerLocked(&c.offerTimer)
	c.mu.Unlock()
	if wasPending {
		c.sink.SaveDismissed()
	}
}

// Close tears the session down: it cancels any outstanding capture,
// force-stops any active playback, and releases all timers. Late events
// from in-flight work are discarded. Safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	act := c.activation
	pb := c.playback
	c.activation = nil
	c.playback = nil
	c.status = StatusIdle
	c.stopTimerLocked(&c.rearmTimer)
	c.stopTimerLocked(&c.offerTimer)
	c.stopTimerLocked(&c.guardTimer)
	c.mu.Unlock()

	c.cancel()

	var errs []error
	if act != nil {
		if err := act.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if pb != nil {
		if err := pb.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Turn pipeline
// ---------------------------------------------------------------------------

// beginTurn claims a new turn epoch from idle and moves the session to
// status, so no concurrent trigger can preempt the turn before its
// goroutine runs. The sink sees the transition before beginTurn returns.
func (c *Controller) beginTurn(status Status) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.status != StatusIdle {
		c.mu.Unlock()
		return 0, ErrNotIdle
	}
	c.stopTimerLocked(&c.rearmTimer)
	c.gen++
	gen := c.gen
	c.status = status
	c.turnStart = c.clock.Now()
	c.armGuardLocked(gen)
	c.mu.Unlock()

	c.sink.StatusChanged(status)
	return gen, nil
}

// watchCapture waits for the activation's single terminal event.
func (c *Controller) watchCapture(gen uint64, act speech.Activation) {
	started := c.clock.Now()
	res, ok := <-act.Result()
	if c.metrics != nil {
		c.metrics.CaptureDuration.Record(c.ctx, c.clock.Since(started).Seconds())
	}
	if !ok {
		// Stopped before a result; whoever stopped it owns the transition.
		return
	}
	if res.Err != nil {
		c.captureFailed(gen, res.Err)
		return
	}
	text := strings.TrimSpace(res.Transcript.Text)
	if text == "" {
		c.captureFailed(gen, errNoSpeech)
		return
	}

	if c.shortcuts != nil {
		if action, ok := c.shortcuts.Match(text); ok {
			c.runShortcut(gen, action)
			return
		}
	}
	c.processTurn(gen, text)
}

// captureFailed returns the session to idle after a capture error. No
// message is appended and no automatic re-arm is scheduled: retrying would
// likely fail the same way and a retry storm would hold the microphone.
func (c *Controller) captureFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.activation = nil
	c.stopTimerLocked(&c.guardTimer)
	c.status = StatusIdle
	c.turnStart = time.Time{}
	c.mu.Unlock()

	slog.Warn("capture failed", "error", err)
	if c.metrics != nil {
		c.metrics.RecordCaptureError(c.ctx)
	}
	c.sink.StatusChanged(StatusIdle)
	if errors.Is(err, speech.ErrCapabilityUnavailable) {
		c.sink.Notice(captureUnavailableText)
	} else {
		c.sink.Notice(captureFailedText)
	}
}

// processTurn appends the user message and dispatches it with the
// conversation snapshot taken at dispatch time. Messages appended later are
// never retroactively part of this request.
func (c *Controller) processTurn(gen uint64, text string) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.activation = nil
	userMsg, _ := c.buffer.Append(conversation.RoleUser, text)
	snapshot := c.buffer.Snapshot()
	prev := c.status
	c.status = StatusProcessing
	c.armGuardLocked(gen)
	c.mu.Unlock()

	c.sink.MessageAppended(userMsg)
	if prev != StatusProcessing {
		c.sink.StatusChanged(StatusProcessing)
	}

	started := c.clock.Now()
	res, err := c.dispatch.Send(c.ctx, text, snapshot)
	if c.metrics != nil {
		c.metrics.DispatchDuration.Record(c.ctx, c.clock.Since(started).Seconds())
	}
	if err != nil {
		c.dispatchFailed(gen, err)
		return
	}
	c.respond(gen, userMsg, res)
}

// dispatchFailed appends the apology, returns to idle, and schedules the
// re-arm only after the longer failure backoff.
func (c *Controller) dispatchFailed(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	msg, appended := c.buffer.Append(conversation.RoleAssistant, apologyText)
	c.mu.Unlock()

	slog.Error("dispatch failed", "error", err)
	if c.metrics != nil {
		c.metrics.RecordDispatchError(c.ctx)
		c.metrics.RecordTurn(c.ctx, "unknown", "error")
	}
	if appended {
		c.sink.MessageAppended(msg)
	}
	c.completeTurn(gen, c.failureBackoff)
}

// respond handles a successful dispatch result: assistant message, feedback
// cue, save offer, local archive, and audio delivery.
func (c *Controller) respond(gen uint64, userMsg conversation.Message, res dispatch.Result) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	if res.Kind == dispatch.KindConversationSaved {
		// The backend persisted the conversation itself; the local log
		// starts over with the acknowledgement.
		c.buffer.DrainForSave()
		c.offerPending = false
		c.stopTimerLocked(&c.offerTimer)
	}
	assistantMsg, appended := c.buffer.Append(conversation.RoleAssistant, res.Response)
	if res.ShouldOfferSave && appended {
		c.scheduleOfferLocked()
	}
	c.mu.Unlock()

	if appended {
		c.sink.MessageAppended(assistantMsg)
	}
	if c.metrics != nil {
		c.metrics.RecordTurn(c.ctx, string(res.Kind), "ok")
	}
	switch res.Kind {
	case dispatch.KindNoteCreated:
		c.signal(feedback.KindNote)
	case dispatch.KindEventCreated:
		c.signal(feedback.KindEvent)
	case dispatch.KindConversationSaved:
		c.signal(feedback.KindConfirm)
	}
	if c.archive != nil && appended {
		if err := c.archive.Archive(c.ctx, Turn{User: userMsg, Assistant: assistantMsg, Kind: res.Kind}); err != nil {
			slog.Warn("turn archive failed", "error", err)
		}
	}

	c.deliverAudio(gen, res)
}

// deliverAudio plays the result's audio payload, or a synthesized rendition
// of the response text when no payload is present, then completes the turn.
// Decode, synthesis, and playback failures all fall through to the normal
// turn end so a broken payload never strands the session.
func (c *Controller) deliverAudio(gen uint64, res dispatch.Result) {
	payload, ok := c.resolvePayload(res)
	if !ok {
		c.completeTurn(gen, c.rearmDelay)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = StatusSpeaking
	c.armGuardLocked(gen)
	c.mu.Unlock()
	if prev != StatusSpeaking {
		c.sink.StatusChanged(StatusSpeaking)
	}

	started := c.clock.Now()
	pb, err := c.player.Play(c.ctx, payload)
	if err != nil {
		slog.Warn("playback start failed", "mime_type", payload.MimeType, "error", err)
		if c.metrics != nil {
			c.metrics.RecordPlaybackError(c.ctx)
		}
		c.completeTurn(gen, c.rearmDelay)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		_ = pb.Stop()
		return
	}
	c.playback = pb
	c.mu.Unlock()

	err = <-pb.Done()
	if c.metrics != nil {
		c.metrics.PlaybackDuration.Record(c.ctx, c.clock.Since(started).Seconds())
	}
	if err != nil {
		// A playback error is treated exactly like a natural end.
		slog.Warn("playback failed", "error", err)
		if c.metrics != nil {
			c.metrics.RecordPlaybackError(c.ctx)
		}
	}
	c.completeTurn(gen, c.rearmDelay)
}

// resolvePayload returns the playable payload for a result, or ok=false when
// the turn has no audio.
func (c *Controller) resolvePayload(res dispatch.Result) (speech.Payload, bool) {
	if c.player == nil {
		return speech.Payload{}, false
	}
	if res.HasAudio() {
		payload, err := audio.DecodePayload(res.AudioData, res.AudioMimeType)
		if err != nil {
			slog.Warn("response audio decode failed", "mime_type", res.AudioMimeType, "error", err)
			if c.metrics != nil {
				c.metrics.RecordPlaybackError(c.ctx)
			}
			return speech.Payload{}, false
		}
		return payload, true
	}
	if c.synth == nil || res.Response == "" {
		return speech.Payload{}, false
	}
	started := c.clock.Now()
	payload, err := c.synth.Synthesize(c.ctx, res.Response, c.locale)
	if c.metrics != nil {
		c.metrics.SynthesisDuration.Record(c.ctx, c.clock.Since(started).Seconds())
	}
	if err != nil {
		slog.Warn("speech synthesis failed", "error", err)
		return speech.Payload{}, false
	}
	return payload, true
}

// completeTurn returns the session to idle and schedules the automatic
// re-arm. The same path serves normal ends, playback errors, and dispatch
// failures; only the delay differs.
func (c *Controller) completeTurn(gen uint64, rearmAfter time.Duration) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.activation = nil
	c.playback = nil
	c.stopTimerLocked(&c.guardTimer)
	c.status = StatusIdle
	if c.metrics != nil && !c.turnStart.IsZero() {
		c.metrics.TurnDuration.Record(c.ctx, c.clock.Since(c.turnStart).Seconds())
	}
	c.turnStart = time.Time{}
	c.stopTimerLocked(&c.rearmTimer)
	c.rearmTimer = c.clock.AfterFunc(rearmAfter, func() {
		c.autoRearm(gen)
	})
	c.mu.Unlock()
	c.sink.StatusChanged(StatusIdle)
}

// autoRearm re-opens the microphone after the grace delay, waiting first for
// all feedback cues so capture does not record the assistant's own output.
func (c *Controller) autoRearm(gen uint64) {
	if c.feedback != nil {
		c.feedback.Wait()
	}
	c.mu.Lock()
	stale := c.gen != gen || c.closed || c.status != StatusIdle
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.Trigger(c.ctx); err != nil && !errors.Is(err, ErrNotIdle) && !errors.Is(err, ErrClosed) {
		slog.Warn("auto re-arm failed", "error", err)
	}
}

// runShortcut executes a locally matched voice command instead of
// dispatching the utterance.
func (c *Controller) runShortcut(gen uint64, action voicecmd.Action) {
	switch action {
	case voicecmd.ActionSaveConversation:
		c.saveByVoice(gen)
	case voicecmd.ActionDiscard:
		c.mu.Lock()
		if c.gen != gen || c.closed {
			c.mu.Unlock()
			return
		}
		c.activation = nil
		wasPending := c.offerPending
		c.offerPending = false
		c.stopTimerLocked(&c.offerTimer)
		c.mu.Unlock()
		if wasPending {
			c.sink.SaveDismissed()
		}
		c.completeTurn(gen, c.rearmDelay)
	}
}

// saveByVoice drains and exports the conversation in response to a spoken
// save command.
func (c *Controller) saveByVoice(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.activation = nil
	c.status = StatusProcessing
	c.armGuardLocked(gen)
	wasPending := c.offerPending
	c.offerPending = false
	c.stopTimerLocked(&c.offerTimer)
	messages := c.buffer.DrainForSave()
	c.mu.Unlock()

	c.sink.StatusChanged(StatusProcessing)
	if wasPending {
		c.sink.SaveDismissed()
	}
	if len(messages) == 0 {
		c.sink.Notice(nothingToSaveText)
		c.completeTurn(gen, c.rearmDelay)
		return
	}

	if err := c.dispatch.SaveConversation(c.ctx, messages); err != nil {
		c.dispatchFailed(gen, err)
		return
	}
	if c.metrics != nil {
		c.metrics.SavedConversations.Add(c.ctx, 1)
	}

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	msg, appended := c.buffer.Append(conversation.RoleAssistant, savedText)
	c.mu.Unlock()
	if appended {
		c.sink.MessageAppended(msg)
	}
	c.signal(feedback.KindConfirm)
	c.completeTurn(gen, c.rearmDelay)
}

// ---------------------------------------------------------------------------
// Timers and helpers
// ---------------------------------------------------------------------------

// scheduleOfferLocked arms the save-prompt timer. Caller holds c.mu.
func (c *Controller) scheduleOfferLocked() {
	c.stopTimerLocked(&c.offerTimer)
	c.offerTimer = c.clock.AfterFunc(c.offerDelay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.offerPending = true
		c.mu.Unlock()
		c.sink.SaveOffered()
	})
}

// armGuardLocked (re)arms the stuck-state guard for the current turn.
// Caller holds c.mu.
func (c *Controller) armGuardLocked(gen uint64) {
	c.stopTimerLocked(&c.guardTimer)
	c.guardTimer = c.clock.AfterFunc(c.stateTimeout, func() {
		c.guardExpired(gen)
	})
}

// guardExpired force-aborts a turn stuck in a non-idle state. The session
// returns to idle without an automatic re-arm.
func (c *Controller) guardExpired(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	stuck := c.status
	c.gen++ // invalidate in-flight work for this turn
	act := c.activation
	pb := c.playback
	c.activation = nil
	c.playback = nil
	c.status = StatusIdle
	c.turnStart = time.Time{}
	c.mu.Unlock()

	slog.Warn("turn aborted after state timeout", "status", stuck, "timeout", c.stateTimeout)
	if act != nil {
		_ = act.Stop()
	}
	if pb != nil {
		_ = pb.Stop()
	}
	c.sink.StatusChanged(StatusIdle)
	c.sink.Notice(timeoutText)
}

// stopTimerLocked stops and clears a timer slot. Caller holds c.mu.
func (c *Controller) stopTimerLocked(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// signal fires a feedback cue when a signaler is configured.
func (c *Controller) signal(kind feedback.Kind) {
	if c.feedback != nil {
		c.feedback.Signal(kind)
	}
}
