package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
	"github.com/memovoz/memovoz/internal/feedback"
	"github.com/memovoz/memovoz/internal/voicecmd"
	"github.com/memovoz/memovoz/pkg/speech"
	speechmock "github.com/memovoz/memovoz/pkg/speech/mock"
)

const waitTimeout = 2 * time.Second

// sinkRecorder records session events on buffered channels so tests can wait
// for transitions without polling.
type sinkRecorder struct {
	statuses   chan Status
	messages   chan conversation.Message
	offers     chan struct{}
	dismissals chan struct{}
	notices    chan string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		statuses:   make(chan Status, 64),
		messages:   make(chan conversation.Message, 64),
		offers:     make(chan struct{}, 8),
		dismissals: make(chan struct{}, 8),
		notices:    make(chan string, 8),
	}
}

func (s *sinkRecorder) StatusChanged(st Status)                { s.statuses <- st }
func (s *sinkRecorder) MessageAppended(m conversation.Message) { s.messages <- m }
func (s *sinkRecorder) SaveOffered()                           { s.offers <- struct{}{} }
func (s *sinkRecorder) SaveDismissed()                         { s.dismissals <- struct{}{} }
func (s *sinkRecorder) Notice(text string)                     { s.notices <- text }

// waitStatus consumes status events until want arrives.
func waitStatus(t *testing.T, s *sinkRecorder, want Status) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-s.statuses:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

// waitMessage returns the next appended message.
func waitMessage(t *testing.T, s *sinkRecorder) conversation.Message {
	t.Helper()
	select {
	case m := <-s.messages:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return conversation.Message{}
	}
}

// waitSignal waits on a struct{} channel (offers, dismissals).
func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// waitNotice returns the next user-visible notice.
func waitNotice(t *testing.T, s *sinkRecorder) string {
	t.Helper()
	select {
	case n := <-s.notices:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for notice")
		return ""
	}
}

// waitActivation polls for the i'th activation handed out by the capturer;
// the controller stores it shortly after announcing the listening status.
func waitActivation(t *testing.T, cap *speechmock.Capturer, i int) *speechmock.Activation {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if act := cap.ActivationAt(i); act != nil {
			return act
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for activation %d", i)
	return nil
}

// waitPlayback polls for the i'th playback handed out by the player; the
// speaking status can be announced before the playback starts.
func waitPlayback(t *testing.T, player *speechmock.Player, i int) *speechmock.Playback {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if pb := player.PlaybackAt(i); pb != nil {
			return pb
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for playback %d", i)
	return nil
}

type sendOutcome struct {
	res dispatch.Result
	err error
}

type sendRecord struct {
	message string
	history []conversation.Message
}

// fakeDispatcher returns queued outcomes in order; when the queue is empty
// it answers with a plain conversation reply. An optional gate blocks Send
// until closed or the context ends.
type fakeDispatcher struct {
	mu      sync.Mutex
	queue   []sendOutcome
	sends   []sendRecord
	saves   [][]conversation.Message
	saveErr error
	gate    chan struct{}
}

func (d *fakeDispatcher) enqueue(res dispatch.Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, sendOutcome{res: res, err: err})
}

func (d *fakeDispatcher) Send(ctx context.Context, message string, history []conversation.Message) (dispatch.Result, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return dispatch.Result{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, sendRecord{message: message, history: history})
	if len(d.queue) == 0 {
		return dispatch.Result{Kind: dispatch.KindConversation, Response: "vale"}, nil
	}
	out := d.queue[0]
	d.queue = d.queue[1:]
	return out.res, out.err
}

func (d *fakeDispatcher) SaveConversation(ctx context.Context, messages []conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.saves = append(d.saves, messages)
	return nil
}

func (d *fakeDispatcher) sendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

func (d *fakeDispatcher) saveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.saves)
}

// harness bundles a controller with all its test doubles.
type harness struct {
	ctrl       *Controller
	clock      *clockwork.FakeClock
	capture    *speechmock.Capturer
	player     *speechmock.Player
	dispatcher *fakeDispatcher
	buffer     *conversation.Buffer
	sink       *sinkRecorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:      clockwork.NewFakeClock(),
		capture:    &speechmock.Capturer{},
		player:     &speechmock.Player{},
		dispatcher: &fakeDispatcher{},
		buffer:     conversation.NewBuffer(),
		sink:       newSinkRecorder(),
	}
	cfg := Config{
		Capturer:   h.capture,
		Dispatcher: h.dispatcher,
		Buffer:     h.buffer,
		Player:     h.player,
		Sink:       h.sink,
		Clock:      h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Close() })
	return h
}

func audioB64(data string) string {
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func TestTriggerOnlyFromIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger from idle: %v", err)
	}
	if got := h.ctrl.Status(); got != StatusListening {
		t.Fatalf("status = %q, want %q", got, StatusListening)
	}

	// Triggering while not idle is a no-op.
	if err := h.ctrl.Trigger(ctx); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Trigger error = %v, want ErrNotIdle", err)
	}
	if got := h.capture.Started(); got != 1 {
		t.Fatalf("capture activations = %d, want 1", got)
	}
}

func TestTurnWithAudioPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:          dispatch.KindConversation,
		Response:      "¡Hola! ¿Qué tal?",
		AudioData:     audioB64("mp3-bytes"),
		AudioMimeType: "audio/mpeg",
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitStatus(t, h.sink, StatusListening)
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})

	waitStatus(t, h.sink, StatusProcessing)
	waitStatus(t, h.sink, StatusSpeaking)
	waitPlayback(t, h.player, 0).Finish(nil)
	waitStatus(t, h.sink, StatusIdle)

	if got := h.buffer.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2 (user + assistant)", got)
	}

	// Exactly one re-arm after the grace delay.
	h.clock.Advance(defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
	if got := h.capture.Started(); got != 2 {
		t.Fatalf("capture activations = %d, want 2", got)
	}
}

func TestEventCreatedScenario(t *testing.T) {
	t.Parallel()

	// Real signaler with an instantly finishing cue player, so the feedback
	// kind is observable and re-arm still waits on it.
	cuePlayer := &speechmock.Player{Playback: speechmock.NewPlayback()}
	cuePlayer.Playback.Finish(nil)
	kinds := make(chan feedback.Kind, 8)
	signaler := feedback.NewSignaler(cuePlayer, feedback.WithNotifier(notifierFunc(func(k feedback.Kind) {
		kinds <- k
	})))

	h := newHarness(t, func(cfg *Config) {
		cfg.Player = nil // no response audio in this scenario
		cfg.Feedback = signaler
	})
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:     dispatch.KindEventCreated,
		Response: "Evento creado",
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitStatus(t, h.sink, StatusListening)
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "recuérdame llamar a Juan"}})

	user := waitMessage(t, h.sink)
	if user.Role != conversation.RoleUser || user.Text != "recuérdame llamar a Juan" {
		t.Fatalf("user message = %+v", user)
	}
	assistant := waitMessage(t, h.sink)
	if assistant.Role != conversation.RoleAssistant || assistant.Text != "Evento creado" {
		t.Fatalf("assistant message = %+v", assistant)
	}
	waitStatus(t, h.sink, StatusIdle)

	sawEvent := false
	deadline := time.After(waitTimeout)
	for !sawEvent {
		select {
		case k := <-kinds:
			if k == feedback.KindEvent {
				sawEvent = true
			}
		case <-deadline:
			t.Fatal("feedback signaler never fired with kind event")
		}
	}

	h.clock.Advance(defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
}

func TestCaptureErrorNoRearm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Err: errors.New("no speech detected")})

	waitStatus(t, h.sink, StatusIdle)
	waitNotice(t, h.sink)
	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length = %d, want 0", got)
	}

	// No automatic retry after a capture error.
	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := h.capture.Started(); got != 1 {
		t.Fatalf("capture activations = %d, want 1 (no re-arm)", got)
	}
}

func TestBlankTranscriptIsCaptureError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.ctrl.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "   "}})

	waitStatus(t, h.sink, StatusIdle)
	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length = %d, want 0", got)
	}
	if got := h.dispatcher.sendCount(); got != 0 {
		t.Fatalf("dispatches = %d, want 0", got)
	}
}

func TestDispatchFailureBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{}, errors.New("backend unreachable"))

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})

	waitMessage(t, h.sink) // user message
	apology := waitMessage(t, h.sink)
	if apology.Role != conversation.RoleAssistant || apology.Text != apologyText {
		t.Fatalf("apology message = %+v", apology)
	}
	waitStatus(t, h.sink, StatusIdle)
	if got := h.buffer.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2", got)
	}

	// The short grace delay must not re-arm after a failure.
	h.clock.Advance(defaultRearmDelay)
	time.Sleep(20 * time.Millisecond)
	if got := h.capture.Started(); got != 1 {
		t.Fatalf("capture activations = %d, want 1 during backoff", got)
	}

	// After the full backoff the session re-arms once.
	h.clock.Advance(defaultFailureBackoff - defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
	if got := h.capture.Started(); got != 2 {
		t.Fatalf("capture activations = %d, want 2", got)
	}
}

func TestOfferSaveAcceptDrains(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.Player = nil })
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:            dispatch.KindConversation,
		Response:        "Claro, apuntado.",
		ShouldOfferSave: true,
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "apunta esto"}})
	waitStatus(t, h.sink, StatusIdle)

	h.clock.Advance(defaultOfferDelay)
	waitSignal(t, h.sink.offers, "save offer")
	if !h.ctrl.OfferPending() {
		t.Fatal("OfferPending = false after offer")
	}

	if err := h.ctrl.AcceptSave(ctx); err != nil {
		t.Fatalf("AcceptSave: %v", err)
	}
	waitSignal(t, h.sink.dismissals, "save dismissal")

	if got := h.dispatcher.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	h.dispatcher.mu.Lock()
	saved := h.dispatcher.saves[0]
	h.dispatcher.mu.Unlock()
	if len(saved) != 2 {
		t.Fatalf("saved %d messages, want 2", len(saved))
	}
	if saved[0].Role != conversation.RoleUser || saved[1].Role != conversation.RoleAssistant {
		t.Fatalf("saved messages out of order: %+v", saved)
	}
	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length after save = %d, want 0", got)
	}
	if h.ctrl.OfferPending() {
		t.Fatal("OfferPending = true after accept")
	}
}

func TestDeclineSaveKeepsBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.Player = nil })
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:            dispatch.KindConversation,
		Response:        "Hecho.",
		ShouldOfferSave: true,
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "una cosa más"}})
	waitStatus(t, h.sink, StatusIdle)

	h.clock.Advance(defaultOfferDelay)
	waitSignal(t, h.sink.offers, "save offer")

	h.ctrl.DeclineSave()
	waitSignal(t, h.sink.dismissals, "save dismissal")

	if got := h.dispatcher.saveCount(); got != 0 {
		t.Fatalf("saves = %d, want 0", got)
	}
	if got := h.buffer.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2 (decline keeps buffer)", got)
	}
}

func TestAcceptSaveWithoutOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.ctrl.AcceptSave(context.Background()); !errors.Is(err, ErrNoPendingSave) {
		t.Fatalf("AcceptSave error = %v, want ErrNoPendingSave", err)
	}
}

func TestVoiceShortcutSavesConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) {
		cfg.Player = nil
		cfg.Shortcuts = voicecmd.New()
	})
	ctx := context.Background()

	// First turn builds up conversation content.
	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
	waitStatus(t, h.sink, StatusIdle)
	if got := h.buffer.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2", got)
	}

	// Second turn speaks the save command; it is consumed locally.
	h.clock.Advance(defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
	act := waitActivation(t, h.capture, 1)
	act.Deliver(speech.Result{Transcript: speech.Transcript{Text: "guardar conversación"}})

	waitStatus(t, h.sink, StatusProcessing)
	waitStatus(t, h.sink, StatusIdle)

	if got := h.dispatcher.saveCount(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	if got := h.dispatcher.sendCount(); got != 1 {
		t.Fatalf("dispatches = %d, want 1 (shortcut never dispatched)", got)
	}
	// Drained, then the confirmation message starts the next conversation.
	if got := h.buffer.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1", got)
	}
}

func TestStaleResponseAfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dispatcher.gate = make(chan struct{})
	ctx := context.Background()

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
	waitStatus(t, h.sink, StatusProcessing)

	// Close while the dispatch is in flight; the late response is discarded.
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := h.buffer.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1 (only the user message)", got)
	}
	if got := h.ctrl.Status(); got != StatusIdle {
		t.Fatalf("status after close = %q, want %q", got, StatusIdle)
	}
}

func TestCloseStopsCapture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.ctrl.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	act := h.capture.ActivationAt(0)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !act.Stopped() {
		t.Fatal("activation not stopped on close")
	}
	if err := h.ctrl.Trigger(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Trigger after close = %v, want ErrClosed", err)
	}
}

func TestStateTimeoutAbortsStuckTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if err := h.ctrl.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	act := h.capture.ActivationAt(0)

	h.clock.Advance(defaultStateTimeout)
	waitStatus(t, h.sink, StatusIdle)
	if !act.Stopped() {
		t.Fatal("stuck activation not stopped")
	}

	// A late result from the aborted activation is ignored.
	act.Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
	time.Sleep(20 * time.Millisecond)
	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length = %d, want 0", got)
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.Player = nil })
	ctx := context.Background()

	if err := h.ctrl.SendText(ctx, "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("SendText blank error = %v, want ErrEmptyMessage", err)
	}

	if err := h.ctrl.SendText(ctx, "qué tengo mañana"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	user := waitMessage(t, h.sink)
	if user.Role != conversation.RoleUser || user.Text != "qué tengo mañana" {
		t.Fatalf("user message = %+v", user)
	}
	assistant := waitMessage(t, h.sink)
	if assistant.Role != conversation.RoleAssistant {
		t.Fatalf("assistant message = %+v", assistant)
	}
	waitStatus(t, h.sink, StatusIdle)

	// The microphone never engaged for a typed message.
	if got := h.capture.Started(); got != 0 {
		t.Fatalf("capture activations = %d, want 0", got)
	}
}

func TestSendTextAnnouncesProcessingBeforeDispatch(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	h := newHarness(t, func(cfg *Config) { cfg.Player = nil })
	h.dispatcher.gate = gate
	ctx := context.Background()

	if err := h.ctrl.SendText(ctx, "apunta pan"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// The transition must reach the sink while the dispatch is still in
	// flight, or a UI would show an idle session that refuses triggers.
	select {
	case got := <-h.sink.statuses:
		if got != StatusProcessing {
			t.Fatalf("first status = %q, want %q", got, StatusProcessing)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no status event while dispatch in flight")
	}
	if err := h.ctrl.Trigger(ctx); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("Trigger during dispatch error = %v, want ErrNotIdle", err)
	}

	close(gate)

	// The next status is idle directly: re-entering processing inside the
	// same turn does not repeat the event.
	select {
	case got := <-h.sink.statuses:
		if got != StatusIdle {
			t.Fatalf("status after dispatch = %q, want %q", got, StatusIdle)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for idle status")
	}
}

func TestGreetAnnouncesSpeakingImmediately(t *testing.T) {
	t.Parallel()
	synth := &speechmock.Synthesizer{Payload: speech.Payload{Data: []byte("pcm"), MimeType: "audio/pcm"}}
	h := newHarness(t, func(cfg *Config) { cfg.Synthesizer = synth })

	if err := h.ctrl.Greet(context.Background()); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	select {
	case got := <-h.sink.statuses:
		if got != StatusSpeaking {
			t.Fatalf("first status = %q, want %q", got, StatusSpeaking)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no status event after Greet")
	}

	waitPlayback(t, h.player, 0).Finish(nil)

	// Exactly one speaking announcement for the whole greeting turn.
	select {
	case got := <-h.sink.statuses:
		if got != StatusIdle {
			t.Fatalf("status after playback = %q, want %q", got, StatusIdle)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for idle status")
	}
}

func TestGreetSpeaksAndRearms(t *testing.T) {
	t.Parallel()
	synth := &speechmock.Synthesizer{Payload: speech.Payload{Data: []byte("pcm"), MimeType: "audio/pcm"}}
	h := newHarness(t, func(cfg *Config) { cfg.Synthesizer = synth })
	ctx := context.Background()

	if err := h.ctrl.Greet(ctx); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	greeting := waitMessage(t, h.sink)
	if greeting.Role != conversation.RoleAssistant || greeting.Text != greetingText {
		t.Fatalf("greeting = %+v", greeting)
	}
	if got := h.dispatcher.sendCount(); got != 0 {
		t.Fatalf("dispatches = %d, want 0 for greeting", got)
	}

	waitStatus(t, h.sink, StatusSpeaking)
	waitPlayback(t, h.player, 0).Finish(nil)
	waitStatus(t, h.sink, StatusIdle)

	// The greeting starts the hands-free loop.
	h.clock.Advance(defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
}

func TestPlaybackErrorFallsThroughToRearm(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:          dispatch.KindConversation,
		Response:      "respuesta",
		AudioData:     audioB64("broken"),
		AudioMimeType: "audio/mpeg",
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
	waitStatus(t, h.sink, StatusSpeaking)
	waitPlayback(t, h.player, 0).Finish(errors.New("device gone"))

	waitStatus(t, h.sink, StatusIdle)
	h.clock.Advance(defaultRearmDelay)
	waitStatus(t, h.sink, StatusListening)
}

func TestInvalidAudioPayloadSkipsSpeaking(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.dispatcher.enqueue(dispatch.Result{
		Kind:          dispatch.KindConversation,
		Response:      "respuesta",
		AudioData:     "%%%not-base64%%%",
		AudioMimeType: "audio/mpeg",
	}, nil)

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})

	waitStatus(t, h.sink, StatusIdle)
	if got := h.player.Played(); got != 0 {
		t.Fatalf("playbacks = %d, want 0 for undecodable payload", got)
	}
	// The response text still made it into the conversation.
	if got := h.buffer.Len(); got != 2 {
		t.Fatalf("buffer length = %d, want 2", got)
	}
}

func TestSnapshotTakenAtDispatchTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) { cfg.Player = nil })
	ctx := context.Background()

	if err := h.ctrl.Trigger(ctx); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	h.capture.ActivationAt(0).Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
	waitStatus(t, h.sink, StatusIdle)

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	if len(h.dispatcher.sends) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(h.dispatcher.sends))
	}
	sent := h.dispatcher.sends[0]
	if sent.message != "hola" {
		t.Fatalf("dispatched message = %q", sent.message)
	}
	// The snapshot includes the user message but not the later reply.
	if len(sent.history) != 1 || sent.history[0].Role != conversation.RoleUser {
		t.Fatalf("dispatched history = %+v, want just the user message", sent.history)
	}
}

// notifierFunc adapts a func to feedback.Notifier.
type notifierFunc func(feedback.Kind)

func (f notifierFunc) FeedbackCue(k feedback.Kind) { f(k) }
