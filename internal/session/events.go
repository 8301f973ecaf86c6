package session

import (
	"context"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/dispatch"
	"github.com/memovoz/memovoz/internal/feedback"
)

// EventSink receives user-visible session events. The gateway implements it
// to push updates to connected clients.
//
// Callbacks are invoked without controller locks held but possibly from
// several goroutines; implementations must be safe for concurrent use and
// must not block for long — a slow sink delays the session pipeline.
type EventSink interface {
	// StatusChanged reports every status transition.
	StatusChanged(status Status)

	// MessageAppended reports a new conversation message (user or assistant).
	MessageAppended(msg conversation.Message)

	// SaveOffered reports that the save-conversation prompt should be shown.
	SaveOffered()

	// SaveDismissed reports that a pending save prompt was resolved, by
	// acceptance, decline, or a voice shortcut.
	SaveDismissed()

	// Notice reports a transient user-visible message, typically an error
	// the user should see once (capture failed, backend unreachable).
	Notice(text string)
}

// NopSink is an [EventSink] that discards all events.
type NopSink struct{}

func (NopSink) StatusChanged(Status)                 {}
func (NopSink) MessageAppended(conversation.Message) {}
func (NopSink) SaveOffered()                         {}
func (NopSink) SaveDismissed()                       {}
func (NopSink) Notice(string)                        {}

var _ EventSink = NopSink{}

// Dispatcher sends exchanges to the MemoVoz backend. Implemented by
// [github.com/memovoz/memovoz/internal/dispatch.Client].
type Dispatcher interface {
	// Send dispatches one utterance plus the conversation snapshot taken at
	// dispatch time and returns the backend's classification.
	Send(ctx context.Context, message string, history []conversation.Message) (dispatch.Result, error)

	// SaveConversation persists drained messages as a note.
	SaveConversation(ctx context.Context, messages []conversation.Message) error
}

// FeedbackSignaler plays outcome cues. Implemented by
// [github.com/memovoz/memovoz/internal/feedback.Signaler].
type FeedbackSignaler interface {
	// Signal fires one cue without blocking.
	Signal(kind feedback.Kind)

	// Wait blocks until all in-flight cues finished. The controller waits
	// for feedback before re-opening the microphone.
	Wait()
}

// Turn is one completed spoken exchange, recorded for local history.
type Turn struct {
	User      conversation.Message `json:"user"`
	Assistant conversation.Message `json:"assistant"`
	Kind      dispatch.Kind        `json:"kind"`
}

// Archiver persists completed turns so the UI can render history across
// reconnects. Implemented by
// [github.com/memovoz/memovoz/internal/history.Store].
type Archiver interface {
	Archive(ctx context.Context, turn Turn) error
}
