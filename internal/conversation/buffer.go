package conversation

import (
	"strings"
	"sync"
	"time"
)

// defaultWindow is the number of most-recent messages exposed to the display
// layer when no explicit window size is configured.
const defaultWindow = 6

// Buffer is an ordered, append-only log of conversation messages.
//
// The buffer retains the full history for backend context; the display
// window only limits what [Buffer.Window] returns. Messages leave the buffer
// solely through [Buffer.DrainForSave] or [Buffer.Clear], both of which
// empty it atomically before any new message can be appended.
//
// All methods are safe for concurrent use. Only the session controller
// mutates the buffer; the display layer receives copies.
type Buffer struct {
	mu       sync.RWMutex
	messages []Message
	window   int

	// now is stubbed in tests for deterministic timestamps.
	now func() time.Time
}

// Option is a functional option for configuring a Buffer.
type Option func(*Buffer)

// WithWindow sets the display-window size. Values < 1 fall back to the
// default of 6.
func WithWindow(n int) Option {
	return func(b *Buffer) {
		if n >= 1 {
			b.window = n
		}
	}
}

// WithNow overrides the timestamp source. Intended for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer returns an empty Buffer.
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		window: defaultWindow,
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Append adds a message to the end of the log and returns it. Blank or
// whitespace-only text is a no-op and returns ok=false — a message is never
// created with empty text.
func (b *Buffer) Append(role Role, text string) (Message, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	msg := newMessage(role, trimmed, b.now().UTC())
	b.messages = append(b.messages, msg)
	return msg, true
}

// Snapshot returns a copy of the full history in insertion order. This is
// what gets sent to the backend as conversation context.
func (b *Buffer) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Window returns a copy of the most-recent messages up to the configured
// display-window size, in insertion order. Older messages are dropped from
// the view only — they remain in the buffer and in [Buffer.Snapshot].
func (b *Buffer) Window() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if len(b.messages) > b.window {
		start = len(b.messages) - b.window
	}
	out := make([]Message, len(b.messages)-start)
	copy(out, b.messages[start:])
	return out
}

// Len returns the number of messages currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// DrainForSave returns all messages in insertion order and empties the
// buffer in the same critical section. Draining an empty buffer returns an
// empty slice.
func (b *Buffer) DrainForSave() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.messages
	b.messages = nil
	if out == nil {
		out = []Message{}
	}
	return out
}

// Clear empties the buffer without returning the messages.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}
