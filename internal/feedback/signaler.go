// Package feedback maps turn outcomes to short non-blocking cues: a tone
// sequence on the audio output and a transient icon event for the UI. Cues
// are fire-and-forget relative to the session state machine — a slow or
// failing cue must never delay a transition.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memovoz/memovoz/pkg/speech"
)

// Kind identifies which cue to play.
type Kind string

const (
	// KindNote signals a note_created outcome.
	KindNote Kind = "note"

	// KindEvent signals an event_created outcome.
	KindEvent Kind = "event"

	// KindConfirm is the short blip played when the microphone opens.
	KindConfirm Kind = "confirm"
)

// maxCueDuration bounds how long any cue may occupy the audio output.
// Sequences are well under this; the deadline only guards a stuck sink.
const maxCueDuration = 2 * time.Second

// Notifier receives the visual half of a cue. Implementations must not
// block; the gateway fans the event out to connected UIs.
type Notifier interface {
	FeedbackCue(kind Kind)
}

// Signaler plays feedback cues through a speech.Player. Safe for concurrent
// use; overlapping cues simply mix at the sink's discretion.
type Signaler struct {
	player   speech.Player
	notifier Notifier

	mu      sync.Mutex
	cues    map[Kind][]byte
	pending sync.WaitGroup
}

// Option is a functional option for configuring a Signaler.
type Option func(*Signaler)

// WithNotifier attaches a visual cue notifier. Nil disables visual cues.
func WithNotifier(n Notifier) Option {
	return func(s *Signaler) { s.notifier = n }
}

// NewSignaler creates a Signaler that renders cues lazily and plays them on
// player. player may be nil, in which case only visual cues are emitted.
func NewSignaler(player speech.Player, opts ...Option) *Signaler {
	s := &Signaler{
		player: player,
		cues:   make(map[Kind][]byte, 3),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Signal plays the cue for kind. It returns immediately; playback and the
// visual event happen on a background goroutine. Unknown kinds are logged
// and dropped.
func (s *Signaler) Signal(kind Kind) {
	pcm, err := s.cueFor(kind)
	if err != nil {
		slog.Warn("feedback: unknown cue kind", "kind", kind)
		return
	}

	if s.notifier != nil {
		s.notifier.FeedbackCue(kind)
	}
	if s.player == nil {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), maxCueDuration)
		defer cancel()

		payload := speech.Payload{
			Data:     pcm,
			MimeType: fmt.Sprintf("audio/pcm;rate=%d", cueSampleRate),
		}
		pb, err := s.player.Play(ctx, payload)
		if err != nil {
			slog.Debug("feedback: cue playback unavailable", "kind", kind, "err", err)
			return
		}
		select {
		case <-pb.Done():
		case <-ctx.Done():
			_ = pb.Stop()
		}
	}()
}

// Wait blocks until all in-flight cues have finished. Primarily for tests
// and for orderly shutdown.
func (s *Signaler) Wait() {
	s.pending.Wait()
}

// cueFor returns (rendering once) the PCM for kind.
func (s *Signaler) cueFor(kind Kind) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pcm, ok := s.cues[kind]; ok {
		return pcm, nil
	}

	var seq []tone
	switch kind {
	case KindNote:
		seq = noteTones
	case KindEvent:
		seq = eventTones
	case KindConfirm:
		seq = confirmTones
	default:
		return nil, fmt.Errorf("feedback: no cue for kind %q", kind)
	}

	pcm := renderSequence(seq)
	s.cues[kind] = pcm
	return pcm, nil
}
