// Package speech defines the capability interfaces between the MemoVoz
// session controller and the platform speech services: one-shot speech
// capture, audio playback, and text-to-speech synthesis.
//
// The interfaces are deliberately narrow. A capture activation emits exactly
// one final transcript or one error; a playback emits exactly one terminal
// result. This mirrors the non-continuous, final-results-only configuration
// the mobile client uses and keeps the session state machine free of
// provider-specific details.
//
// Implementations live in subpackages (whisper, openai) and in
// internal/gateway for the browser-remoted capability. All implementations
// must be safe for concurrent use.
package speech

import (
	"context"
	"errors"
)

// ErrCapabilityUnavailable is returned by providers when the underlying
// platform lacks the requested speech capability (no microphone, no
// recognition engine, no connected remote client). The session controller
// surfaces it once to the user and returns to idle without retrying.
var ErrCapabilityUnavailable = errors.New("speech: capability unavailable")

// Transcript is the final recognition result of one capture activation.
type Transcript struct {
	// Text is the recognised speech content, whitespace-trimmed by the
	// provider where possible. May still be empty when nothing was said.
	Text string

	// Locale is the BCP-47 tag the provider recognised against (e.g. "es-ES").
	Locale string

	// Confidence is the provider-reported confidence (0.0–1.0), zero when
	// the provider does not report one.
	Confidence float64
}

// Result is the single terminal event of a capture activation. Exactly one
// of Transcript or Err is meaningful: Err == nil means Transcript holds the
// final recognition result.
type Result struct {
	Transcript Transcript
	Err        error
}

// CaptureConfig describes one capture activation.
type CaptureConfig struct {
	// Locale is the BCP-47 recognition language (e.g. "es-ES"). Providers
	// should reject an empty locale rather than guess.
	Locale string
}

// Activation is one start-to-finish engagement of the capture capability.
//
// The Result channel delivers exactly one value and is then closed, unless
// Stop is called first, in which case no value may ever be delivered. The
// microphone is engaged only for the lifetime of the activation.
type Activation interface {
	// Result returns the channel carrying the activation's single terminal
	// event. The same channel is returned on every call.
	Result() <-chan Result

	// Stop cancels the activation and releases the microphone. After Stop
	// returns, no further events are delivered. Safe to call more than once.
	Stop() error
}

// Capturer starts speech-capture activations.
//
// At most one activation may be outstanding per Capturer; the session
// controller enforces this by status gating, so implementations may treat an
// overlapping Start as a caller error.
type Capturer interface {
	// Start begins a capture activation. It returns ErrCapabilityUnavailable
	// (possibly wrapped) when the platform cannot capture speech at all.
	Start(ctx context.Context, cfg CaptureConfig) (Activation, error)
}

// Payload is a decoded audio response ready for playback.
type Payload struct {
	// Data is the raw encoded audio (not base64 — decoding from the wire
	// format happens at the dispatch boundary).
	Data []byte

	// MimeType tags the container/codec of Data (e.g. "audio/mpeg",
	// "audio/ogg", "audio/pcm;rate=24000").
	MimeType string
}

// Playback is one active audio output engagement.
//
// Done delivers exactly one terminal value and is then closed: nil for a
// natural end, non-nil for a decode or device error. A playback error is
// recoverable by construction — the session controller treats it the same
// as a natural end.
type Playback interface {
	// Done returns the channel carrying the playback's single terminal
	// result. The same channel is returned on every call.
	Done() <-chan error

	// Stop forcibly ends playback and releases the output device. Safe to
	// call when playback already finished, and safe to call more than once.
	Stop() error
}

// Player plays one audio payload at a time.
//
// A successful return from Play corresponds to the "started" lifecycle
// event; failures to even begin (unsupported MIME type, device unavailable)
// are reported via the returned error instead.
type Player interface {
	Play(ctx context.Context, payload Payload) (Playback, error)
}

// Synthesizer produces a playable payload from response text. It is the
// fallback used when the backend supplies no audio payload for a turn.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, locale string) (Payload, error)
}
