package resilience

import (
	"context"

	"github.com/memovoz/memovoz/pkg/speech"
)

// Compile-time interface checks.
var (
	_ speech.Capturer = (*Capturer)(nil)
	_ speech.Player   = (*Player)(nil)
)

// Capturer is a [speech.Capturer] over a fallback group: the local
// microphone stays the primary while connected clients catch captures when
// the mic is gone or repeatedly failing.
type Capturer struct {
	group *FallbackGroup[speech.Capturer]
}

// NewCapturer creates a capture fallback group with primary as the first
// entry.
func NewCapturer(primary speech.Capturer, primaryName string, cfg FallbackConfig) *Capturer {
	return &Capturer{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a capture fallback.
func (c *Capturer) AddFallback(name string, fallback speech.Capturer) {
	c.group.AddFallback(name, fallback)
}

// Start implements [speech.Capturer] by trying each registered capturer
// until one opens an activation.
func (c *Capturer) Start(ctx context.Context, cfg speech.CaptureConfig) (speech.Activation, error) {
	return ExecuteWithResult(c.group, func(cap speech.Capturer) (speech.Activation, error) {
		return cap.Start(ctx, cfg)
	})
}

// Player is a [speech.Player] over a fallback group, pairing the local
// audio output with connected clients the same way [Capturer] does for the
// microphone.
type Player struct {
	group *FallbackGroup[speech.Player]
}

// NewPlayer creates a playback fallback group with primary as the first
// entry.
func NewPlayer(primary speech.Player, primaryName string, cfg FallbackConfig) *Player {
	return &Player{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a playback fallback.
func (p *Player) AddFallback(name string, fallback speech.Player) {
	p.group.AddFallback(name, fallback)
}

// Play implements [speech.Player] by trying each registered player until
// one starts playback.
func (p *Player) Play(ctx context.Context, payload speech.Payload) (speech.Playback, error) {
	return ExecuteWithResult(p.group, func(pl speech.Player) (speech.Playback, error) {
		return pl.Play(ctx, payload)
	})
}
