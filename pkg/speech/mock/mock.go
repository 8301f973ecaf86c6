// Package mock provides test doubles for the speech package interfaces.
//
// Use Capturer to hand out scripted Activations, Player to observe which
// payloads were played, and Synthesizer to return canned payloads. All
// exported *Result and *Err fields control return values; Call* fields
// accumulate invocation records. Safe for concurrent use.
//
// Example:
//
//	act := mock.NewActivation()
//	cap := &mock.Capturer{Activation: act}
//	a, _ := cap.Start(ctx, speech.CaptureConfig{Locale: "es-ES"})
//	act.Deliver(speech.Result{Transcript: speech.Transcript{Text: "hola"}})
package mock

import (
	"context"
	"sync"

	"github.com/memovoz/memovoz/pkg/speech"
)

// Compile-time interface assertions.
var (
	_ speech.Capturer    = (*Capturer)(nil)
	_ speech.Activation  = (*Activation)(nil)
	_ speech.Player      = (*Player)(nil)
	_ speech.Playback    = (*Playback)(nil)
	_ speech.Synthesizer = (*Synthesizer)(nil)
)

// StartCall records a single invocation of Capturer.Start.
type StartCall struct {
	// Cfg is the CaptureConfig passed to Start.
	Cfg speech.CaptureConfig
}

// Capturer is a mock implementation of speech.Capturer.
type Capturer struct {
	mu sync.Mutex

	// Activation is returned by Start. If nil, Start returns a fresh
	// NewActivation() each call; retrieve it from StartCalls via Activations.
	Activation *Activation

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start.
	StartCalls []StartCall

	// Activations records every Activation handed out, in order.
	Activations []*Activation
}

// Start records the call and returns the configured (or a fresh) Activation.
func (c *Capturer) Start(_ context.Context, cfg speech.CaptureConfig) (speech.Activation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls = append(c.StartCalls, StartCall{Cfg: cfg})
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	act := c.Activation
	if act == nil {
		act = NewActivation()
	}
	c.Activations = append(c.Activations, act)
	return act, nil
}

// Started returns the number of Start calls so far.
func (c *Capturer) Started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StartCalls)
}

// ActivationAt returns the i'th handed-out Activation, or nil when fewer
// than i+1 activations exist yet.
func (c *Capturer) ActivationAt(i int) *Activation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.Activations) {
		return nil
	}
	return c.Activations[i]
}

// Activation is a mock implementation of speech.Activation. Tests deliver
// the single terminal event with Deliver; Stop suppresses any later Deliver.
type Activation struct {
	mu        sync.Mutex
	ch        chan speech.Result
	stopped   bool
	delivered bool

	// StopCalls counts invocations of Stop.
	StopCalls int
}

// NewActivation returns an Activation with an unused result channel.
func NewActivation() *Activation {
	return &Activation{ch: make(chan speech.Result, 1)}
}

// Result returns the activation's result channel.
func (a *Activation) Result() <-chan speech.Result { return a.ch }

// Stop marks the activation stopped. Subsequent Deliver calls are dropped,
// matching the contract that a cancelled activation emits no further events.
func (a *Activation) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StopCalls++
	if !a.stopped && !a.delivered {
		a.stopped = true
		close(a.ch)
	}
	a.stopped = true
	return nil
}

// Stopped reports whether Stop has been called.
func (a *Activation) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.StopCalls > 0
}

// Deliver sends the terminal event and closes the channel. Delivering after
// Stop, or a second time, is a silent no-op so tests can be sloppy about
// ordering without panicking on a closed channel.
func (a *Activation) Deliver(r speech.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.delivered {
		return
	}
	a.delivered = true
	a.ch <- r
	close(a.ch)
}

// PlayCall records a single invocation of Player.Play.
type PlayCall struct {
	// Payload is the payload passed to Play.
	Payload speech.Payload
}

// Player is a mock implementation of speech.Player.
type Player struct {
	mu sync.Mutex

	// Playback is returned by Play. If nil, Play returns a fresh
	// NewPlayback() each call; retrieve it via Playbacks.
	Playback *Playback

	// PlayErr, if non-nil, is returned as the error from Play.
	PlayErr error

	// PlayCalls records every call to Play.
	PlayCalls []PlayCall

	// Playbacks records every Playback handed out, in order.
	Playbacks []*Playback
}

// Play records the call and returns the configured (or a fresh) Playback.
func (p *Player) Play(_ context.Context, payload speech.Payload) (speech.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Payload: payload})
	if p.PlayErr != nil {
		return nil, p.PlayErr
	}
	pb := p.Playback
	if pb == nil {
		pb = NewPlayback()
	}
	p.Playbacks = append(p.Playbacks, pb)
	return pb, nil
}

// Played returns the number of Play calls so far.
func (p *Player) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.PlayCalls)
}

// PlaybackAt returns the i'th handed-out Playback, or nil when fewer than
// i+1 playbacks exist yet.
func (p *Player) PlaybackAt(i int) *Playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.Playbacks) {
		return nil
	}
	return p.Playbacks[i]
}

// Playback is a mock implementation of speech.Playback. Tests finish it
// with Finish(nil) for a natural end or Finish(err) for a playback error.
type Playback struct {
	mu       sync.Mutex
	ch       chan error
	finished bool

	// StopCalls counts invocations of Stop.
	StopCalls int
}

// NewPlayback returns a Playback that has not yet finished.
func NewPlayback() *Playback {
	return &Playback{ch: make(chan error, 1)}
}

// Done returns the playback's terminal channel.
func (p *Playback) Done() <-chan error { return p.ch }

// Stop finishes the playback with a nil result if it has not finished yet.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCalls++
	if !p.finished {
		p.finished = true
		close(p.ch)
	}
	return nil
}

// Finish delivers the terminal result and closes the channel. Finishing
// twice is a no-op.
func (p *Playback) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.ch <- err
	close(p.ch)
}

// SynthesizeCall records a single invocation of Synthesizer.Synthesize.
type SynthesizeCall struct {
	Text   string
	Locale string
}

// Synthesizer is a mock implementation of speech.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Payload is returned by Synthesize.
	Payload speech.Payload

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns Payload, SynthesizeErr.
func (s *Synthesizer) Synthesize(_ context.Context, text, locale string) (speech.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Text: text, Locale: locale})
	if s.SynthesizeErr != nil {
		return speech.Payload{}, s.SynthesizeErr
	}
	return s.Payload, nil
}
