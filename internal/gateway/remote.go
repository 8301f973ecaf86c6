package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/memovoz/memovoz/internal/audio"
	"github.com/memovoz/memovoz/pkg/speech"
)

// Transcriber converts captured PCM (16 kHz mono s16le) into a transcript.
// It serves clients that stream raw audio instead of running recognition
// themselves; the whisper provider implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, locale string) (speech.Transcript, error)
}

// RemoteSpeech remotes the speech capability over connected gateway
// clients. Capture requests are forwarded to a client that announced
// capture support; the client answers with a recognised transcript, a
// capture error, or — for hardware voice clients — a stream of Opus frames
// ended by a listen_stop, which the server decodes and transcribes itself.
// Playback requests ship the payload to a playback-capable client and wait
// for its terminal acknowledgement.
//
// RemoteSpeech implements [speech.Capturer] and [speech.Player].
type RemoteSpeech struct {
	hub         *Hub
	transcriber Transcriber

	mu        sync.Mutex
	captures  map[string]*remoteActivation
	playbacks map[string]*remotePlayback
	byClient  map[*client]*remoteActivation
}

// Compile-time interface assertions.
var (
	_ speech.Capturer = (*RemoteSpeech)(nil)
	_ speech.Player   = (*RemoteSpeech)(nil)
)

// NewRemoteSpeech creates the capability bridge. transcriber may be nil, in
// which case Opus-streaming clients get a capability-unavailable error.
func NewRemoteSpeech(hub *Hub, transcriber Transcriber) *RemoteSpeech {
	return &RemoteSpeech{
		hub:         hub,
		transcriber: transcriber,
		captures:    make(map[string]*remoteActivation),
		playbacks:   make(map[string]*remotePlayback),
		byClient:    make(map[*client]*remoteActivation),
	}
}

// Start forwards a capture activation to a capture-capable client.
func (rs *RemoteSpeech) Start(ctx context.Context, cfg speech.CaptureConfig) (speech.Activation, error) {
	c := rs.hub.captureClient()
	if c == nil {
		return nil, fmt.Errorf("gateway: no capture-capable client connected: %w", speech.ErrCapabilityUnavailable)
	}

	act := &remoteActivation{
		id:     uuid.NewString(),
		owner:  c,
		rs:     rs,
		locale: cfg.Locale,
		ch:     make(chan speech.Result, 1),
	}

	rs.mu.Lock()
	rs.captures[act.id] = act
	rs.byClient[c] = act
	rs.mu.Unlock()

	if !rs.hub.sendTo(c, event{Type: eventListenStart, ID: act.id, Locale: cfg.Locale}) {
		rs.unregisterCapture(act)
		return nil, fmt.Errorf("gateway: capture client unresponsive: %w", speech.ErrCapabilityUnavailable)
	}
	return act, nil
}

// Play ships a payload to a playback-capable client.
func (rs *RemoteSpeech) Play(ctx context.Context, payload speech.Payload) (speech.Playback, error) {
	c := rs.hub.playbackClient()
	if c == nil {
		return nil, fmt.Errorf("gateway: no playback-capable client connected: %w", speech.ErrCapabilityUnavailable)
	}

	pb := &remotePlayback{
		id:    uuid.NewString(),
		owner: c,
		rs:    rs,
		ch:    make(chan error, 1),
	}

	rs.mu.Lock()
	rs.playbacks[pb.id] = pb
	rs.mu.Unlock()

	ev := event{
		Type:      eventPlay,
		ID:        pb.id,
		MimeType:  payload.MimeType,
		AudioData: base64.StdEncoding.EncodeToString(payload.Data),
	}
	if !rs.hub.sendTo(c, ev) {
		rs.unregisterPlayback(pb)
		return nil, fmt.Errorf("gateway: playback client unresponsive: %w", speech.ErrCapabilityUnavailable)
	}
	return pb, nil
}

// resolveTranscript delivers a client-recognised transcript to its
// activation. Unknown IDs are stale responses and are dropped.
func (rs *RemoteSpeech) resolveTranscript(id, text string, confidence float64) {
	rs.mu.Lock()
	act := rs.captures[id]
	rs.mu.Unlock()
	if act == nil {
		return
	}
	act.finish(speech.Result{Transcript: speech.Transcript{
		Text:       text,
		Locale:     act.locale,
		Confidence: confidence,
	}}, true)
}

// resolveCaptureError delivers a client-side capture failure.
func (rs *RemoteSpeech) resolveCaptureError(id, reason string) {
	rs.mu.Lock()
	act := rs.captures[id]
	rs.mu.Unlock()
	if act == nil {
		return
	}
	act.finish(speech.Result{Err: fmt.Errorf("gateway: remote capture: %s", reason)}, true)
}

// ingestAudio decodes an Opus frame from a streaming client into the
// client's outstanding activation.
func (rs *RemoteSpeech) ingestAudio(c *client, frame []byte) {
	rs.mu.Lock()
	act := rs.byClient[c]
	rs.mu.Unlock()
	if act == nil {
		return
	}
	if err := act.appendFrame(frame); err != nil {
		slog.Warn("opus frame decode failed", "client_id", c.id, "error", err)
	}
}

// finishAudio ends an Opus stream and transcribes the collected PCM.
func (rs *RemoteSpeech) finishAudio(ctx context.Context, id string) {
	rs.mu.Lock()
	act := rs.captures[id]
	rs.mu.Unlock()
	if act == nil {
		return
	}

	pcm := act.collectedPCM()
	if len(pcm) == 0 {
		act.finish(speech.Result{Err: errors.New("gateway: no audio received")}, true)
		return
	}
	if rs.transcriber == nil {
		act.finish(speech.Result{Err: fmt.Errorf("gateway: no transcriber configured: %w", speech.ErrCapabilityUnavailable)}, true)
		return
	}

	// Transcription can take a while; never block the client's read loop.
	go func() {
		transcript, err := rs.transcriber.Transcribe(ctx, pcm, act.locale)
		if err != nil {
			act.finish(speech.Result{Err: fmt.Errorf("gateway: transcribe stream: %w", err)}, true)
			return
		}
		act.finish(speech.Result{Transcript: transcript}, true)
	}()
}

// resolvePlaybackEnd delivers a playback acknowledgement.
func (rs *RemoteSpeech) resolvePlaybackEnd(id string, reason string) {
	rs.mu.Lock()
	pb := rs.playbacks[id]
	rs.mu.Unlock()
	if pb == nil {
		return
	}
	if reason == "" {
		pb.finish(nil, true)
		return
	}
	pb.finish(fmt.Errorf("gateway: remote playback: %s", reason), true)
}

// dropClient fails all capability work owned by a departing client.
func (rs *RemoteSpeech) dropClient(c *client) {
	rs.mu.Lock()
	var acts []*remoteActivation
	for _, act := range rs.captures {
		if act.owner == c {
			acts = append(acts, act)
		}
	}
	var pbs []*remotePlayback
	for _, pb := range rs.playbacks {
		if pb.owner == c {
			pbs = append(pbs, pb)
		}
	}
	rs.mu.Unlock()

	for _, act := range acts {
		act.finish(speech.Result{Err: errors.New("gateway: capture client disconnected")}, true)
	}
	for _, pb := range pbs {
		pb.finish(errors.New("gateway: playback client disconnected"), true)
	}
}

func (rs *RemoteSpeech) unregisterCapture(act *remoteActivation) {
	rs.mu.Lock()
	delete(rs.captures, act.id)
	if rs.byClient[act.owner] == act {
		delete(rs.byClient, act.owner)
	}
	rs.mu.Unlock()
}

func (rs *RemoteSpeech) unregisterPlayback(pb *remotePlayback) {
	rs.mu.Lock()
	delete(rs.playbacks, pb.id)
	rs.mu.Unlock()
}

// remoteActivation is one capture activation remoted to a client.
type remoteActivation struct {
	id     string
	owner  *client
	rs     *RemoteSpeech
	locale string
	ch     chan speech.Result
	once   sync.Once

	mu      sync.Mutex
	decoder *audio.OpusStreamDecoder
	pcm     bytes.Buffer
}

// Result returns the activation's terminal channel.
func (a *remoteActivation) Result() <-chan speech.Result { return a.ch }

// Stop cancels the activation: the client is told to stop listening and no
// result is ever delivered.
func (a *remoteActivation) Stop() error {
	a.rs.hub.sendTo(a.owner, event{Type: eventListenCancel, ID: a.id})
	a.finish(speech.Result{}, false)
	return nil
}

// finish delivers the terminal result (when deliver is true) and closes the
// channel, exactly once.
func (a *remoteActivation) finish(res speech.Result, deliver bool) {
	a.once.Do(func() {
		if deliver {
			a.ch <- res
		}
		close(a.ch)
		a.rs.unregisterCapture(a)
	})
}

// appendFrame decodes one Opus frame into the collected PCM.
func (a *remoteActivation) appendFrame(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.decoder == nil {
		dec, err := audio.NewOpusStreamDecoder()
		if err != nil {
			return err
		}
		a.decoder = dec
	}
	pcm, err := a.decoder.Decode(frame)
	if err != nil {
		return err
	}
	a.pcm.Write(pcm)
	return nil
}

// collectedPCM returns the PCM decoded so far.
func (a *remoteActivation) collectedPCM() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, a.pcm.Len())
	copy(out, a.pcm.Bytes())
	return out
}

// remotePlayback is one playback remoted to a client.
type remotePlayback struct {
	id    string
	owner *client
	rs    *RemoteSpeech
	ch    chan error
	once  sync.Once
}

// Done returns the playback's terminal channel.
func (p *remotePlayback) Done() <-chan error { return p.ch }

// Stop tells the client to stop playing and finishes the playback without
// a value.
func (p *remotePlayback) Stop() error {
	p.rs.hub.sendTo(p.owner, event{Type: eventPlayStop, ID: p.id})
	p.finish(nil, false)
	return nil
}

// finish delivers the terminal result (when deliver is true) and closes the
// channel, exactly once.
func (p *remotePlayback) finish(err error, deliver bool) {
	p.once.Do(func() {
		if deliver {
			p.ch <- err
		}
		close(p.ch)
		p.rs.unregisterPlayback(p)
	})
}
