package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/memovoz/memovoz/internal/audio"
	"github.com/memovoz/memovoz/pkg/speech"
)

const (
	// rmsThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which a chunk is considered silent. The maximum possible
	// value for 16-bit audio is 32 767; 300 corresponds to near-silence.
	rmsThreshold = 300.0

	defaultSilenceThreshold = 700 * time.Millisecond
	defaultMaxUtterance     = 15 * time.Second
	defaultNoSpeechTimeout  = 6 * time.Second
)

// chunkBytes is one 30 ms read of 16 kHz mono s16le PCM.
var chunkBytes = audio.VoiceFormat.SampleRate * 2 * 30 / 1000

// Source opens microphone PCM streams. [audio.MicCapture] is the production
// implementation.
type Source interface {
	Start(ctx context.Context, cfg audio.MicConfig) (io.ReadCloser, error)
}

// transcriber is the inference slice of [Model] the capturer needs,
// narrowed so tests run without a model file.
type transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, locale string) (speech.Transcript, error)
}

// Capturer records one utterance from the local microphone per activation:
// it waits for speech, endpoints on trailing silence, and transcribes the
// recorded PCM with the shared whisper model.
//
// Capturer implements [speech.Capturer].
type Capturer struct {
	source Source
	model  transcriber

	silenceThreshold time.Duration
	maxUtterance     time.Duration
	noSpeechTimeout  time.Duration
	mic              audio.MicConfig
}

var _ speech.Capturer = (*Capturer)(nil)

// Option configures a [Capturer].
type Option func(*Capturer)

// WithSilenceThreshold sets the trailing-silence duration that ends an
// utterance. The default is 700 ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.silenceThreshold = d
		}
	}
}

// WithMaxUtterance caps one utterance's duration; recording is cut and
// transcribed when it is reached. The default is 15 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.maxUtterance = d
		}
	}
}

// WithNoSpeechTimeout sets how long an activation waits for speech to begin
// before giving up with an empty transcript. The default is 6 s.
func WithNoSpeechTimeout(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.noSpeechTimeout = d
		}
	}
}

// WithMicConfig sets the microphone device configuration.
func WithMicConfig(cfg audio.MicConfig) Option {
	return func(c *Capturer) { c.mic = cfg }
}

// NewCapturer creates a microphone capturer over the given source and
// model.
func NewCapturer(source Source, model *Model, opts ...Option) *Capturer {
	c := &Capturer{
		source:           source,
		model:            model,
		silenceThreshold: defaultSilenceThreshold,
		maxUtterance:     defaultMaxUtterance,
		noSpeechTimeout:  defaultNoSpeechTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start opens the microphone and begins one capture activation.
func (c *Capturer) Start(ctx context.Context, cfg speech.CaptureConfig) (speech.Activation, error) {
	if cfg.Locale == "" {
		return nil, errors.New("whisper: capture locale must not be empty")
	}

	stream, err := c.source.Start(ctx, c.mic)
	if err != nil {
		return nil, fmt.Errorf("whisper: open microphone: %w", err)
	}

	act := &activation{
		cap:    c,
		locale: cfg.Locale,
		stream: stream,
		ch:     make(chan speech.Result, 1),
		done:   make(chan struct{}),
	}
	go act.run(ctx)
	return act, nil
}

// activation is one start-to-finish microphone engagement.
type activation struct {
	cap    *Capturer
	locale string
	stream io.ReadCloser
	ch     chan speech.Result

	done     chan struct{}
	stopOnce sync.Once
	finOnce  sync.Once
}

// Result returns the activation's terminal channel.
func (a *activation) Result() <-chan speech.Result { return a.ch }

// Stop cancels the activation and releases the microphone. No result is
// delivered after Stop.
func (a *activation) Stop() error {
	a.stopOnce.Do(func() {
		close(a.done)
		_ = a.stream.Close()
	})
	a.finish(speech.Result{}, false)
	return nil
}

// finish delivers the terminal result (when deliver is true) and closes the
// channel, exactly once.
func (a *activation) finish(res speech.Result, deliver bool) {
	a.finOnce.Do(func() {
		if deliver {
			a.ch <- res
		}
		close(a.ch)
	})
}

// run reads PCM off the microphone, endpoints the utterance, and hands the
// recording to the model.
func (a *activation) run(ctx context.Context) {
	defer a.stream.Close()

	pcm, err := a.record(ctx)
	if a.stopped() || ctx.Err() != nil {
		a.finish(speech.Result{}, false)
		return
	}
	if err != nil {
		a.finish(speech.Result{Err: fmt.Errorf("whisper: record: %w", err)}, true)
		return
	}
	if len(pcm) == 0 {
		// Nothing was said before the timeout; an empty transcript lets the
		// caller distinguish "heard silence" from "capture broke".
		a.finish(speech.Result{Transcript: speech.Transcript{Locale: a.locale}}, true)
		return
	}

	transcript, err := a.cap.model.Transcribe(ctx, pcm, a.locale)
	if a.stopped() || ctx.Err() != nil {
		a.finish(speech.Result{}, false)
		return
	}
	if err != nil {
		a.finish(speech.Result{Err: err}, true)
		return
	}
	a.finish(speech.Result{Transcript: transcript}, true)
}

// record reads chunks until the utterance endpoint and returns the buffered
// PCM, or nil when no speech began before the no-speech timeout.
func (a *activation) record(ctx context.Context) ([]byte, error) {
	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
		waited    time.Duration
	)

	chunkDur := time.Duration(chunkBytes/2) * time.Second / time.Duration(audio.VoiceFormat.SampleRate)
	maxBytes := int(a.cap.maxUtterance / chunkDur * time.Duration(chunkBytes))
	chunk := make([]byte, chunkBytes)

	for {
		if a.stopped() || ctx.Err() != nil {
			return nil, nil
		}

		n, err := io.ReadFull(a.stream, chunk)
		if err != nil && n == 0 {
			// EOF mid-utterance still yields whatever was recorded.
			if hadSpeech {
				return buffer, nil
			}
			return nil, fmt.Errorf("microphone stream ended: %w", err)
		}
		got := chunk[:n]

		if computeRMS(got) < rmsThreshold {
			if !hadSpeech {
				waited += chunkDur
				if waited >= a.cap.noSpeechTimeout {
					return nil, nil
				}
				continue
			}
			silence += chunkDur
			buffer = append(buffer, got...)
			if silence >= a.cap.silenceThreshold {
				return buffer, nil
			}
			continue
		}

		hadSpeech = true
		silence = 0
		buffer = append(buffer, got...)
		if maxBytes > 0 && len(buffer) >= maxBytes {
			return buffer, nil
		}
	}
}

func (a *activation) stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// computeRMS returns the root-mean-square energy of s16le PCM.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
