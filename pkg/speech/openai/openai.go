// Package openai provides a speech synthesizer backed by the OpenAI
// text-to-speech API. It is used to voice backend responses that arrive
// without an audio payload.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/memovoz/memovoz/pkg/speech"
)

// DefaultModel is the default OpenAI text-to-speech model.
const DefaultModel = "gpt-4o-mini-tts"

// DefaultVoice is the voice used when none is configured.
const DefaultVoice = "nova"

// Ensure Synthesizer implements the speech.Synthesizer interface.
var _ speech.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements speech.Synthesizer using the OpenAI API. The
// synthesized audio is returned as a single MP3 payload.
type Synthesizer struct {
	client oai.Client
	model  string
	voice  string
}

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithVoice sets the voice used for synthesis (e.g. "nova", "alloy").
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI speech Synthesizer.
// If model is empty, DefaultModel (gpt-4o-mini-tts) is used.
func New(apiKey string, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{voice: DefaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Synthesizer{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize implements speech.Synthesizer. The locale steers pronunciation
// via the model instructions; the spoken language itself follows the text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, locale string) (speech.Payload, error) {
	if text == "" {
		return speech.Payload{}, fmt.Errorf("openai tts: text must not be empty")
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(s.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if locale != "" {
		params.Instructions = param.NewOpt("Speak as a personal assistant for the " + locale + " locale.")
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return speech.Payload{}, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return speech.Payload{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(data) == 0 {
		return speech.Payload{}, fmt.Errorf("openai tts: empty audio response")
	}

	return speech.Payload{Data: data, MimeType: "audio/mpeg"}, nil
}
