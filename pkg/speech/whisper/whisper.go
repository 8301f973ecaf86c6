// Package whisper provides the native speech-capture provider backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// The package exposes two things: [Model], a shared transcription engine
// that also serves the gateway's Opus-stream transcription, and [Capturer],
// a [speech.Capturer] that records one utterance from the local microphone,
// endpoints it on trailing silence, and transcribes it.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/memovoz/memovoz/pkg/speech"
)

// Model wraps a loaded whisper.cpp model. The model is loaded once at
// startup and shared; each transcription runs in its own whisper context,
// so concurrent calls are safe.
type Model struct {
	model whisperlib.Model
}

// LoadModel loads the whisper.cpp model file at path. The caller must call
// Close when the model is no longer needed.
func LoadModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &Model{model: model}, nil
}

// Close releases the whisper model.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over 16 kHz mono s16le PCM and
// returns the recognised text. locale is a BCP-47 tag; only its language
// subtag is passed to whisper (e.g. "es-ES" → "es").
func (m *Model) Transcribe(ctx context.Context, pcm []byte, locale string) (speech.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return speech.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	samples := pcmToFloat32(pcm)

	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := m.model.NewContext()
	if err != nil {
		return speech.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if lang := languageSubtag(locale); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return speech.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return speech.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return speech.Transcript{
		Text:   strings.Join(parts, " "),
		Locale: locale,
	}, nil
}

// languageSubtag extracts the primary language subtag from a BCP-47 tag.
func languageSubtag(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	return strings.ToLower(strings.TrimSpace(lang))
}

// pcmToFloat32 converts s16le PCM bytes to the normalised float32 samples
// whisper.cpp expects. A trailing odd byte is dropped.
func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
