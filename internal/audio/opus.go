package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Voice clients stream 16 kHz mono Opus at 60 ms frames, the framing used
// by embedded assistant hardware. One websocket binary message carries one
// Opus packet.
const opusFrameMs = 60

// opusFrameSize is the number of samples per channel per frame.
var opusFrameSize = VoiceFormat.SampleRate * opusFrameMs / 1000 // 960

// OpusStreamDecoder decodes a sequence of Opus packets from one remote
// voice client into PCM. Decoder state carries across packets, so each
// client connection needs its own instance. Not safe for concurrent use.
type OpusStreamDecoder struct {
	dec *gopus.Decoder
}

// NewOpusStreamDecoder creates a decoder for the voice-client frame format.
func NewOpusStreamDecoder() (*OpusStreamDecoder, error) {
	dec, err := gopus.NewDecoder(VoiceFormat.SampleRate, VoiceFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusStreamDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
func (d *OpusStreamDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
