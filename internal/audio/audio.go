// Package audio provides the audio plumbing under the speech capability
// providers: base64 payload decoding, Opus frame decoding for the
// voice-client bridge, a microphone PCM source backed by ffmpeg, and a local
// playback sink backed by ffplay.
//
// All PCM in this package is interleaved little-endian int16.
package audio

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// VoiceFormat is the capture format used throughout the session pipeline:
// 16 kHz mono, the native input rate of whisper.cpp.
var VoiceFormat = Format{SampleRate: 16000, Channels: 1}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A
// trailing odd byte is dropped.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
