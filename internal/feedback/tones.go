package feedback

import (
	"math"

	"github.com/memovoz/memovoz/internal/audio"
)

// cueSampleRate is the synthesis rate for feedback cues. Kept separate from
// the capture rate; cues never enter the recognition path.
const cueSampleRate = 24000

// tone is one segment of a cue sequence.
type tone struct {
	freqHz float64
	dur    int // milliseconds
}

// Cue sequences. The mobile client played a single 800 Hz blip when the
// microphone opened; the outcome cues keep that family: notes rise, events
// climb a triad, so the two are distinguishable without looking.
var (
	confirmTones = []tone{{800, 100}}
	noteTones    = []tone{{660, 150}, {880, 200}}
	eventTones   = []tone{{523, 120}, {659, 120}, {784, 200}}
)

// toneGapMs is the silence between segments of a sequence.
const toneGapMs = 40

// renderSequence synthesizes a tone sequence as mono s16le PCM. Each
// segment is a sine with an exponential decay envelope, matching the
// original client's gain ramp so cues end without a click.
func renderSequence(seq []tone) []byte {
	var pcm []int16
	gap := make([]int16, cueSampleRate*toneGapMs/1000)

	for i, t := range seq {
		if i > 0 {
			pcm = append(pcm, gap...)
		}
		n := cueSampleRate * t.dur / 1000
		for s := 0; s < n; s++ {
			ts := float64(s) / cueSampleRate
			envelope := 0.3 * math.Exp(-5*ts/(float64(t.dur)/1000))
			sample := envelope * math.Sin(2*math.Pi*t.freqHz*ts)
			pcm = append(pcm, int16(sample*math.MaxInt16))
		}
	}
	return audio.Int16sToBytes(pcm)
}
