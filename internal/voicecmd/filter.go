// Package voicecmd detects local voice shortcuts in final transcripts
// before they are dispatched to the backend. Shortcuts act on the pending
// save offer ("guardar conversación") or discard the current exchange
// ("cancelar"), so a user can drive the save flow entirely by voice.
//
// Detection is tolerant of recognition misspellings: an exact phrase check
// runs first, then Double Metaphone phonetic codes combined with
// Jaro-Winkler similarity decide near-misses (e.g. "guardar conversasión").
package voicecmd

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Action identifies the local shortcut a transcript maps to.
type Action string

const (
	// ActionSaveConversation accepts the pending save offer.
	ActionSaveConversation Action = "save_conversation"

	// ActionDiscard declines the pending save offer or abandons the turn.
	ActionDiscard Action = "discard"
)

// defaultSimilarity is the minimum Jaro-Winkler score a phonetic candidate
// needs to count as a shortcut.
const defaultSimilarity = 0.84

// phrase pairs a canonical trigger phrase with its action.
type phrase struct {
	text   string
	action Action
}

// defaultPhrases are the Spanish shortcuts the mobile client understood.
var defaultPhrases = []phrase{
	{"guardar conversación", ActionSaveConversation},
	{"guarda la conversación", ActionSaveConversation},
	{"guardar la conversación", ActionSaveConversation},
	{"cancelar", ActionDiscard},
	{"olvídalo", ActionDiscard},
	{"descartar", ActionDiscard},
	{"no guardes nada", ActionDiscard},
}

// Filter checks transcripts against the shortcut phrase set. Read-only
// after construction, so safe for concurrent use.
type Filter struct {
	phrases    []phrase
	similarity float64
}

// Option is a functional option for configuring a Filter.
type Option func(*Filter)

// WithSimilarity sets the minimum Jaro-Winkler score for phonetic matches.
// Default: 0.84.
func WithSimilarity(threshold float64) Option {
	return func(f *Filter) { f.similarity = threshold }
}

// WithPhrases replaces the default shortcut phrase set.
func WithPhrases(phrases map[string]Action) Option {
	return func(f *Filter) {
		f.phrases = make([]phrase, 0, len(phrases))
		for text, action := range phrases {
			f.phrases = append(f.phrases, phrase{text: text, action: action})
		}
	}
}

// New creates a Filter with the default Spanish phrase set. The defaults are
// copied so an option can never write into the shared slice.
func New(opts ...Option) *Filter {
	f := &Filter{
		phrases:    append([]phrase(nil), defaultPhrases...),
		similarity: defaultSimilarity,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Match reports whether text is a voice shortcut. Ordinary utterances
// return ok=false and flow to the backend unchanged.
func (f *Filter) Match(text string) (Action, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return "", false
	}

	// Exact phrase first: the whole utterance must be the shortcut, so
	// "cancelar la cita del martes" still reaches the backend.
	for _, p := range f.phrases {
		if normalized == normalize(p.text) {
			return p.action, true
		}
	}

	// Phonetic pass for recognition near-misses.
	for _, p := range f.phrases {
		if f.phoneticallyEqual(normalized, normalize(p.text)) {
			return p.action, true
		}
	}
	return "", false
}

// phoneticallyEqual reports whether got sounds like want: the token counts
// match, every token pair shares a Double Metaphone code, and the full
// strings clear the Jaro-Winkler threshold.
func (f *Filter) phoneticallyEqual(got, want string) bool {
	gotTokens := strings.Fields(got)
	wantTokens := strings.Fields(want)
	if len(gotTokens) != len(wantTokens) {
		return false
	}

	for i := range gotTokens {
		if !codesOverlap(gotTokens[i], wantTokens[i]) {
			return false
		}
	}
	return matchr.JaroWinkler(got, want, false) >= f.similarity
}

// codesOverlap reports whether two words share at least one Double
// Metaphone code. Words too short to produce a code fall back to a direct
// comparison.
func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap == "" && as == "" || bp == "" && bs == "" {
		return a == b
	}
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || (bs != "" && x == bs) {
			return true
		}
	}
	return false
}

// normalize lowercases, trims, strips trailing punctuation, and collapses
// interior whitespace.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?¡¿,;")
	return strings.Join(strings.Fields(s), " ")
}
