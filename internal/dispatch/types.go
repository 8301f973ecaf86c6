package dispatch

// Kind is the backend's classification of one exchange.
type Kind string

const (
	// KindConversation is a free-form reply; carries response text and an
	// optional synthesized-audio payload.
	KindConversation Kind = "conversation"

	// KindNoteCreated signals the utterance was stored as a note.
	KindNoteCreated Kind = "note_created"

	// KindEventCreated signals a calendar event was created.
	KindEventCreated Kind = "event_created"

	// KindConversationSaved acknowledges a saved conversation.
	KindConversationSaved Kind = "conversation_saved"
)

// IsValid reports whether k is a recognised result kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindConversation, KindNoteCreated, KindEventCreated, KindConversationSaved:
		return true
	}
	return false
}

// Result is the backend's answer to one dispatched exchange. It is
// transient: the session controller consumes it immediately and never
// stores it.
type Result struct {
	// Kind classifies the exchange.
	Kind Kind

	// Response is the human-readable assistant reply.
	Response string

	// AudioData is the synthesized audio payload as received on the wire
	// (base64 text). Empty when the backend sent no audio; decoding happens
	// at the playback boundary so a corrupt payload degrades to a playback
	// error instead of a dispatch failure.
	AudioData string

	// AudioMimeType tags the codec of AudioData (e.g. "audio/mpeg").
	AudioMimeType string

	// ShouldOfferSave indicates the client should offer saving the
	// conversation as a note.
	ShouldOfferSave bool
}

// HasAudio reports whether the result carries a playable audio payload.
func (r Result) HasAudio() bool {
	return r.AudioData != ""
}
