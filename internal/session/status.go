package session

// Status is the assistant's current activity. Exactly one value holds at any
// time; it is the single source of truth for what the caller may do next —
// starting capture is only legal from [StatusIdle].
type Status string

const (
	// StatusIdle means no capability is engaged. The only state from which
	// a new turn may start.
	StatusIdle Status = "idle"

	// StatusListening means a capture activation is outstanding and the
	// microphone is engaged.
	StatusListening Status = "listening"

	// StatusProcessing means a transcript has been dispatched and the
	// backend response is pending.
	StatusProcessing Status = "processing"

	// StatusSpeaking means a response playback is active.
	StatusSpeaking Status = "speaking"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusIdle, StatusListening, StatusProcessing, StatusSpeaking:
		return true
	}
	return false
}
