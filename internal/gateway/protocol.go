package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/session"
)

// Wire message types, server → client.
const (
	eventStatus         = "status"
	eventMessage        = "message"
	eventOfferSave      = "offer_save"
	eventOfferDismissed = "offer_dismissed"
	eventNotice         = "notice"
	eventFeedback       = "feedback"
	eventListenStart    = "listen_start"
	eventListenCancel   = "listen_cancel"
	eventPlay           = "play"
	eventPlayStop       = "play_stop"
)

// Wire message types, client → server.
const (
	cmdHello         = "hello"
	cmdTrigger       = "trigger"
	cmdMessage       = "message"
	cmdSave          = "save"
	cmdTranscript    = "transcript"
	cmdCaptureError  = "capture_error"
	cmdListenStop    = "listen_stop"
	cmdPlaybackEnded = "playback_ended"
	cmdPlaybackError = "playback_error"
)

// event is the server → client JSON envelope. Only the fields relevant to
// the Type are populated.
type event struct {
	Type string `json:"type"`

	// Status carries the session status for "status" events.
	Status session.Status `json:"status,omitempty"`

	// Message carries the appended conversation message for "message" events.
	Message *conversation.Message `json:"message,omitempty"`

	// Text carries notice text.
	Text string `json:"text,omitempty"`

	// Kind carries the feedback cue kind.
	Kind string `json:"kind,omitempty"`

	// ID correlates capture/playback requests with their client responses.
	ID string `json:"id,omitempty"`

	// Locale is the recognition language for "listen_start".
	Locale string `json:"locale,omitempty"`

	// AudioData and MimeType carry a playback payload for "play" events.
	AudioData string `json:"audioData,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// command is the client → server JSON envelope.
type command struct {
	Type string `json:"type"`

	// Hello fields: what the client can do on the server's behalf.
	SupportsCapture     bool `json:"supportsCapture,omitempty"`
	SupportsPlayback    bool `json:"supportsPlayback,omitempty"`
	SupportsNativeAudio bool `json:"supportsNativeAudio,omitempty"`

	// Text is typed input for "message", or the recognised text for
	// "transcript".
	Text string `json:"text,omitempty"`

	// Accept answers the save prompt for "save" commands.
	Accept bool `json:"accept,omitempty"`

	// ID correlates a response with the capture/playback request it answers.
	ID string `json:"id,omitempty"`

	// Confidence is the recogniser-reported confidence for "transcript".
	Confidence float64 `json:"confidence,omitempty"`

	// Reason describes a capture or playback failure.
	Reason string `json:"reason,omitempty"`
}

// encodeEvent marshals an event for the wire.
func encodeEvent(ev event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s event: %w", ev.Type, err)
	}
	return data, nil
}
