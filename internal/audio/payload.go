package audio

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	"github.com/memovoz/memovoz/pkg/speech"
)

// supportedMimeTypes are the payload codecs the local player can hand to
// ffplay. The browser bridge accepts anything the client's Audio element
// supports, so the gateway does not consult this list.
var supportedMimeTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/mp3":  true,
	"audio/ogg":  true,
	"audio/opus": true,
	"audio/wav":  true,
	"audio/webm": true,
	"audio/aac":  true,
	"audio/pcm":  true,
}

// DecodePayload decodes a base64-encoded audio payload into a playable
// [speech.Payload]. Invalid base64 or a missing MIME type yields an error;
// the session controller treats that error as a playback failure, never a
// dispatch failure.
func DecodePayload(data64, mimeType string) (speech.Payload, error) {
	if strings.TrimSpace(data64) == "" {
		return speech.Payload{}, fmt.Errorf("audio: empty payload data")
	}
	if mimeType == "" {
		// The backend historically omitted the tag for MP3 synthesis output.
		mimeType = "audio/mpeg"
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data64))
	if err != nil {
		return speech.Payload{}, fmt.Errorf("audio: decode base64 payload: %w", err)
	}
	if len(data) == 0 {
		return speech.Payload{}, fmt.Errorf("audio: payload decoded to zero bytes")
	}
	return speech.Payload{Data: data, MimeType: mimeType}, nil
}

// SupportedLocally reports whether the local ffplay sink can play the given
// MIME type. Parameters (e.g. ";rate=24000") are ignored for the check.
func SupportedLocally(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return supportedMimeTypes[mt]
}
