// Package conversation holds the ordered log of one assistant conversation:
// the messages exchanged between the user and the assistant during a voice
// session, with a bounded display window and an atomic drain-for-save
// operation.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry in the conversation log. Messages are immutable once
// created and are removed only by an explicit drain or clear.
type Message struct {
	// ID is an opaque unique token assigned at creation.
	ID string `json:"id"`

	// Role is the message producer.
	Role Role `json:"role"`

	// Text is the non-empty, whitespace-trimmed message content.
	Text string `json:"text"`

	// CreatedAt records when the message was appended.
	CreatedAt time.Time `json:"createdAt"`
}

// newMessage builds a Message with a fresh ID. text must already be trimmed
// and non-empty; the buffer enforces that before calling.
func newMessage(role Role, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		CreatedAt: now,
	}
}
