package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType tags how Content should be interpreted.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeImage     MessageType = "image"
	TypeAudio     MessageType = "audio"
	TypeSticker   MessageType = "sticker"
	TypeDirective MessageType = "directive"
	TypeError     MessageType = "error"
)

// Message is one entry in a conversation log. For image, audio and
// sticker messages Content holds a content reference rather than text.
type Message struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Directive *Directive  `json:"directive,omitempty"`
}

// Directive is a structured instruction embedded in model output, such
// as an invitation to a timed focus session.
type Directive struct {
	Name              string `json:"name"`
	Duration          int    `json:"duration"`
	SecondaryDuration int    `json:"secondary_duration"`
	Count             int    `json:"count"`
	Label             string `json:"label"`
}

// NewID generates a new UUIDv7. v7 IDs sort by creation time, which
// keeps message IDs roughly monotonic.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewMessage builds a message with a fresh ID.
func NewMessage(role Role, typ MessageType, content string, ts time.Time) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Type:      typ,
		Timestamp: ts,
	}
}

// CurrentInput returns the text of the trailing run of user messages,
// i.e. everything the user said since the assistant last spoke. Only
// text messages contribute. World-knowledge matching runs against this
// rather than the whole history.
func CurrentInput(log []Message) string {
	start := len(log)
	for start > 0 && log[start-1].Role == RoleUser {
		start--
	}

	var parts []string
	for _, m := range log[start:] {
		if m.Type == TypeText || m.Type == "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// IndexOf returns the position of the message with the given ID, or -1.
func IndexOf(log []Message, id string) int {
	for i, m := range log {
		if m.ID == id {
			return i
		}
	}
	return -1
}
