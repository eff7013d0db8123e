package mqtt

import (
	"encoding/json"
	"strings"

	"github.com/nugget/companion/internal/events"
)

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

// Availability is the retained online/offline topic.
func (t Topics) Availability() string { return t.Prefix + "/availability" }

// State is a conversation's retained generation state topic.
func (t Topics) State(id string) string { return t.conversation(id) + "/state" }

// Events is a conversation's notification topic.
func (t Topics) Events(id string) string { return t.conversation(id) + "/events" }

// InboxFilter matches every conversation's inbox.
func (t Topics) InboxFilter() string { return t.Prefix + "/conversations/+/inbox" }

func (t Topics) conversation(id string) string {
	return t.Prefix + "/conversations/" + id
}

// ParseInbox extracts the conversation ID from an inbox topic.
func (t Topics) ParseInbox(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/conversations/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/inbox")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Outbound is one message to publish.
type Outbound struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Notification is the JSON payload on a conversation's events topic.
type Notification struct {
	Kind string         `json:"kind"`
	At   string         `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// forwarded lists the event kinds mirrored to the events topic.
var forwarded = map[string]bool{
	events.KindConversationUpdated: true,
	events.KindGenerationComplete:  true,
	events.KindGenerationFailed:    true,
	events.KindTriggerFired:        true,
}

// Translate maps a bus event to the messages to publish. Events with no
// conversation, and kinds not mirrored, yield nothing.
func (t Topics) Translate(e events.Event) []Outbound {
	id := e.ConversationID()
	if id == "" {
		return nil
	}
	if e.Kind == events.KindStateChanged {
		state, _ := e.Data["state"].(string)
		if state == "" {
			return nil
		}
		return []Outbound{{Topic: t.State(id), Payload: []byte(state), Retain: true}}
	}
	if !forwarded[e.Kind] {
		return nil
	}

	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		if k != "conversation_id" {
			data[k] = v
		}
	}
	payload, err := json.Marshal(Notification{
		Kind: e.Kind,
		At:   e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Data: data,
	})
	if err != nil {
		return nil
	}
	return []Outbound{{Topic: t.Events(id), Payload: payload}}
}

// InboxMessage is the inbound payload. A plain-text payload is treated
// as Content with Reply set.
type InboxMessage struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	Reply   *bool  `json:"reply,omitempty"`
}

// ParseInboxPayload decodes an inbox payload.
func ParseInboxPayload(payload []byte) (InboxMessage, bool) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return InboxMessage{}, false
	}
	var msg InboxMessage
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &msg) == nil {
		return msg, msg.Content != ""
	}
	return InboxMessage{Content: text}, true
}

// WantsReply reports whether a reply should be generated.
func (m InboxMessage) WantsReply() bool { return m.Reply == nil || *m.Reply }
