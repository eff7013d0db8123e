// Package events is the engine's notification channel. Components
// publish events (conversation updated, state changed, generation
// lifecycle) and presentation-layer subscribers (the websocket handler,
// the MQTT notifier) receive them. Publishing never blocks: a slow
// subscriber misses events instead of stalling a generation. A nil *Bus
// accepts every call as a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceEngine    = "engine"
	SourceScheduler = "scheduler"
	SourceHealth    = "health"
)

// Kinds describe what happened.
const (
	// KindConversationUpdated follows every successful append to a
	// conversation log. Data: conversation_id, messages.
	KindConversationUpdated = "conversation_updated"
	// KindStateChanged follows every state machine transition.
	// Data: conversation_id, state.
	KindStateChanged = "state_changed"
	// KindGenerationStart marks an admitted generation.
	// Data: conversation_id, request_id, trigger.
	KindGenerationStart = "generation_start"
	// KindGenerationComplete marks a generation that persisted output.
	// Data: conversation_id, request_id, trigger, bubbles, elapsed_ms.
	KindGenerationComplete = "generation_complete"
	// KindGenerationFailed marks a generation that ended in error.
	// Data: conversation_id, request_id, trigger, error.
	KindGenerationFailed = "generation_failed"
	// KindTriggerFired marks an autonomous trigger issued by the sweep.
	// Data: conversation_id, trigger, entry_id (scheduled only).
	KindTriggerFired = "trigger_fired"
	// KindProviderStatus marks a completion provider becoming reachable
	// or unreachable. Data: provider, ready, error.
	KindProviderStatus = "provider_status"
)

// Event is a single published notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// ConversationID returns the conversation_id attribute, if present.
func (e Event) ConversationID() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

// Bus is a broadcast bus with buffered per-subscriber channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
