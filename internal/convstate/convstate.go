// Package convstate tracks the generation state of each conversation
// and enforces at most one in-flight generation per conversation.
//
// The lifecycle is linear: idle → thinking → typing → idle. Acquire is
// the only way out of idle and is an atomic check-and-set; a second
// Acquire for a conversation that is already in flight is refused
// without side effects. The returned Ticket must be released on every
// exit path, typically with defer.
package convstate

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/events"
)

// State is a conversation's generation state.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateTyping   State = "typing"
)

// Tracker holds the in-flight set.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*Ticket
	bus      *events.Bus
	logger   *slog.Logger
}

// NewTracker creates a tracker. bus may be nil.
func NewTracker(bus *events.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		inflight: make(map[string]*Ticket),
		bus:      bus,
		logger:   logger,
	}
}

// Ticket is an admission for one generation.
type Ticket struct {
	tracker    *Tracker
	id         string
	trigger    conversation.TriggerKind
	acquiredAt time.Time

	// Guarded by tracker.mu.
	state    State
	released bool
}

// Acquire admits a generation for id. It returns (nil, false) if one is
// already in flight.
func (t *Tracker) Acquire(id string, trigger conversation.TriggerKind) (*Ticket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, busy := t.inflight[id]; busy {
		t.logger.Debug("admission refused",
			"conversation_id", id,
			"trigger", trigger,
			"in_flight", cur.trigger,
		)
		return nil, false
	}

	k := &Ticket{
		tracker:    t,
		id:         id,
		trigger:    trigger,
		acquiredAt: time.Now(),
		state:      StateThinking,
	}
	t.inflight[id] = k
	t.publish(id, StateThinking, trigger)
	return k, true
}

// State returns the current state of id.
func (t *Tracker) State(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if k, ok := t.inflight[id]; ok {
		return k.state
	}
	return StateIdle
}

// InFlight lists the conversations currently generating, sorted.
func (t *Tracker) InFlight() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.inflight))
	for id := range t.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// publish must be called with t.mu held so events are emitted in
// transition order.
func (t *Tracker) publish(id string, s State, trigger conversation.TriggerKind) {
	t.bus.Emit(events.SourceEngine, events.KindStateChanged, map[string]any{
		"conversation_id": id,
		"state":           string(s),
		"trigger":         string(trigger),
	})
}

// ConversationID returns the conversation the ticket admits.
func (k *Ticket) ConversationID() string { return k.id }

// Trigger returns the trigger kind the ticket was acquired for.
func (k *Ticket) Trigger() conversation.TriggerKind { return k.trigger }

// Typing moves thinking → typing. Calls in any other state are
// ignored.
func (k *Ticket) Typing() {
	t := k.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if k.released || k.state != StateThinking {
		return
	}
	k.state = StateTyping
	t.publish(k.id, StateTyping, k.trigger)
}

// Release returns the conversation to idle. It is idempotent.
func (k *Ticket) Release() {
	t := k.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if k.released {
		return
	}
	k.released = true
	k.state = StateIdle
	if t.inflight[k.id] == k {
		delete(t.inflight, k.id)
	}
	t.publish(k.id, StateIdle, k.trigger)
	t.logger.Debug("generation released",
		"conversation_id", k.id,
		"trigger", k.trigger,
		"held", time.Since(k.acquiredAt).Round(time.Millisecond),
	)
}
