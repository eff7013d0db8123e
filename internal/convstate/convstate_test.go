package convstate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/events"
)

func TestLifecycle(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(10)
	tr := NewTracker(bus, nil)

	if got := tr.State("c1"); got != StateIdle {
		t.Fatalf("initial state = %s", got)
	}

	k, ok := tr.Acquire("c1", conversation.TriggerReply)
	if !ok {
		t.Fatal("first Acquire refused")
	}
	if got := tr.State("c1"); got != StateThinking {
		t.Errorf("after Acquire = %s", got)
	}

	k.Typing()
	k.Typing()
	if got := tr.State("c1"); got != StateTyping {
		t.Errorf("after Typing = %s", got)
	}

	k.Release()
	k.Release()
	if got := tr.State("c1"); got != StateIdle {
		t.Errorf("after Release = %s", got)
	}

	var states []string
	for len(sub) > 0 {
		e := <-sub
		if e.Kind != events.KindStateChanged || e.ConversationID() != "c1" {
			t.Errorf("unexpected event %+v", e)
		}
		states = append(states, e.Data["state"].(string))
	}
	want := []string{"thinking", "typing", "idle"}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states = %v, want %v", states, want)
		}
	}
}

func TestAcquire_RefusesWhileInFlight(t *testing.T) {
	tr := NewTracker(nil, nil)

	k, _ := tr.Acquire("c1", conversation.TriggerReply)
	if _, ok := tr.Acquire("c1", conversation.TriggerIdle); ok {
		t.Fatal("second Acquire admitted")
	}
	if _, ok := tr.Acquire("c2", conversation.TriggerIdle); !ok {
		t.Fatal("other conversation refused")
	}

	k.Release()
	k2, ok := tr.Acquire("c1", conversation.TriggerIdle)
	if !ok {
		t.Fatal("Acquire after Release refused")
	}

	// A stale ticket must not release its successor.
	k.Release()
	if tr.State("c1") != StateThinking {
		t.Error("stale Release cleared a newer ticket")
	}
	k2.Release()
}

func TestTyping_AfterReleaseIgnored(t *testing.T) {
	tr := NewTracker(nil, nil)
	k, _ := tr.Acquire("c1", conversation.TriggerReply)
	k.Release()
	k.Typing()
	if tr.State("c1") != StateIdle {
		t.Error("Typing after Release changed state")
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	tr := NewTracker(nil, nil)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := tr.Acquire("c1", conversation.TriggerIdle); ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Errorf("admitted %d generations, want 1", got)
	}
	if got := tr.InFlight(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("InFlight() = %v", got)
	}
}
