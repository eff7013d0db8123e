package conversation

import (
	"testing"
	"time"
)

func TestCurrentInput(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		log  []Message
		want string
	}{
		{"empty", nil, ""},
		{
			name: "trailing user run",
			log: []Message{
				NewMessage(RoleUser, TypeText, "old question", now),
				NewMessage(RoleAssistant, TypeText, "answer", now),
				NewMessage(RoleUser, TypeText, "hi", now),
				NewMessage(RoleUser, TypeText, "are you there", now),
			},
			want: "hi\nare you there",
		},
		{
			name: "assistant spoke last",
			log: []Message{
				NewMessage(RoleUser, TypeText, "hello", now),
				NewMessage(RoleAssistant, TypeText, "hey", now),
			},
			want: "",
		},
		{
			name: "non-text skipped",
			log: []Message{
				NewMessage(RoleUser, TypeSticker, "sticker:wave", now),
				NewMessage(RoleUser, TypeText, "look", now),
			},
			want: "look",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CurrentInput(tt.log); got != tt.want {
				t.Errorf("CurrentInput() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestIndexOf(t *testing.T) {
	now := time.Now()
	log := []Message{
		NewMessage(RoleUser, TypeText, "a", now),
		NewMessage(RoleAssistant, TypeText, "b", now),
	}
	if got := IndexOf(log, log[1].ID); got != 1 {
		t.Errorf("IndexOf = %d, want 1", got)
	}
	if got := IndexOf(log, "missing"); got != -1 {
		t.Errorf("IndexOf(missing) = %d, want -1", got)
	}
}

func TestTriggerKind(t *testing.T) {
	if !TriggerBatchFollowUp.Valid() {
		t.Error("batch-follow-up should be valid")
	}
	if TriggerKind("bogus").Valid() {
		t.Error("bogus should not be valid")
	}
	if TriggerReply.Autonomous() || TriggerContinue.Autonomous() {
		t.Error("reply/continue are user-initiated")
	}
	if !TriggerIdle.Autonomous() || !TriggerScheduled.Autonomous() {
		t.Error("idle/scheduled are autonomous")
	}
}
