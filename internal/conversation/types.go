// Package conversation defines the records the engine reads and writes:
// chat messages, per-conversation persona and background-activity
// configuration, and the scheduler's bookkeeping. The types carry both
// JSON tags (store encoding) and YAML tags (persona files).
package conversation

import "time"

// TriggerKind is the reason a generation was started.
type TriggerKind string

const (
	// TriggerReply answers the user's latest messages.
	TriggerReply TriggerKind = "reply"
	// TriggerIdle is an autonomous message after a quiet period.
	TriggerIdle TriggerKind = "idle"
	// TriggerScheduled fires from a daily schedule entry.
	TriggerScheduled TriggerKind = "scheduled"
	// TriggerBatchFollowUp is the short burst after an idle message.
	TriggerBatchFollowUp TriggerKind = "batch-follow-up"
	// TriggerContinue extends the assistant's last turn.
	TriggerContinue TriggerKind = "continue"
)

// Valid reports whether k is one of the known trigger kinds.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerReply, TriggerIdle, TriggerScheduled, TriggerBatchFollowUp, TriggerContinue:
		return true
	}
	return false
}

// Autonomous reports whether the trigger originates from the background
// scheduler rather than from the user.
func (k TriggerKind) Autonomous() bool {
	return k == TriggerIdle || k == TriggerScheduled || k == TriggerBatchFollowUp
}

// Config is the durable configuration of one conversation.
type Config struct {
	ID          string     `json:"id" yaml:"id"`
	Persona     Persona    `json:"persona" yaml:"persona"`
	Model       string     `json:"model,omitempty" yaml:"model"`
	Temperature float64    `json:"temperature,omitempty" yaml:"temperature"`
	Background  Background `json:"background" yaml:"background"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
}

// Persona is the identity the assistant speaks as, plus everything the
// context assembler injects around it.
type Persona struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	UserName    string          `json:"user_name,omitempty" yaml:"user_name"`
	StylePreset []StyleFragment `json:"style_preset,omitempty" yaml:"style_preset"`
	World       []WorldEntry    `json:"world,omitempty" yaml:"world"`
	Memory      []MemoryGroup   `json:"memory,omitempty" yaml:"memory"`
	Situational Situational     `json:"situational" yaml:"situational"`
}

// StyleFragment is one instruction in a style preset. Disabled
// fragments stay in the list so the user can toggle them back on.
type StyleFragment struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// WorldEntry is a keyword-triggered piece of world knowledge.
type WorldEntry struct {
	Name     string   `json:"name,omitempty" yaml:"name"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Content  string   `json:"content" yaml:"content"`
}

// MemoryGroup is a titled set of facts that is always injected.
type MemoryGroup struct {
	Title string   `json:"title" yaml:"title"`
	Items []string `json:"items" yaml:"items"`
}

// Situational toggles the transient facts computed at assembly time.
type Situational struct {
	TimeOfDay bool     `json:"time_of_day" yaml:"time_of_day"`
	Cycle     *Cycle   `json:"cycle,omitempty" yaml:"cycle"`
	Weather   *GeoSpot `json:"weather,omitempty" yaml:"weather"`
}

// Cycle describes a recurring period the persona keeps track of.
// LastStart is a calendar date in "2006-01-02" form.
type Cycle struct {
	LastStart string `json:"last_start" yaml:"last_start"`
	Duration  int    `json:"duration" yaml:"duration"`
	Length    int    `json:"length" yaml:"length"`
}

// GeoSpot locates the user for weather lookups.
type GeoSpot struct {
	Label     string  `json:"label,omitempty" yaml:"label"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Background configures autonomous messaging for a conversation.
// Clock values use 24-hour "HH:MM" form.
type Background struct {
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	IdleMinMinutes int             `json:"idle_min_minutes" yaml:"idle_min_minutes"`
	IdleMaxMinutes int             `json:"idle_max_minutes" yaml:"idle_max_minutes"`
	QuietStart     string          `json:"quiet_start,omitempty" yaml:"quiet_start"`
	QuietEnd       string          `json:"quiet_end,omitempty" yaml:"quiet_end"`
	Batch          Batch           `json:"batch" yaml:"batch"`
	Schedule       []ScheduleEntry `json:"schedule,omitempty" yaml:"schedule"`
}

// Batch configures the short follow-up burst after an idle message.
type Batch struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	CountMin        int  `json:"count_min" yaml:"count_min"`
	CountMax        int  `json:"count_max" yaml:"count_max"`
	DelayMinMinutes int  `json:"delay_min_minutes" yaml:"delay_min_minutes"`
	DelayMaxMinutes int  `json:"delay_max_minutes" yaml:"delay_max_minutes"`
}

// Recurrence controls whether a schedule entry repeats.
type Recurrence string

const (
	RecurOnce  Recurrence = "once"
	RecurDaily Recurrence = "daily"
)

// ScheduleEntry is a calendar-scheduled autonomous message. A once
// entry fires a single time; the scheduler tracks that in Bookkeeping,
// so a spent entry keeps its Enabled flag.
type ScheduleEntry struct {
	ID         string     `json:"id" yaml:"id"`
	Label      string     `json:"label,omitempty" yaml:"label"`
	At         string     `json:"at" yaml:"at"`
	Recurrence Recurrence `json:"recurrence" yaml:"recurrence"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	// Hint is passed to the model as the reason for the message
	// (e.g. "good morning check-in").
	Hint string `json:"hint,omitempty" yaml:"hint"`
}

// Bookkeeping is the scheduler's persisted per-conversation state.
type Bookkeeping struct {
	NextIdleAt *time.Time `json:"next_idle_at,omitempty"`
	// FiredOn maps schedule entry ID to the local date ("2006-01-02")
	// it last fired.
	FiredOn  map[string]string `json:"fired_on,omitempty"`
	FollowUp *FollowUp         `json:"follow_up,omitempty"`
	// IdleFiredAt marks an idle generation whose follow-up has not been
	// decided yet. A user message clears it.
	IdleFiredAt *time.Time `json:"idle_fired_at,omitempty"`
}

// FollowUp is a pending batch follow-up generation.
type FollowUp struct {
	DueAt time.Time `json:"due_at"`
	Count int       `json:"count"`
}
