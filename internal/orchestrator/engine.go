// Package orchestrator is the conversation engine's public entry point.
// It decides when a generation may start, builds its instructions,
// streams and decodes the completion, and persists the resulting
// bubbles in one batch.
//
// Every generation path (user reply, regenerate, continue, and the
// autonomous triggers issued by the background scheduler) goes through
// the same admission gate, so at most one generation is in flight per
// conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/convstate"
	"github.com/nugget/companion/internal/decoder"
	"github.com/nugget/companion/internal/events"
	"github.com/nugget/companion/internal/llm"
	"github.com/nugget/companion/internal/scheduler"
)

// DefaultGenerationTimeout bounds one completion stream read.
const DefaultGenerationTimeout = 2 * time.Minute

var (
	// ErrNotConfigured means no model or completion provider is set.
	ErrNotConfigured = errors.New("no completion model configured")

	// ErrMessageNotFound is returned by Regenerate for an unknown target.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyResponse means the model produced no usable bubbles.
	ErrEmptyResponse = errors.New("model returned an empty response")

	// ErrUnknownTrigger is returned by Trigger for an invalid kind.
	ErrUnknownTrigger = errors.New("unknown trigger kind")
)

// Store is the engine's view of the ContextStore.
type Store interface {
	scheduler.ConfigStore
	scheduler.BookkeepingStore
	Messages(ctx context.Context, id string) ([]conversation.Message, error)
	PutMessages(ctx context.Context, id string, log []conversation.Message) error
	AppendMessages(ctx context.Context, id string, msgs ...conversation.Message) error
}

// WeatherSource supplies a short current-conditions summary.
type WeatherSource interface {
	Current(ctx context.Context, latitude, longitude float64) (string, error)
}

// Config holds parsed engine settings.
type Config struct {
	DefaultModel       string
	DefaultTemperature float64
	GenerationTimeout  time.Duration
	BubbleStagger      time.Duration

	SchedulerEnabled bool
	Scheduler        scheduler.Config
}

// Deps holds injected dependencies.
type Deps struct {
	Store     Store
	Completer llm.Completer // nil makes every generation fail with ErrNotConfigured
	Weather   WeatherSource // optional
	Bus       *events.Bus   // optional
	Logger    *slog.Logger

	// RandSource and Now are passed to the scheduler; Now also stamps
	// messages. nil uses the defaults.
	RandSource scheduler.RandSource
	Now        func() time.Time
}

// Engine orchestrates generations for every conversation. Create with
// [New]; call [Engine.Init] to start background activity and
// [Engine.Shutdown] to stop it.
type Engine struct {
	config  Config
	deps    Deps
	logger  *slog.Logger
	tracker *convstate.Tracker
	state   *scheduler.State
	sched   *scheduler.Scheduler

	// life bounds every generation; Shutdown cancels it. Callers'
	// contexts never do.
	life     context.Context
	stopLife context.CancelFunc
}

// New creates an engine. The scheduler state is created here and owned
// by the engine for its whole lifetime.
func New(cfg Config, deps Deps) *Engine {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	if cfg.BubbleStagger <= 0 {
		cfg.BubbleStagger = decoder.DefaultStagger
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := &Engine{
		config:  cfg,
		deps:    deps,
		logger:  deps.Logger,
		tracker: convstate.NewTracker(deps.Bus, deps.Logger),
		state:   scheduler.NewState(deps.Store, deps.Logger),
	}
	e.life, e.stopLife = context.WithCancel(context.Background())
	e.sched = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Store:      deps.Store,
		State:      e.state,
		Generator:  e,
		Bus:        deps.Bus,
		Logger:     deps.Logger.With("component", "scheduler"),
		RandSource: deps.RandSource,
		Now:        deps.Now,
	})
	return e
}

// Init starts the background scheduler when enabled.
func (e *Engine) Init(ctx context.Context) error {
	if !e.config.SchedulerEnabled {
		e.logger.Info("background scheduler disabled")
		return nil
	}
	return e.sched.Start(ctx)
}

// Shutdown cancels in-flight generations, then stops the scheduler and
// waits for its generations.
func (e *Engine) Shutdown() {
	e.stopLife()
	e.sched.Stop()
}

// Scheduler exposes the sweep, mainly so callers can run a single pass.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Outcome describes one generation attempt.
type Outcome struct {
	// Admitted is false when another generation was already in flight
	// for the conversation. Nothing else happened in that case.
	Admitted  bool                   `json:"admitted"`
	RequestID string                 `json:"request_id,omitempty"`
	Messages  []conversation.Message `json:"messages,omitempty"`
}

// TriggerOptions carries per-trigger details into the instructions.
type TriggerOptions struct {
	Hint  string
	Count int
}

// PostMessage appends a user message without generating a reply. The
// user speaking always cancels a pending autonomous trigger.
func (e *Engine) PostMessage(ctx context.Context, id, content string, typ conversation.MessageType) (conversation.Message, error) {
	if _, err := e.deps.Store.Config(ctx, id); err != nil {
		return conversation.Message{}, err
	}
	if typ == "" {
		typ = conversation.TypeText
	}

	msg := conversation.NewMessage(conversation.RoleUser, typ, content, e.deps.Now())
	if err := e.deps.Store.AppendMessages(ctx, id, msg); err != nil {
		return conversation.Message{}, fmt.Errorf("append user message: %w", err)
	}
	if err := e.state.ClearPending(ctx, id); err != nil {
		e.logger.Warn("clear pending triggers failed", "conversation_id", id, "error", err)
	}

	e.notifyUpdated(id, 1)
	return msg, nil
}

// RequestReply generates a reply to the current history.
func (e *Engine) RequestReply(ctx context.Context, id string) (Outcome, error) {
	k, ok := e.tracker.Acquire(id, conversation.TriggerReply)
	if !ok {
		return Outcome{}, nil
	}
	defer k.Release()

	if err := e.state.ClearPending(ctx, id); err != nil {
		e.logger.Warn("clear pending triggers failed", "conversation_id", id, "error", err)
	}
	return e.execute(ctx, k, nil, TriggerOptions{})
}

// Regenerate rewinds history to the user message the target answered
// and generates a fresh reply. The save-point is just after the nearest
// user message at or before the target, or just before the target when
// there is none.
func (e *Engine) Regenerate(ctx context.Context, id, targetID string) (Outcome, error) {
	k, ok := e.tracker.Acquire(id, conversation.TriggerReply)
	if !ok {
		return Outcome{}, nil
	}
	defer k.Release()
	ctx, cancel := e.detach(ctx)
	defer cancel()

	log, err := e.deps.Store.Messages(ctx, id)
	if err != nil {
		return e.regenerateFailed(ctx, id, fmt.Errorf("load history: %w", err))
	}
	idx := conversation.IndexOf(log, targetID)
	if idx < 0 {
		return Outcome{Admitted: true}, fmt.Errorf("%w: %s", ErrMessageNotFound, targetID)
	}

	cut := SavePoint(log, idx)
	truncated := log[:cut:cut]
	if err := e.deps.Store.PutMessages(ctx, id, truncated); err != nil {
		return e.regenerateFailed(ctx, id, fmt.Errorf("truncate history: %w", err))
	}
	e.logger.Info("history truncated for regenerate",
		"conversation_id", id,
		"target", targetID,
		"removed", len(log)-cut,
	)
	e.notifyUpdated(id, 0)

	return e.execute(ctx, k, truncated, TriggerOptions{})
}

// regenerateFailed records a failure that happened before generation
// started. An unknown target is a bad request and is not recorded.
func (e *Engine) regenerateFailed(ctx context.Context, id string, err error) (Outcome, error) {
	e.logger.Warn("regenerate failed", "conversation_id", id, "error", err)
	e.appendFailure(ctx, id, err)
	return Outcome{Admitted: true}, err
}

// SavePoint returns the log length to keep when regenerating the
// message at idx.
func SavePoint(log []conversation.Message, idx int) int {
	for i := idx; i >= 0; i-- {
		if log[i].Role == conversation.RoleUser {
			return i + 1
		}
	}
	return idx
}

// Continue asks the persona to keep going from its last message.
func (e *Engine) Continue(ctx context.Context, id string) (Outcome, error) {
	return e.Trigger(ctx, id, conversation.TriggerContinue, TriggerOptions{})
}

// Trigger starts a generation of any kind. The scheduler reaches the
// engine through here.
func (e *Engine) Trigger(ctx context.Context, id string, kind conversation.TriggerKind, opts TriggerOptions) (Outcome, error) {
	if !kind.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, kind)
	}
	k, ok := e.tracker.Acquire(id, kind)
	if !ok {
		return Outcome{}, nil
	}
	defer k.Release()
	return e.execute(ctx, k, nil, opts)
}

// Generate implements [scheduler.Generator].
func (e *Engine) Generate(ctx context.Context, req scheduler.Request) (bool, error) {
	out, err := e.Trigger(ctx, req.ConversationID, req.Trigger, TriggerOptions{Hint: req.Hint, Count: req.Count})
	return out.Admitted, err
}

// State returns the conversation's current generation state.
func (e *Engine) State(id string) convstate.State {
	return e.tracker.State(id)
}

// Status is a conversation's state plus its pending autonomous
// triggers.
type Status struct {
	State      convstate.State        `json:"state"`
	NextIdleAt *time.Time             `json:"next_idle_at,omitempty"`
	FollowUp   *conversation.FollowUp `json:"follow_up,omitempty"`
	FiredOn    map[string]string      `json:"fired_on,omitempty"`
}

// Status reports id's state and scheduler bookkeeping.
func (e *Engine) Status(ctx context.Context, id string) (Status, error) {
	bk, err := e.state.Snapshot(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:      e.tracker.State(id),
		NextIdleAt: bk.NextIdleAt,
		FollowUp:   bk.FollowUp,
		FiredOn:    bk.FiredOn,
	}, nil
}

func (e *Engine) notifyUpdated(id string, added int) {
	e.deps.Bus.Emit(events.SourceEngine, events.KindConversationUpdated, map[string]any{
		"conversation_id": id,
		"messages":        added,
	})
}
