// Package scheduler runs the background sweep that starts autonomous
// generations: calendar-scheduled messages, idle check-ins after a
// quiet period, and short follow-up bursts after an idle message.
//
// The sweep only decides when to generate. Admission, generation, and
// persistence belong to the engine, reached through [Generator].
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/events"
)

// DefaultSweepInterval is how often conversations are inspected.
const DefaultSweepInterval = 5 * time.Second

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	// Float64 returns a pseudo-random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Request asks the engine for one autonomous generation.
type Request struct {
	ConversationID string
	Trigger        conversation.TriggerKind
	// Hint is the schedule entry's reason (scheduled only).
	Hint string
	// Count is the number of messages requested (batch follow-up only).
	Count int
}

// Generator runs an autonomous generation. admitted is false when the
// conversation already had a generation in flight.
type Generator interface {
	Generate(ctx context.Context, req Request) (admitted bool, err error)
}

// GeneratorFunc adapts a function to [Generator].
type GeneratorFunc func(ctx context.Context, req Request) (bool, error)

// Generate implements [Generator].
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// ConfigStore reads conversation configuration. The sweep never writes
// it.
type ConfigStore interface {
	ListConversations(ctx context.Context) ([]string, error)
	Config(ctx context.Context, id string) (*conversation.Config, error)
}

// Config holds the parsed scheduler settings.
type Config struct {
	SweepInterval time.Duration
	// Location is the time zone for schedule entries and quiet hours.
	Location *time.Location
}

// Deps holds injected dependencies.
type Deps struct {
	Store      ConfigStore
	State      *State
	Generator  Generator
	Bus        *events.Bus
	Logger     *slog.Logger
	RandSource RandSource       // nil uses math/rand/v2
	Now        func() time.Time // nil uses time.Now
}

// Scheduler is the background sweep. Create with [New], run with
// [Scheduler.Start], stop with [Scheduler.Stop].
type Scheduler struct {
	config Config
	deps   Deps

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// inflight tracks dispatched generations so Stop can wait for them.
	inflight sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RandSource == nil {
		deps.RandSource = defaultRand{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{config: cfg, deps: deps}
}

// Start launches the sweep goroutine. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.deps.Store == nil || s.deps.State == nil || s.deps.Generator == nil {
		return errors.New("scheduler: store, state, and generator are required")
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx)
	return nil
}

// Stop cancels the sweep and any generations it dispatched, then waits
// for them to finish. Safe to call multiple times or before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.inflight.Wait()

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.deps.Logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	s.deps.Logger.Info("scheduler started",
		"sweep_interval", s.config.SweepInterval,
		"location", s.config.Location.String(),
	)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass and waits for every generation it
// dispatched to finish.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	var wg sync.WaitGroup
	s.sweepWith(ctx, &wg)
	wg.Wait()
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.sweepWith(ctx, nil)
}

func (s *Scheduler) sweepWith(ctx context.Context, wg *sync.WaitGroup) {
	ids, err := s.deps.Store.ListConversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.deps.Logger.Warn("sweep: list conversations failed", "error", err)
		}
		return
	}

	now := s.deps.Now().In(s.config.Location)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.sweepConversation(ctx, id, now, wg)
	}
}

// sweepConversation inspects one conversation. A panic or error here is
// logged and contained so other conversations are still swept.
func (s *Scheduler) sweepConversation(ctx context.Context, id string, now time.Time, wg *sync.WaitGroup) {
	logger := s.deps.Logger.With("conversation_id", id)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sweep: conversation panicked", "panic", fmt.Sprint(r))
		}
	}()

	cfg, err := s.deps.Store.Config(ctx, id)
	if err != nil {
		logger.Warn("sweep: load config failed", "error", err)
		return
	}

	if err := s.checkSchedule(ctx, cfg, now, wg); err != nil {
		logger.Warn("sweep: schedule check failed", "error", err)
	}
	if err := s.checkFollowUp(ctx, cfg, now, wg); err != nil {
		logger.Warn("sweep: follow-up check failed", "error", err)
	}
	if err := s.checkIdle(ctx, cfg, now, wg); err != nil {
		logger.Warn("sweep: idle check failed", "error", err)
	}
}

// checkSchedule fires enabled entries whose clock time is now and which
// have not fired today. A once entry is spent after its first firing.
// The fired marker is written before generating so a failed generation
// does not re-fire on the next tick. The config itself is never written
// back, so concurrent edits are not lost.
func (s *Scheduler) checkSchedule(ctx context.Context, cfg *conversation.Config, now time.Time, wg *sync.WaitGroup) error {
	today := now.Format("2006-01-02")
	minute := now.Hour()*60 + now.Minute()

	for _, e := range cfg.Background.Schedule {
		if !e.Enabled {
			continue
		}
		at, err := ParseClock(e.At)
		if err != nil || at != minute {
			continue
		}

		var fire bool
		err = s.deps.State.Update(ctx, cfg.ID, func(bk *conversation.Bookkeeping) bool {
			last := bk.FiredOn[e.ID]
			if last == today || (e.Recurrence == conversation.RecurOnce && last != "") {
				return false
			}
			if bk.FiredOn == nil {
				bk.FiredOn = make(map[string]string)
			}
			bk.FiredOn[e.ID] = today
			fire = true
			return true
		})
		if err != nil {
			return err
		}
		if !fire {
			continue
		}

		hint := e.Hint
		if hint == "" {
			hint = e.Label
		}
		s.dispatch(ctx, Request{ConversationID: cfg.ID, Trigger: conversation.TriggerScheduled, Hint: hint}, e.ID, wg, nil)
	}
	return nil
}

// checkFollowUp fires a due batch follow-up. Follow-ups that come due
// inside quiet hours are dropped.
func (s *Scheduler) checkFollowUp(ctx context.Context, cfg *conversation.Config, now time.Time, wg *sync.WaitGroup) error {
	quiet := InQuietHours(now, cfg.Background.QuietStart, cfg.Background.QuietEnd)

	var count int
	var fire bool
	err := s.deps.State.Update(ctx, cfg.ID, func(bk *conversation.Bookkeeping) bool {
		if bk.FollowUp == nil || now.Before(bk.FollowUp.DueAt) {
			return false
		}
		count = bk.FollowUp.Count
		bk.FollowUp = nil
		fire = !quiet
		return true
	})
	if err != nil || !fire {
		return err
	}

	s.dispatch(ctx, Request{ConversationID: cfg.ID, Trigger: conversation.TriggerBatchFollowUp, Count: count}, "", wg, nil)
	return nil
}

// checkIdle arms the idle timer lazily and fires it once elapsed.
func (s *Scheduler) checkIdle(ctx context.Context, cfg *conversation.Config, now time.Time, wg *sync.WaitGroup) error {
	bg := cfg.Background
	if !bg.Enabled || InQuietHours(now, bg.QuietStart, bg.QuietEnd) {
		return nil
	}

	var fire bool
	err := s.deps.State.Update(ctx, cfg.ID, func(bk *conversation.Bookkeeping) bool {
		if bk.NextIdleAt == nil {
			lo, hi := IdleRange(bg)
			next := now.Add(uniformDuration(s.deps.RandSource, lo, hi))
			bk.NextIdleAt = &next
			s.deps.Logger.Debug("idle timer armed", "conversation_id", cfg.ID, "next", next)
			return true
		}
		if now.Before(*bk.NextIdleAt) {
			return false
		}
		bk.NextIdleAt = nil
		if bg.Batch.Enabled {
			fired := now
			bk.IdleFiredAt = &fired
		}
		fire = true
		return true
	})
	if err != nil || !fire {
		return err
	}

	s.dispatch(ctx, Request{ConversationID: cfg.ID, Trigger: conversation.TriggerIdle}, "", wg, func(admitted bool, genErr error) {
		if !bg.Batch.Enabled {
			return
		}
		if !admitted || genErr != nil {
			if err := s.deps.State.DropIdleMarker(ctx, cfg.ID); err != nil {
				s.deps.Logger.Warn("drop idle marker failed", "conversation_id", cfg.ID, "error", err)
			}
			return
		}
		s.armFollowUp(ctx, cfg.ID, bg.Batch)
	})
	return nil
}

// armFollowUp schedules the follow-up of a successful idle generation
// unless the user has spoken since the idle trigger fired.
func (s *Scheduler) armFollowUp(ctx context.Context, id string, b conversation.Batch) {
	lo, hi := FollowUpDelayRange(b)
	cmin, cmax := FollowUpCountRange(b)
	due := s.deps.Now().Add(uniformDuration(s.deps.RandSource, lo, hi))
	count := uniformInt(s.deps.RandSource, cmin, cmax)

	armed, err := s.deps.State.ArmIdleFollowUp(ctx, id, due, count)
	if err != nil {
		s.deps.Logger.Warn("arm follow-up failed", "conversation_id", id, "error", err)
		return
	}
	if !armed {
		s.deps.Logger.Debug("follow-up skipped, user replied", "conversation_id", id)
		return
	}
	s.deps.Logger.Debug("follow-up armed", "conversation_id", id, "due", due, "count", count)
}

// dispatch runs a generation on its own goroutine so one slow
// conversation does not delay the sweep. after, if set, runs on the
// same goroutine with the outcome.
func (s *Scheduler) dispatch(ctx context.Context, req Request, entryID string, wg *sync.WaitGroup, after func(bool, error)) {
	data := map[string]any{
		"conversation_id": req.ConversationID,
		"trigger":         string(req.Trigger),
	}
	if entryID != "" {
		data["entry_id"] = entryID
	}
	s.deps.Bus.Emit(events.SourceScheduler, events.KindTriggerFired, data)
	s.deps.Logger.Info("autonomous trigger fired",
		"conversation_id", req.ConversationID,
		"trigger", req.Trigger,
	)

	s.inflight.Add(1)
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer s.inflight.Done()
		if wg != nil {
			defer wg.Done()
		}

		admitted, err := s.deps.Generator.Generate(ctx, req)
		if err != nil {
			s.deps.Logger.Warn("autonomous generation failed",
				"conversation_id", req.ConversationID,
				"trigger", req.Trigger,
				"error", err,
			)
		}
		if after != nil {
			after(admitted, err)
		}
	}()
}
