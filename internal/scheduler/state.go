package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/companion/internal/conversation"
)

// BookkeepingStore persists per-conversation scheduler bookkeeping.
type BookkeepingStore interface {
	Bookkeeping(ctx context.Context, id string) (conversation.Bookkeeping, error)
	PutBookkeeping(ctx context.Context, id string, bk conversation.Bookkeeping) error
}

// State is the scheduler's bookkeeping for every conversation: the next
// idle trigger, per-entry fired dates, and any pending follow-up. The
// orchestration engine owns it and shares it with the sweep; all
// mutations go through Update so the engine and the sweep never lose
// each other's writes.
type State struct {
	store  BookkeepingStore
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*conversation.Bookkeeping
}

// NewState creates a state backed by store.
func NewState(store BookkeepingStore, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		store:  store,
		logger: logger,
		cache:  make(map[string]*conversation.Bookkeeping),
	}
}

// load returns the cached bookkeeping for id. Caller holds s.mu.
func (s *State) load(ctx context.Context, id string) (*conversation.Bookkeeping, error) {
	if bk, ok := s.cache[id]; ok {
		return bk, nil
	}
	bk, err := s.store.Bookkeeping(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bookkeeping: %w", err)
	}
	s.cache[id] = &bk
	return &bk, nil
}

// Snapshot returns a copy of id's bookkeeping.
func (s *State) Snapshot(ctx context.Context, id string) (conversation.Bookkeeping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk, err := s.load(ctx, id)
	if err != nil {
		return conversation.Bookkeeping{}, err
	}
	return clone(*bk), nil
}

// Update applies fn to id's bookkeeping and persists the result when fn
// reports a change. On a persist failure the cached entry is dropped so
// the next access reloads from the store.
func (s *State) Update(ctx context.Context, id string, fn func(bk *conversation.Bookkeeping) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bk, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !fn(bk) {
		return nil
	}
	if err := s.store.PutBookkeeping(ctx, id, *bk); err != nil {
		delete(s.cache, id)
		return fmt.Errorf("save bookkeeping: %w", err)
	}
	return nil
}

// ClearPending cancels the conversation's scheduled idle trigger, any
// pending follow-up, and the follow-up an in-flight idle generation
// would arm. The engine calls it whenever the user speaks; the next
// sweep arms a fresh idle timer from that moment.
func (s *State) ClearPending(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(bk *conversation.Bookkeeping) bool {
		if bk.NextIdleAt == nil && bk.FollowUp == nil && bk.IdleFiredAt == nil {
			return false
		}
		bk.NextIdleAt = nil
		bk.FollowUp = nil
		bk.IdleFiredAt = nil
		return true
	})
}

// ArmIdleFollowUp consumes the idle-fired marker and, when it was still
// set, schedules a batch follow-up. It reports false when the user spoke
// after the idle trigger fired.
func (s *State) ArmIdleFollowUp(ctx context.Context, id string, due time.Time, count int) (bool, error) {
	var armed bool
	err := s.Update(ctx, id, func(bk *conversation.Bookkeeping) bool {
		if bk.IdleFiredAt == nil {
			return false
		}
		bk.IdleFiredAt = nil
		bk.FollowUp = &conversation.FollowUp{DueAt: due, Count: count}
		armed = true
		return true
	})
	return armed, err
}

// DropIdleMarker forgets the idle-fired marker without arming anything.
func (s *State) DropIdleMarker(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(bk *conversation.Bookkeeping) bool {
		if bk.IdleFiredAt == nil {
			return false
		}
		bk.IdleFiredAt = nil
		return true
	})
}

func clone(bk conversation.Bookkeeping) conversation.Bookkeeping {
	out := bk
	if bk.NextIdleAt != nil {
		t := *bk.NextIdleAt
		out.NextIdleAt = &t
	}
	if bk.FollowUp != nil {
		f := *bk.FollowUp
		out.FollowUp = &f
	}
	if bk.IdleFiredAt != nil {
		t := *bk.IdleFiredAt
		out.IdleFiredAt = &t
	}
	if bk.FiredOn != nil {
		out.FiredOn = make(map[string]string, len(bk.FiredOn))
		for k, v := range bk.FiredOn {
			out.FiredOn[k] = v
		}
	}
	return out
}
