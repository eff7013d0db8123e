// Package connwatch tracks whether the completion providers are
// reachable. Each watched provider is checked with exponential backoff
// at startup and then polled on a fixed interval; transitions between
// reachable and unreachable are reported through a callback.
//
// This sits above httpkit's connect retry: httpkit absorbs sub-second
// dial failures on a single request, connwatch reports outages that
// last minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CheckFunc checks a provider. nil means healthy.
type CheckFunc func(ctx context.Context) error

// Backoff controls check timing.
type Backoff struct {
	Initial      time.Duration // first startup retry delay
	Max          time.Duration // startup delay ceiling
	Attempts     int           // startup checks before falling back to polling
	PollInterval time.Duration
	CheckTimeout time.Duration
}

// DefaultBackoff checks at 2s, 4s, 8s... up to 60s for eight attempts,
// then every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          time.Minute,
		Attempts:     8,
		PollInterval: time.Minute,
		CheckTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.CheckTimeout <= 0 {
		b.CheckTimeout = d.CheckTimeout
	}
	return b
}

// Status is one provider's health, as reported by the health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// ChangeFunc is called on every ready/unreachable transition, including
// the first successful check. It runs on the watcher goroutine and must
// not block.
type ChangeFunc func(name string, ready bool, err error)

type watcher struct {
	name  string
	check CheckFunc

	mu     sync.Mutex
	status Status
}

// Monitor runs one watcher goroutine per provider.
type Monitor struct {
	backoff  Backoff
	onChange ChangeFunc
	logger   *slog.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
}

// New creates a monitor. onChange may be nil.
func New(ctx context.Context, b Backoff, onChange ChangeFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Monitor{
		backoff:  b.withDefaults(),
		onChange: onChange,
		logger:   logger,
		watchers: make(map[string]*watcher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts probing a provider. Watching an already watched name is
// a no-op.
func (m *Monitor) Watch(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok {
		return
	}
	w := &watcher{name: name, check: check, status: Status{Name: name}}
	m.watchers[name] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx, w)
	}()
}

// Status reports every watched provider, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched provider is reachable. A monitor
// with nothing to watch is ready.
func (m *Monitor) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels all watchers and waits for them to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, w *watcher) {
	delay := m.backoff.Initial
	for attempt := 1; attempt <= m.backoff.Attempts; attempt++ {
		if m.check(ctx, w) == nil {
			break
		}
		if attempt == m.backoff.Attempts {
			m.logger.Info("provider still unreachable, polling", "provider", w.name, "attempts", attempt)
			break
		}
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, m.backoff.Max)
	}

	ticker := time.NewTicker(m.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, w)
		}
	}
}

// check runs the health check once, records the result, and reports a transition.
func (m *Monitor) check(ctx context.Context, w *watcher) error {
	pctx, cancel := context.WithTimeout(ctx, m.backoff.CheckTimeout)
	err := w.check(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	first := w.status.LastCheck.IsZero()
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	changed := wasReady != (err == nil) || (first && err == nil)
	if !changed {
		if err != nil {
			m.logger.Debug("provider check failed", "provider", w.name, "error", err)
		}
		return err
	}
	if err == nil {
		m.logger.Info("provider reachable", "provider", w.name)
	} else {
		m.logger.Warn("provider unreachable", "provider", w.name, "error", err)
	}
	if m.onChange != nil {
		m.onChange(w.name, err == nil, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
