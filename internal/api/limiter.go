package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per conversation for generation
// endpoints. A nil set allows everything.
type limiterSet struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	byID  map[string]*rate.Limiter
}

func newLimiterSet(perMinute, burst int) *limiterSet {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		every: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		byID:  make(map[string]*rate.Limiter),
	}
}

func (l *limiterSet) allow(id string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byID[id]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.byID[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// limited rejects generation requests over the per-conversation rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(r.PathValue("id")) {
			w.Header().Set("Retry-After", "60")
			s.errorResponse(w, http.StatusTooManyRequests, "too many generation requests")
			return
		}
		next(w, r)
	}
}
