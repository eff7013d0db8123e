package scheduler

import (
	"fmt"
	"math"
	"time"

	"github.com/nugget/companion/internal/conversation"
)

// Fallbacks for missing or nonsensical background configuration.
const (
	DefaultIdleMin       = 30 * time.Minute
	DefaultIdleMax       = 120 * time.Minute
	DefaultFollowUpMin   = 1 * time.Minute
	DefaultFollowUpMax   = 5 * time.Minute
	DefaultFollowUpCount = 1
)

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return h*60 + m, nil
}

// InQuietHours reports whether now falls inside the do-not-disturb
// window [start, end). Windows where start > end wrap past midnight
// (23:00–07:00 covers 00:30). An empty, invalid, or zero-length window
// is never quiet.
func InQuietHours(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return false
	}
	s, err := ParseClock(start)
	if err != nil {
		return false
	}
	e, err := ParseClock(end)
	if err != nil {
		return false
	}
	m := now.Hour()*60 + now.Minute()

	switch {
	case s == e:
		return false
	case s < e:
		return m >= s && m < e
	default:
		return m >= s || m < e
	}
}

// IdleRange returns the idle interval bounds, falling back to the
// defaults when either bound is non-positive or min exceeds max.
func IdleRange(bg conversation.Background) (time.Duration, time.Duration) {
	lo, hi := bg.IdleMinMinutes, bg.IdleMaxMinutes
	if lo <= 0 || hi <= 0 || lo > hi {
		return DefaultIdleMin, DefaultIdleMax
	}
	return time.Duration(lo) * time.Minute, time.Duration(hi) * time.Minute
}

// FollowUpDelayRange returns the batch delay bounds with the same
// fallback rules as IdleRange. A zero minimum is allowed.
func FollowUpDelayRange(b conversation.Batch) (time.Duration, time.Duration) {
	lo, hi := b.DelayMinMinutes, b.DelayMaxMinutes
	if lo < 0 || hi <= 0 || lo > hi {
		return DefaultFollowUpMin, DefaultFollowUpMax
	}
	return time.Duration(lo) * time.Minute, time.Duration(hi) * time.Minute
}

// FollowUpCountRange returns the batch count bounds; counts are at
// least 1.
func FollowUpCountRange(b conversation.Batch) (int, int) {
	lo, hi := b.CountMin, b.CountMax
	if lo < 1 {
		lo = DefaultFollowUpCount
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// uniformDuration draws from [lo, hi].
func uniformDuration(r RandSource, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.Float64()*float64(hi-lo))
}

// uniformInt draws an integer from [lo, hi].
func uniformInt(r RandSource, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	n := lo + int(math.Floor(r.Float64()*float64(hi-lo+1)))
	return min(n, hi)
}
