package assembler

import (
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/prompts"
)

// anticipationDays is how many days before a cycle restarts the
// anticipatory note is shown.
const anticipationDays = 2

// CyclePhase is where today falls in a tracked cycle.
type CyclePhase int

const (
	CycleNone CyclePhase = iota
	CycleInPeriod
	CycleAnticipating
)

// CyclePosition computes the phase for today. For CycleInPeriod, n is
// the 1-indexed day of the period. For CycleAnticipating, n is the
// number of days until the next start. Configurations with a
// non-positive length or duration, a duration that fills the whole
// cycle, an unparseable start, or a start after today yield CycleNone.
func CyclePosition(c conversation.Cycle, today time.Time) (phase CyclePhase, n int) {
	if c.Length <= 0 || c.Duration <= 0 || c.Duration >= c.Length {
		return CycleNone, 0
	}
	start, err := time.ParseInLocation("2006-01-02", c.LastStart, today.Location())
	if err != nil {
		return CycleNone, 0
	}

	elapsed := daysBetween(start, today)
	if elapsed < 0 {
		return CycleNone, 0
	}

	pos := elapsed % c.Length
	switch {
	case pos < c.Duration:
		return CycleInPeriod, pos + 1
	case pos >= c.Length-anticipationDays:
		return CycleAnticipating, c.Length - pos
	}
	return CycleNone, 0
}

// CycleNote renders the single active cycle note, or "".
func CycleNote(c conversation.Cycle, userName string, today time.Time) string {
	phase, n := CyclePosition(c, today)
	switch phase {
	case CycleInPeriod:
		return prompts.CycleInPeriodNote(userName, n, c.Duration)
	case CycleAnticipating:
		return prompts.CycleAnticipationNote(userName, n)
	}
	return ""
}

// daysBetween counts calendar days from a to b, ignoring clock time and
// DST shifts.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
