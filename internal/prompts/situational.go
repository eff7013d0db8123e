package prompts

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDayNote describes the local time so the persona can greet
// appropriately.
func TimeOfDayNote(now time.Time) string {
	return fmt.Sprintf("It is %s, %s (%s).",
		now.Format("Monday"), now.Format("15:04"), PartOfDay(now.Hour()))
}

// PartOfDay names the period containing hour (0-23).
func PartOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// CycleInPeriodNote is injected while the tracked period is active.
// day is 1-indexed.
func CycleInPeriodNote(userName string, day, duration int) string {
	return fmt.Sprintf("%s is on day %d of %d of their period. Be a little more caring than usual, "+
		"without making it the topic unless they bring it up.", nameOr(userName), day, duration)
}

// CycleAnticipationNote is injected in the days before the next period.
func CycleAnticipationNote(userName string, daysUntil int) string {
	when := "tomorrow"
	if daysUntil > 1 {
		when = fmt.Sprintf("in %d days", daysUntil)
	}
	return fmt.Sprintf("%s's period is likely to start %s. They may be tired or moody; be gentle.",
		nameOr(userName), when)
}

// WeatherNote reports current conditions at the user's location.
func WeatherNote(label, summary string) string {
	if label == "" {
		return fmt.Sprintf("Current weather where they are: %s.", summary)
	}
	return fmt.Sprintf("Current weather in %s: %s.", label, summary)
}

func nameOr(userName string) string {
	if n := strings.TrimSpace(userName); n != "" {
		return n
	}
	return "The user"
}
