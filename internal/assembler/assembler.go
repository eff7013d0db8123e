// Package assembler builds the system instructions for one generation.
//
// Assemble is a pure function: everything it needs, including the
// current time and any pre-fetched weather summary, arrives in Input.
// Sections are rendered independently and joined with blank lines;
// empty sections are dropped.
package assembler

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/prompts"
)

// Input is everything one assembly needs.
type Input struct {
	Persona conversation.Persona
	Trigger conversation.TriggerKind

	// CurrentInput is the text of the user's latest turn. World
	// knowledge is matched against this only, never the full history.
	CurrentInput string

	Now time.Time

	// Weather is a short conditions summary, or "" to omit.
	Weather string

	// Hint is the schedule entry's reason for scheduled triggers.
	Hint string

	// FollowUpCount is the number of messages requested by a batch
	// follow-up.
	FollowUpCount int
}

type section func(Input) string

var sections = []section{
	identity,
	stylePreset,
	worldKnowledge,
	memory,
	situational,
	trigger,
	func(Input) string { return prompts.DelimiterRule() },
	func(Input) string { return prompts.DirectiveFormat() },
}

// Assemble returns the full instruction text. A persona without a
// description still assembles; the identity section is simply empty.
func Assemble(in Input) string {
	var parts []string
	for _, s := range sections {
		if text := strings.TrimSpace(s(in)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func identity(in Input) string {
	p := in.Persona
	var sb strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&sb, "You are %s.", p.Name)
		if p.UserName != "" {
			fmt.Fprintf(&sb, " You are chatting with %s.", p.UserName)
		}
		sb.WriteString("\n\n")
	}
	sb.WriteString(p.Description)
	return sb.String()
}

// stylePreset concatenates enabled fragments in list order.
func stylePreset(in Input) string {
	var enabled []string
	for _, f := range in.Persona.StylePreset {
		if f.Enabled && strings.TrimSpace(f.Content) != "" {
			enabled = append(enabled, strings.TrimSpace(f.Content))
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	return "## Style\n\n" + strings.Join(enabled, "\n")
}

func worldKnowledge(in Input) string {
	matched := MatchWorld(in.Persona.World, in.CurrentInput)
	if len(matched) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Relevant Knowledge\n")
	for _, e := range matched {
		sb.WriteString("\n")
		if e.Name != "" {
			fmt.Fprintf(&sb, "%s: ", e.Name)
		}
		sb.WriteString(strings.TrimSpace(e.Content))
	}
	return sb.String()
}

// MatchWorld returns the entries with at least one keyword contained in
// input, compared case-insensitively, in their configured order.
func MatchWorld(entries []conversation.WorldEntry, input string) []conversation.WorldEntry {
	text := strings.ToLower(input)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []conversation.WorldEntry
	for _, e := range entries {
		for _, kw := range e.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func memory(in Input) string {
	var sb strings.Builder
	for _, g := range in.Persona.Memory {
		if len(g.Items) == 0 {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("## What You Remember\n")
		}
		fmt.Fprintf(&sb, "\n### %s\n", g.Title)
		for _, item := range g.Items {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
	}
	return sb.String()
}

func situational(in Input) string {
	s := in.Persona.Situational
	var lines []string

	if s.TimeOfDay && !in.Now.IsZero() {
		lines = append(lines, prompts.TimeOfDayNote(in.Now))
	}
	if s.Cycle != nil {
		if note := CycleNote(*s.Cycle, in.Persona.UserName, in.Now); note != "" {
			lines = append(lines, note)
		}
	}
	if s.Weather != nil && in.Weather != "" {
		lines = append(lines, prompts.WeatherNote(s.Weather.Label, in.Weather))
	}

	if len(lines) == 0 {
		return ""
	}
	return "## Right Now\n\n" + strings.Join(lines, "\n")
}

func trigger(in Input) string {
	return prompts.TriggerDirective(in.Trigger, in.Persona.UserName, in.Hint, in.FollowUpCount)
}
