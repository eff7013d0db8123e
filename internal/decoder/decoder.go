// Package decoder turns a completion stream into chat bubbles.
//
// Decoding runs in two phases. Decode drains an [llm.Stream] into one
// complete text. Finalize then extracts the first structured directive,
// normalizes image references, splits the prose on the bubble
// delimiter and assigns strictly increasing timestamps. Prose keeps its
// source order; the directive, if any, always comes last.
package decoder

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/llm"
	"github.com/nugget/companion/internal/prompts"
)

// DefaultStagger is the timestamp offset between consecutive bubbles.
const DefaultStagger = 500 * time.Millisecond

// SegmentKind tags a decoded segment.
type SegmentKind int

const (
	Prose SegmentKind = iota
	DirectiveSegment
)

// Segment is one decoded unit: either prose text or a directive.
type Segment struct {
	Kind      SegmentKind
	Text      string
	Directive *conversation.Directive
	Timestamp time.Time
}

// Result is a fully decoded generation.
type Result struct {
	Raw      string
	Segments []Segment
	// Skipped is the number of malformed stream frames ignored.
	Skipped int
}

// Messages converts the segments into assistant messages ready to be
// appended to a log.
func (r Result) Messages() []conversation.Message {
	out := make([]conversation.Message, 0, len(r.Segments))
	for _, s := range r.Segments {
		switch s.Kind {
		case DirectiveSegment:
			m := conversation.NewMessage(conversation.RoleAssistant, conversation.TypeDirective, s.Directive.Label, s.Timestamp)
			d := *s.Directive
			m.Directive = &d
			out = append(out, m)
		default:
			typ := conversation.TypeText
			if imageMarkup.MatchString(s.Text) && strings.TrimSpace(imageMarkup.ReplaceAllString(s.Text, "")) == "" {
				typ = conversation.TypeImage
			}
			out = append(out, conversation.NewMessage(conversation.RoleAssistant, typ, s.Text, s.Timestamp))
		}
	}
	return out
}

// Decoder holds decoding options.
type Decoder struct {
	// Stagger is the offset between bubble timestamps. Zero means
	// DefaultStagger.
	Stagger time.Duration

	// OnFirstDelta, if set, is called once when the first non-empty
	// delta arrives.
	OnFirstDelta func()
}

// Decode drains s and finalizes the accumulated text. Timestamps start
// at base. On a stream error the partial text is discarded and the
// error returned. Decode does not close s.
func (d Decoder) Decode(ctx context.Context, s *llm.Stream, base time.Time) (Result, error) {
	var sb strings.Builder
	first := true
	for s.Next() {
		if first {
			first = false
			if d.OnFirstDelta != nil {
				d.OnFirstDelta()
			}
		}
		sb.WriteString(s.Delta())
	}
	if err := s.Err(); err != nil {
		return Result{Skipped: s.Skipped()}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Skipped: s.Skipped()}, err
	}

	r := d.Finalize(sb.String(), base)
	r.Skipped = s.Skipped()
	return r, nil
}

// Finalize decodes complete model output.
func (d Decoder) Finalize(text string, base time.Time) Result {
	stagger := d.Stagger
	if stagger <= 0 {
		stagger = DefaultStagger
	}

	directive, prose, found := ParseDirective(text)
	prose = NormalizeImages(prose)

	var segs []Segment
	for _, b := range Split(prose) {
		segs = append(segs, Segment{Kind: Prose, Text: b})
	}
	if found {
		segs = append(segs, Segment{Kind: DirectiveSegment, Directive: &directive})
	}

	for i := range segs {
		segs[i].Timestamp = base.Add(time.Duration(i) * stagger)
	}
	return Result{Raw: text, Segments: segs}
}

// Split breaks text into bubbles on the bubble delimiter, then on
// newlines within each part. Candidates are trimmed and empty ones
// dropped.
func Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, prompts.BubbleDelimiter) {
		for _, line := range strings.Split(part, "\n") {
			if b := strings.TrimSpace(line); b != "" {
				out = append(out, b)
			}
		}
	}
	return out
}
