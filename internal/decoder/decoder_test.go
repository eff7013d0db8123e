package decoder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/llm"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func prose(segs []Segment) []string {
	var out []string
	for _, s := range segs {
		if s.Kind == Prose {
			out = append(out, s.Text)
		}
	}
	return out
}

func assertIncreasing(t *testing.T, segs []Segment) {
	t.Helper()
	for i := 1; i < len(segs); i++ {
		if !segs[i].Timestamp.After(segs[i-1].Timestamp) {
			t.Errorf("timestamp %d (%v) not after %d (%v)", i, segs[i].Timestamp, i-1, segs[i-1].Timestamp)
		}
	}
}

func TestFinalize_BubbleSplit(t *testing.T) {
	r := Decoder{}.Finalize("Hi||How are you||Good", base)

	want := []string{"Hi", "How are you", "Good"}
	got := prose(r.Segments)
	if len(r.Segments) != 3 || strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("segments = %q, want %q", got, want)
	}
	assertIncreasing(t, r.Segments)
	if r.Segments[0].Timestamp != base || r.Segments[2].Timestamp != base.Add(time.Second) {
		t.Errorf("timestamps = %v .. %v", r.Segments[0].Timestamp, r.Segments[2].Timestamp)
	}
}

func TestFinalize_DirectiveMovesToEnd(t *testing.T) {
	r := Decoder{}.Finalize("Let's focus! :::FOCUS_INVITE|25|5|4|Essay::: See you there", base)

	if len(r.Segments) != 3 {
		t.Fatalf("got %d segments: %+v", len(r.Segments), r.Segments)
	}
	if got := prose(r.Segments); got[0] != "Let's focus!" || got[1] != "See you there" {
		t.Errorf("prose = %q", got)
	}
	last := r.Segments[2]
	if last.Kind != DirectiveSegment {
		t.Fatal("last segment should be the directive")
	}
	want := conversation.Directive{Name: "FOCUS_INVITE", Duration: 25, SecondaryDuration: 5, Count: 4, Label: "Essay"}
	if *last.Directive != want {
		t.Errorf("directive = %+v, want %+v", *last.Directive, want)
	}
	for _, s := range r.Segments {
		if strings.Contains(s.Text, ":::") {
			t.Errorf("directive text leaked into prose: %q", s.Text)
		}
	}
	assertIncreasing(t, r.Segments)
}

func TestFinalize_DirectiveAtStart(t *testing.T) {
	r := Decoder{}.Finalize(":::FOCUS_INVITE|50|10|2|Taxes|with: colons:::Ready?||Go", base)
	if len(r.Segments) != 3 || r.Segments[2].Kind != DirectiveSegment {
		t.Fatalf("segments = %+v", r.Segments)
	}
	if r.Segments[2].Directive.Label != "Taxes|with: colons" {
		t.Errorf("label = %q", r.Segments[2].Directive.Label)
	}
}

func TestParseDirective_Labels(t *testing.T) {
	tests := []struct {
		in        string
		wantLabel string
		wantRest  string
	}{
		{":::FOCUS_INVITE|25|5|4|Essay:::", "Essay", "\n"},
		{":::FOCUS_INVITE|25|5|4|Essay::::", "Essay:", "\n"},
		{":::FOCUS_INVITE|25|5|4|Essay::::: ok", "Essay::", "\n ok"},
		{":::FOCUS_INVITE|25|5|4|a:b::c:::", "a:b::c", "\n"},
		{":::FOCUS_INVITE|25|5|4|:::", "", "\n"},
	}
	for _, tt := range tests {
		d, rest, ok := ParseDirective(tt.in)
		if !ok {
			t.Errorf("ParseDirective(%q) found nothing", tt.in)
			continue
		}
		if d.Label != tt.wantLabel {
			t.Errorf("ParseDirective(%q) label = %q, want %q", tt.in, d.Label, tt.wantLabel)
		}
		if rest != tt.wantRest {
			t.Errorf("ParseDirective(%q) rest = %q, want %q", tt.in, rest, tt.wantRest)
		}
	}
}

func TestFinalize_TrailingColonStaysInLabel(t *testing.T) {
	r := Decoder{}.Finalize("Let's go||:::FOCUS_INVITE|25|5|4|Essay::::", base)
	if len(r.Segments) != 2 {
		t.Fatalf("segments = %+v, want prose and directive only", r.Segments)
	}
	if r.Segments[0].Text != "Let's go" || r.Segments[1].Kind != DirectiveSegment {
		t.Fatalf("segments = %+v", r.Segments)
	}
	if r.Segments[1].Directive.Label != "Essay:" {
		t.Errorf("label = %q, want %q", r.Segments[1].Directive.Label, "Essay:")
	}
}

func TestFinalize_OnlyFirstDirective(t *testing.T) {
	r := Decoder{}.Finalize("a :::X|1|2|3|one::: b :::Y|4|5|6|two:::", base)
	var directives int
	for _, s := range r.Segments {
		if s.Kind == DirectiveSegment {
			directives++
			if s.Directive.Name != "X" {
				t.Errorf("extracted %q, want the first", s.Directive.Name)
			}
		}
	}
	if directives != 1 {
		t.Errorf("directives = %d, want 1", directives)
	}
}

func TestFinalize_NewlinesAreSecondarySplits(t *testing.T) {
	r := Decoder{}.Finalize("first line\n\n  second line  ||third", base)
	if got := prose(r.Segments); strings.Join(got, "|") != "first line|second line|third" {
		t.Errorf("prose = %q", got)
	}
}

func TestFinalize_DropsEmpty(t *testing.T) {
	r := Decoder{}.Finalize(" || ||\n||", base)
	if len(r.Segments) != 0 {
		t.Errorf("segments = %+v, want none", r.Segments)
	}
}

func TestFinalize_CustomStagger(t *testing.T) {
	r := Decoder{Stagger: 2 * time.Second}.Finalize("a||b", base)
	if r.Segments[1].Timestamp.Sub(r.Segments[0].Timestamp) != 2*time.Second {
		t.Errorf("stagger = %v", r.Segments[1].Timestamp.Sub(r.Segments[0].Timestamp))
	}
}

func TestNormalizeImages(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			"bare url",
			"look https://x.test/cat.PNG cute",
			[]string{"look", "![image](https://x.test/cat.PNG)", "cute"},
		},
		{
			"existing markup forced to own line",
			"here ![me](https://x.test/me.jpg) ok",
			[]string{"here", "![me](https://x.test/me.jpg)", "ok"},
		},
		{
			"query string",
			"https://x.test/a.webp?size=2",
			[]string{"![image](https://x.test/a.webp?size=2)"},
		},
		{
			"non image left alone",
			"see https://x.test/page.html",
			[]string{"see https://x.test/page.html"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(NormalizeImages(tt.in))
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResult_Messages(t *testing.T) {
	r := Decoder{}.Finalize("hey||https://x.test/sky.gif||:::FOCUS_INVITE|25|5|4|Essay:::", base)
	msgs := r.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Type != conversation.TypeText || msgs[1].Type != conversation.TypeImage || msgs[2].Type != conversation.TypeDirective {
		t.Errorf("types = %s %s %s", msgs[0].Type, msgs[1].Type, msgs[2].Type)
	}
	if msgs[2].Directive == nil || msgs[2].Directive.Count != 4 {
		t.Errorf("directive = %+v", msgs[2].Directive)
	}
	for _, m := range msgs {
		if m.Role != conversation.RoleAssistant || m.ID == "" {
			t.Errorf("bad message %+v", m)
		}
	}
}

func TestDecode_Stream(t *testing.T) {
	var calls int
	d := Decoder{OnFirstDelta: func() { calls++ }}
	s := llm.NewStaticStream([]string{"Hi|", "|How are", " you||Good"}, nil)

	r, err := d.Decode(context.Background(), s, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Segments) != 3 || r.Raw != "Hi||How are you||Good" {
		t.Errorf("result = %+v", r)
	}
	if calls != 1 {
		t.Errorf("OnFirstDelta called %d times", calls)
	}
}

func TestDecode_StreamError(t *testing.T) {
	boom := errors.New("connection reset")
	s := llm.NewStaticStream([]string{"partial"}, boom)
	r, err := Decoder{}.Decode(context.Background(), s, base)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(r.Segments) != 0 {
		t.Error("partial output must not produce bubbles")
	}
}

func TestParseDirective_NoMatch(t *testing.T) {
	for _, in := range []string{
		"plain text",
		":::FOCUS_INVITE|a|5|4|Essay:::",
		":::FOCUS_INVITE|25|5|Essay:::",
		":::FOCUS_INVITE|25|5|4|split\nline:::",
	} {
		if _, rest, ok := ParseDirective(in); ok || rest != in {
			t.Errorf("ParseDirective(%q) matched", in)
		}
	}
}
