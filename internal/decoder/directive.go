package decoder

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nugget/companion/internal/conversation"
)

// directivePattern matches :::NAME|n|n|n|label::: on a single line. The
// label runs to the first ":::" and keeps any colons in excess of the
// closing three, so "Essay::::" is the label "Essay:".
var directivePattern = regexp.MustCompile(`:::([A-Z][A-Z0-9_]*)\|(\d+)\|(\d+)\|(\d+)\|([^\n]*?:*):::`)

// ParseDirective finds the first directive token in text. It returns the
// directive, the text with that token removed, and whether one was
// found. The token becomes a line break so the prose on either side
// ends up in separate bubbles. Later tokens are left in place.
func ParseDirective(text string) (conversation.Directive, string, bool) {
	loc := directivePattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return conversation.Directive{}, text, false
	}

	field := func(i int) string { return text[loc[2*i]:loc[2*i+1]] }
	num := func(i int) int {
		n, _ := strconv.Atoi(field(i))
		return n
	}

	d := conversation.Directive{
		Name:              field(1),
		Duration:          num(2),
		SecondaryDuration: num(3),
		Count:             num(4),
		Label:             strings.TrimSpace(field(5)),
	}
	rest := text[:loc[0]] + "\n" + text[loc[1]:]
	return d, rest, true
}
