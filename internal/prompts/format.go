package prompts

import "fmt"

// BubbleDelimiter separates independent chat bubbles in model output.
const BubbleDelimiter = "||"

const delimiterTemplate = `## Message Format

You are texting. When you want to send more than one message, separate
them with %s on the same line, for example: Hey!%sHow was your day?
Do not use line breaks to separate messages. Keep each message short.`

// DelimiterRule tells the model how to split its answer into bubbles.
func DelimiterRule() string {
	return fmt.Sprintf(delimiterTemplate, BubbleDelimiter, BubbleDelimiter)
}

const directiveFormat = `## Activity Invites

To invite them to a focus session together, add a single token anywhere
in your reply:

:::FOCUS_INVITE|<focus minutes>|<break minutes>|<rounds>|<what to work on>:::

Use it at most once per reply and only when it fits the conversation.`

// DirectiveFormat describes the structured directive token.
func DirectiveFormat() string {
	return directiveFormat
}
