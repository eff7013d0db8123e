package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/companion/internal/conversation"
)

const replyTemplate = `## This Turn

%s just messaged you. Reply to what they said, in character. Answer
questions directly and react to how they seem to feel. Do not summarize
the conversation back to them.`

const idleTemplate = `## This Turn

%s has been quiet for a while and you are reaching out on your own.
Continue the earlier thread or start a new topic naturally, the way a
friend texts without being prompted. Do not mention that time has passed
unless it fits, and never ask why they have not replied.`

const scheduledTemplate = `## This Turn

This is a message you planned to send at this time of day%s. Send it as
if you remembered on your own. Keep it short and personal.`

const batchFollowUpTemplate = `## This Turn

You just sent a message and they have not answered yet. Add %s that
build on what you said, like someone sending a few texts in a row. Do
not repeat yourself and do not ask whether they saw your message.`

const continueTemplate = `## This Turn

Keep going from your last message. Pick up exactly where you left off
without greeting again or restating what you already said.`

// TriggerDirective returns the instruction block for one trigger kind.
// hint is the schedule entry's reason and only applies to scheduled
// triggers. count is the number of follow-up messages requested for
// batch follow-ups; values below 1 are treated as 1. userName may be
// empty.
func TriggerDirective(kind conversation.TriggerKind, userName, hint string, count int) string {
	who := strings.TrimSpace(userName)
	if who == "" {
		who = "The user"
	}

	switch kind {
	case conversation.TriggerIdle:
		return fmt.Sprintf(idleTemplate, who)
	case conversation.TriggerScheduled:
		reason := ""
		if h := strings.TrimSpace(hint); h != "" {
			reason = fmt.Sprintf(" (%s)", h)
		}
		return fmt.Sprintf(scheduledTemplate, reason)
	case conversation.TriggerBatchFollowUp:
		if count < 1 {
			count = 1
		}
		what := "one more short message"
		if count > 1 {
			what = fmt.Sprintf("%d more short messages", count)
		}
		return fmt.Sprintf(batchFollowUpTemplate, what)
	case conversation.TriggerContinue:
		return continueTemplate
	default:
		return fmt.Sprintf(replyTemplate, who)
	}
}
