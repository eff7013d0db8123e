package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/orchestrator"
)

// inboxRateLimit caps inbound messages per minute across all
// conversations.
const inboxRateLimit = 30

// Inbox receives user messages arriving over MQTT.
type Inbox interface {
	PostMessage(ctx context.Context, id, content string, typ conversation.MessageType) (conversation.Message, error)
	RequestReply(ctx context.Context, id string) (orchestrator.Outcome, error)
}

// handleInbound routes one received message. The reply is generated on
// its own goroutine so the paho receive loop is never held for the
// length of a completion.
func (b *Bridge) handleInbound(ctx context.Context, topic string, payload []byte) {
	if b.deps.Inbox == nil {
		return
	}
	id, ok := b.topics.ParseInbox(topic)
	if !ok {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	if !b.limiter.allow() {
		return
	}
	msg, ok := ParseInboxPayload(payload)
	if !ok {
		b.logger.Debug("mqtt inbox payload ignored", "conversation_id", id, "payload_size", len(payload))
		return
	}

	go b.deliver(ctx, id, msg)
}

func (b *Bridge) deliver(ctx context.Context, id string, msg InboxMessage) {
	if _, err := b.deps.Inbox.PostMessage(ctx, id, msg.Content, conversation.MessageType(msg.Type)); err != nil {
		b.logger.Warn("mqtt inbox message rejected", "conversation_id", id, "error", err)
		return
	}
	if !msg.WantsReply() {
		return
	}
	out, err := b.deps.Inbox.RequestReply(ctx, id)
	switch {
	case err != nil:
		b.logger.Warn("mqtt inbox reply failed", "conversation_id", id, "error", err)
	case !out.Admitted:
		b.logger.Debug("mqtt inbox reply skipped, generation in progress", "conversation_id", id)
	}
}

// messageRateLimiter drops inbound messages once more than limit
// arrive in one interval. It uses atomic counters for lock-free
// operation on the receive path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled and
// reports drops.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt inbox messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
				)
			}
		}
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
