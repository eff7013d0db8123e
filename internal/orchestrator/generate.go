package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/companion/internal/assembler"
	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/convstate"
	"github.com/nugget/companion/internal/decoder"
	"github.com/nugget/companion/internal/events"
	"github.com/nugget/companion/internal/llm"
)

// execute runs one admitted generation. history is the log to generate
// from; nil loads it from the store. On failure a single error message
// is appended so the user can see what happened. Failures are never
// retried.
//
// The generation is detached from ctx's cancellation: a caller going
// away (an HTTP client disconnecting) does not end it. Only the
// generation timeout or Shutdown does.
func (e *Engine) execute(ctx context.Context, k *convstate.Ticket, history []conversation.Message, opts TriggerOptions) (Outcome, error) {
	ctx, cancel := e.detach(ctx)
	defer cancel()

	id := k.ConversationID()
	out := Outcome{Admitted: true, RequestID: conversation.NewID()}
	logger := e.logger.With(
		"conversation_id", id,
		"request_id", out.RequestID,
		"trigger", k.Trigger(),
	)

	e.deps.Bus.Emit(events.SourceEngine, events.KindGenerationStart, map[string]any{
		"conversation_id": id,
		"request_id":      out.RequestID,
		"trigger":         string(k.Trigger()),
	})
	start := time.Now()

	msgs, err := e.generate(ctx, k, history, opts)
	if err != nil {
		logger.Warn("generation failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		var cerr *configError
		if !errors.As(err, &cerr) {
			e.appendFailure(ctx, id, err)
		}
		e.deps.Bus.Emit(events.SourceEngine, events.KindGenerationFailed, map[string]any{
			"conversation_id": id,
			"request_id":      out.RequestID,
			"trigger":         string(k.Trigger()),
			"error":           err.Error(),
		})
		return out, err
	}

	out.Messages = msgs
	logger.Info("generation complete",
		"bubbles", len(msgs),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	e.deps.Bus.Emit(events.SourceEngine, events.KindGenerationComplete, map[string]any{
		"conversation_id": id,
		"request_id":      out.RequestID,
		"trigger":         string(k.Trigger()),
		"bubbles":         len(msgs),
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
	return out, nil
}

// generate assembles, streams, decodes, and persists. It returns the
// appended messages.
func (e *Engine) generate(ctx context.Context, k *convstate.Ticket, history []conversation.Message, opts TriggerOptions) ([]conversation.Message, error) {
	id := k.ConversationID()

	cfg, err := e.deps.Store.Config(ctx, id)
	if err != nil {
		return nil, &configError{err: err}
	}

	model := cfg.Model
	if model == "" {
		model = e.config.DefaultModel
	}
	if model == "" || e.deps.Completer == nil {
		return nil, ErrNotConfigured
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = e.config.DefaultTemperature
	}

	if history == nil {
		history, err = e.deps.Store.Messages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	now := e.deps.Now()
	instructions := assembler.Assemble(assembler.Input{
		Persona:       cfg.Persona,
		Trigger:       k.Trigger(),
		CurrentInput:  conversation.CurrentInput(history),
		Now:           now.In(e.location()),
		Weather:       e.weather(ctx, cfg.Persona.Situational.Weather),
		Hint:          opts.Hint,
		FollowUpCount: opts.Count,
	})

	genCtx, cancel := context.WithTimeout(ctx, e.config.GenerationTimeout)
	defer cancel()

	stream, err := e.deps.Completer.Stream(genCtx, llm.Request{
		Instructions: instructions,
		History:      ToLLMHistory(history),
		Model:        model,
		Temperature:  temperature,
		Trigger:      string(k.Trigger()),
	})
	if err != nil {
		return nil, e.timeoutOr(genCtx, err)
	}
	defer stream.Close()

	dec := decoder.Decoder{Stagger: e.config.BubbleStagger, OnFirstDelta: k.Typing}
	result, err := dec.Decode(genCtx, stream, bubbleBase(history, e.deps.Now(), e.config.BubbleStagger))
	if err != nil {
		return nil, e.timeoutOr(genCtx, err)
	}
	if result.Skipped > 0 {
		e.logger.Warn("skipped malformed stream frames",
			"conversation_id", id,
			"skipped", result.Skipped,
		)
	}

	msgs := result.Messages()
	if len(msgs) == 0 {
		return nil, ErrEmptyResponse
	}

	// Persist with the caller's context so a generation that finished
	// right at the deadline is still saved.
	if err := e.deps.Store.AppendMessages(ctx, id, msgs...); err != nil {
		return nil, fmt.Errorf("append bubbles: %w", err)
	}
	e.notifyUpdated(id, len(msgs))
	return msgs, nil
}

// detach returns a context that keeps ctx's values but is cancelled only
// by Shutdown.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.life, cancel)
	return detached, func() {
		stop()
		cancel()
	}
}

// configError means the conversation itself could not be loaded, so
// there is nowhere to record the failure.
type configError struct{ err error }

func (c *configError) Error() string { return "load config: " + c.err.Error() }
func (c *configError) Unwrap() error { return c.err }

func (e *Engine) timeoutOr(genCtx context.Context, err error) error {
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("generation timed out after %s: %w", e.config.GenerationTimeout, err)
	}
	return err
}

// appendFailure records err as a visible assistant message. A store
// failure here is only logged.
func (e *Engine) appendFailure(ctx context.Context, id string, genErr error) {
	msg := conversation.NewMessage(conversation.RoleAssistant, conversation.TypeError, FailureText(genErr), e.deps.Now())
	if err := e.deps.Store.AppendMessages(context.WithoutCancel(ctx), id, msg); err != nil {
		e.logger.Error("append error message failed", "conversation_id", id, "error", err)
		return
	}
	e.notifyUpdated(id, 1)
}

// FailureText is the user-visible text for a failed generation.
func FailureText(err error) string {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "No model is configured, so I can't reply yet."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("The model service returned an error (%d).", apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "The reply took too long and was abandoned."
	case errors.Is(err, ErrEmptyResponse):
		return "The model didn't say anything. Try again?"
	default:
		return "Something went wrong while replying: " + err.Error()
	}
}

func (e *Engine) weather(ctx context.Context, spot *conversation.GeoSpot) string {
	if spot == nil || e.deps.Weather == nil {
		return ""
	}
	summary, err := e.deps.Weather.Current(ctx, spot.Latitude, spot.Longitude)
	if err != nil {
		e.logger.Debug("weather lookup failed", "error", err)
		return ""
	}
	return summary
}

func (e *Engine) location() *time.Location {
	if e.config.Scheduler.Location != nil {
		return e.config.Scheduler.Location
	}
	return time.Local
}

// bubbleBase picks the first bubble's timestamp so the new bubbles sort
// strictly after everything already in the log.
func bubbleBase(history []conversation.Message, now time.Time, stagger time.Duration) time.Time {
	if n := len(history); n > 0 {
		if last := history[n-1].Timestamp; !now.After(last) {
			return last.Add(stagger)
		}
	}
	return now
}

// ToLLMHistory renders the log as completion history. Error messages
// are dropped; non-text content is described in brackets.
func ToLLMHistory(log []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(log))
	for _, m := range log {
		var content string
		switch m.Type {
		case conversation.TypeError:
			continue
		case conversation.TypeImage:
			content = "[sent an image]"
		case conversation.TypeAudio:
			content = "[sent a voice message]"
		case conversation.TypeSticker:
			content = fmt.Sprintf("[sent a sticker: %s]", m.Content)
		case conversation.TypeDirective:
			if d := m.Directive; d != nil {
				content = fmt.Sprintf("[sent a %s invite: %s, %d min]", d.Name, d.Label, d.Duration)
			} else {
				content = "[sent an invite]"
			}
		default:
			content = m.Content
		}
		role := llm.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}
