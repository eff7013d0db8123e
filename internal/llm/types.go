// Package llm talks to streaming text-completion services.
//
// Every provider implements [Completer]: it sends instructions plus
// history and returns a [Stream] of incremental content deltas. Wire
// formats (OpenAI-style SSE, Anthropic SSE, Ollama NDJSON) are handled
// at the provider boundary; callers only ever see text deltas.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LevelTrace is below Debug and used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role values understood by all providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of history sent to the completion service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion request.
type Request struct {
	Instructions string
	History      []Message
	Model        string
	Temperature  float64
	// Trigger is the reason for the generation. Providers only log it.
	Trigger string
}

// Completer starts streaming completions.
type Completer interface {
	// Stream sends req and returns once response headers arrive. A
	// non-2xx response is returned as an error; no Stream is produced.
	// The stream's lifetime is bound to ctx.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

var (
	// ErrNoProvider is returned when no completer serves a model.
	ErrNoProvider = errors.New("no completion provider for model")

	// ErrIncompleteStream means the body ended before the provider's
	// end marker.
	ErrIncompleteStream = errors.New("stream ended without end marker")

	// errMalformed marks a frame that could not be parsed. Such frames
	// are skipped and counted, never fatal.
	errMalformed = errors.New("malformed frame")
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
