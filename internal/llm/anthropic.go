package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 1024
)

// AnthropicClient streams from the Anthropic Messages API.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. An empty baseURL uses the public
// API.
func NewAnthropicClient(baseURL, apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	logger = logger.With("provider", "anthropic")
	return &AnthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newStreamingClient(logger),
		logger:     logger,
	}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements [Completer].
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	msgs := anthropicMessages(req.History)
	c.logger.Debug("starting completion",
		"model", req.Model,
		"messages", len(msgs),
		"trigger", req.Trigger,
		"system_len", len(req.Instructions),
	)

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)

	payload := anthropicRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      req.Instructions,
		MaxTokens:   anthropicMaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	return postStream(ctx, c.httpClient, c.logger, "anthropic", c.baseURL+"/v1/messages", header, payload, parseAnthropicFrame)
}

// anthropicMessages adapts history to the Messages API, which requires
// strictly alternating roles starting and ending with the user.
// Consecutive turns from the same role are merged; placeholder user
// turns fill the start and end when needed.
func anthropicMessages(history []Message) []Message {
	var out []Message
	for _, m := range history {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 || out[0].Role != RoleUser {
		out = append([]Message{{Role: RoleUser, Content: "(conversation start)"}}, out...)
	}
	if out[len(out)-1].Role != RoleUser {
		out = append(out, Message{Role: RoleUser, Content: "(no new message)"})
	}
	return out
}

// parseAnthropicFrame decodes one SSE line. Text arrives in
// content_block_delta events; message_stop ends the stream.
func parseAnthropicFrame(line string) (string, bool, error) {
	data, ok := sseData(line)
	if !ok {
		return "", false, nil
	}

	var ev anthropicEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return "", false, errMalformed
	}

	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return "", false, errors.New("anthropic stream error: " + msg)
	}
	return "", false, nil
}

// Ping lists models, which also validates the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)
	return ping(ctx, c.httpClient, "anthropic", c.baseURL+"/v1/models", header)
}
