package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// OpenAIClient streams from any OpenAI-compatible chat completions
// endpoint (OpenAI, OpenRouter, llama.cpp server, vLLM, ...).
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client. baseURL includes the version
// prefix, e.g. "https://api.openai.com/v1".
func NewOpenAIClient(baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "openai")
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newStreamingClient(logger),
		logger:     logger,
	}
}

type openaiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type openaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements [Completer].
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	c.logger.Debug("starting completion",
		"model", req.Model,
		"messages", len(req.History),
		"trigger", req.Trigger,
	)

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	payload := openaiRequest{
		Model:       req.Model,
		Messages:    withSystem(req.Instructions, req.History),
		Temperature: req.Temperature,
		Stream:      true,
	}
	return postStream(ctx, c.httpClient, c.logger, "openai", c.baseURL+"/chat/completions", header, payload, parseOpenAIFrame)
}

// parseOpenAIFrame decodes one SSE line. Only "data:" lines carry
// content; "[DONE]" is the end marker.
func parseOpenAIFrame(line string) (string, bool, error) {
	data, ok := sseData(line)
	if !ok {
		return "", false, nil
	}
	if data == "[DONE]" {
		return "", true, nil
	}

	var chunk openaiChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", false, errMalformed
	}
	if chunk.Error != nil {
		return "", false, errors.New("openai stream error: " + chunk.Error.Message)
	}

	var sb strings.Builder
	for _, ch := range chunk.Choices {
		sb.WriteString(ch.Delta.Content)
	}
	return sb.String(), false, nil
}

// sseData extracts the payload of an SSE "data:" line.
func sseData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}

// Ping lists models, which also validates the API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return ping(ctx, c.httpClient, "openai", c.baseURL+"/models", header)
}
