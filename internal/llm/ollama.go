package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// OllamaClient streams from a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client. An empty baseURL uses
// http://localhost:11434.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	logger = logger.With("provider", "ollama")
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newStreamingClient(logger),
		logger:     logger,
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream implements [Completer].
func (c *OllamaClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	c.logger.Debug("starting completion",
		"model", req.Model,
		"messages", len(req.History),
		"trigger", req.Trigger,
	)

	payload := ollamaRequest{
		Model:    req.Model,
		Messages: withSystem(req.Instructions, req.History),
		Stream:   true,
	}
	if req.Temperature > 0 {
		payload.Options = &ollamaOptions{Temperature: req.Temperature}
	}
	return postStream(ctx, c.httpClient, c.logger, "ollama", c.baseURL+"/api/chat", nil, payload, parseOllamaFrame)
}

// parseOllamaFrame decodes one NDJSON line; "done": true ends the
// stream.
func parseOllamaFrame(line string) (string, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}

	var chunk ollamaChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false, errMalformed
	}
	if chunk.Error != "" {
		return "", false, errors.New("ollama stream error: " + chunk.Error)
	}
	return chunk.Message.Content, chunk.Done, nil
}

// Ping lists local models to confirm the server is up.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return ping(ctx, c.httpClient, "ollama", c.baseURL+"/api/tags", nil)
}
