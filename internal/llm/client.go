package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/companion/internal/httpkit"
)

// newStreamingClient returns an HTTP client suited to long-lived
// streaming responses: no overall timeout (the caller's context bounds
// the read) and a retry on connect failures.
func newStreamingClient(logger *slog.Logger) *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
}

// postStream sends payload as JSON and wraps a 2xx response body in a
// Stream decoded by parse.
func postStream(ctx context.Context, hc *http.Client, logger *slog.Logger, provider, url string, header http.Header, payload any, parse frameParser) (*Stream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: errBody}
	}

	return newLineStream(resp.Body, parse), nil
}

// withSystem prepends the instructions as a system message.
func withSystem(instructions string, history []Message) []Message {
	msgs := make([]Message, 0, len(history)+1)
	if instructions != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: instructions})
	}
	return append(msgs, history...)
}

// Pinger is implemented by providers that can report reachability
// without generating anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ping issues a GET and treats any 2xx as healthy.
func ping(ctx context.Context, hc *http.Client, provider, url string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 1024)}
	}
	httpkit.DrainAndClose(resp.Body, 64<<10)
	return nil
}
