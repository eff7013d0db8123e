package llm

import (
	"context"
	"fmt"
)

// MultiClient routes requests to a provider by model name.
type MultiClient struct {
	clients  map[string]Completer // provider name → completer
	models   map[string]string    // model name → provider name
	fallback Completer            // for unmapped models
}

// NewMultiClient creates a router. fallback may be nil, in which case
// unmapped models fail with [ErrNoProvider].
func NewMultiClient(fallback Completer) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Completer),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a completer under a provider name.
func (m *MultiClient) AddProvider(name string, c Completer) {
	m.clients[name] = c
}

// AddModel maps a model name to a registered provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.models[model] = provider
}

// Providers reports how many providers are registered.
func (m *MultiClient) Providers() int { return len(m.clients) }

func (m *MultiClient) completerFor(model string) Completer {
	if provider, ok := m.models[model]; ok {
		if c, ok := m.clients[provider]; ok {
			return c
		}
	}
	return m.fallback
}

// Stream implements [Completer].
func (m *MultiClient) Stream(ctx context.Context, req Request) (*Stream, error) {
	c := m.completerFor(req.Model)
	if c == nil {
		return nil, fmt.Errorf("%w %q", ErrNoProvider, req.Model)
	}
	return c.Stream(ctx, req)
}

// Pingers returns the registered providers that support [Pinger],
// keyed by provider name.
func (m *MultiClient) Pingers() map[string]Pinger {
	out := make(map[string]Pinger)
	for name, c := range m.clients {
		if p, ok := c.(Pinger); ok {
			out[name] = p
		}
	}
	return out
}
