// Package api implements the companion HTTP API: conversation setup,
// the reply/regenerate/continue operations, message history, and a
// live event stream for clients.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/companion/internal/buildinfo"
	"github.com/nugget/companion/internal/connwatch"
	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/events"
	"github.com/nugget/companion/internal/orchestrator"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Engine is the orchestration surface the API drives.
type Engine interface {
	PostMessage(ctx context.Context, id, content string, typ conversation.MessageType) (conversation.Message, error)
	RequestReply(ctx context.Context, id string) (orchestrator.Outcome, error)
	Regenerate(ctx context.Context, id, targetID string) (orchestrator.Outcome, error)
	Continue(ctx context.Context, id string) (orchestrator.Outcome, error)
	Trigger(ctx context.Context, id string, kind conversation.TriggerKind, opts orchestrator.TriggerOptions) (orchestrator.Outcome, error)
	Status(ctx context.Context, id string) (orchestrator.Status, error)
}

// Store is the read side of conversation storage plus config writes.
type Store interface {
	ListConversations(ctx context.Context) ([]string, error)
	Config(ctx context.Context, id string) (*conversation.Config, error)
	PutConfig(ctx context.Context, cfg *conversation.Config) error
	Messages(ctx context.Context, id string) ([]conversation.Message, error)
}

// HealthReporter reports completion provider reachability.
type HealthReporter interface {
	Status() []connwatch.Status
	Ready() bool
}

// Config holds server settings.
type Config struct {
	Address string
	Port    int

	// RequestsPerMinute limits generation requests per conversation.
	// Zero disables the limit.
	RequestsPerMinute int
	Burst             int
}

// Deps holds the server's collaborators.
type Deps struct {
	Engine Engine
	Store  Store
	Bus    *events.Bus    // optional; required for /v1/events
	Health HealthReporter // optional
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	deps     Deps
	logger   *slog.Logger
	limiters *limiterSet
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		deps:     deps,
		logger:   deps.Logger,
		limiters: newLimiterSet(cfg.RequestsPerMinute, cfg.Burst),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("PUT /v1/conversations/{id}", s.handleConversationPut)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /v1/conversations/{id}/state", s.handleState)
	mux.HandleFunc("GET /v1/conversations/{id}/transcript", s.handleTranscript)

	mux.HandleFunc("POST /v1/conversations/{id}/reply", s.limited(s.handleReply))
	mux.HandleFunc("POST /v1/conversations/{id}/regenerate", s.limited(s.handleRegenerate))
	mux.HandleFunc("POST /v1/conversations/{id}/continue", s.limited(s.handleContinue))
	mux.HandleFunc("POST /v1/conversations/{id}/trigger", s.limited(s.handleTrigger))

	mux.HandleFunc("GET /v1/events", s.handleEventsSSE)
	mux.HandleFunc("GET /v1/events/ws", s.handleEventsWS)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Address
	s.server = &http.Server{
		Addr:        net.JoinHostPort(addr, strconv.Itoa(s.config.Port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Generation requests hold the connection for the whole stream;
		// the event stream has no write deadline at all and resets its
		// own per write.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.config.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Flush and Hijack pass through for the event stream and WebSocket
// upgrades.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Companion",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if h := s.deps.Health; h != nil {
		resp["providers"] = h.Status()
		if !h.Ready() {
			resp["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func decodeBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
