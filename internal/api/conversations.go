package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/orchestrator"
	"github.com/nugget/companion/internal/persona"
	"github.com/nugget/companion/internal/store"
)

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Persona      string    `json:"persona"`
	State        string    `json:"state"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.deps.Store.ListConversations(ctx)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	summaries := make([]ConversationSummary, 0, len(ids))
	for _, id := range ids {
		cfg, err := s.deps.Store.Config(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable conversation", "conversation_id", id, "error", err)
			continue
		}
		log, _ := s.deps.Store.Messages(ctx, id)
		sum := ConversationSummary{
			ID:           id,
			Persona:      cfg.Persona.Name,
			MessageCount: len(log),
			CreatedAt:    cfg.CreatedAt,
		}
		if n := len(log); n > 0 {
			sum.LastActivity = log[n-1].Timestamp
		}
		if st, err := s.deps.Engine.Status(ctx, id); err == nil {
			sum.State = string(st.State)
		}
		summaries = append(summaries, sum)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := s.deps.Store.Config(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleConversationPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var cfg conversation.Config
	if err := decodeBody(r, &cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.ID != "" && cfg.ID != id {
		s.errorResponse(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	cfg.ID = id
	if err := persona.Validate(&cfg); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	if existing, err := s.deps.Store.Config(r.Context(), id); err == nil {
		cfg.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	}
	if err := s.deps.Store.PutConfig(r.Context(), &cfg); err != nil {
		s.logger.Error("save config failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save conversation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, cfg, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.Config(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	log, err := s.deps.Store.Messages(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        log,
		"count":           len(log),
	}, s.logger)
}

// PostMessageRequest appends a user message. With Reply set, a reply is
// generated in the same request.
type PostMessageRequest struct {
	Content string                   `json:"content"`
	Type    conversation.MessageType `json:"type,omitempty"`
	Reply   bool                     `json:"reply,omitempty"`
}

// PostMessageResponse is the stored message plus the generation
// outcome when a reply was requested.
type PostMessageResponse struct {
	Message conversation.Message  `json:"message"`
	Reply   *orchestrator.Outcome `json:"reply,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PostMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Reply && !s.limiters.allow(id) {
		s.errorResponse(w, http.StatusTooManyRequests, "too many generation requests")
		return
	}

	msg, err := s.deps.Engine.PostMessage(r.Context(), id, req.Content, req.Type)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := PostMessageResponse{Message: msg}
	if req.Reply {
		out, err := s.deps.Engine.RequestReply(r.Context(), id)
		resp.Reply = &out
		if err != nil {
			resp.Error = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.Config(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	st, err := s.deps.Engine.Status(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Engine.RequestReply(r.Context(), r.PathValue("id"))
	s.writeOutcome(w, out, err)
}

// RegenerateRequest names the assistant message to replace.
type RegenerateRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID == "" {
		s.errorResponse(w, http.StatusBadRequest, "message_id is required")
		return
	}
	out, err := s.deps.Engine.Regenerate(r.Context(), r.PathValue("id"), req.MessageID)
	s.writeOutcome(w, out, err)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Engine.Continue(r.Context(), r.PathValue("id"))
	s.writeOutcome(w, out, err)
}

// TriggerRequest starts a generation of an explicit kind.
type TriggerRequest struct {
	Kind  conversation.TriggerKind `json:"kind"`
	Hint  string                   `json:"hint,omitempty"`
	Count int                      `json:"count,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.deps.Engine.Trigger(r.Context(), r.PathValue("id"), req.Kind, orchestrator.TriggerOptions{
		Hint:  req.Hint,
		Count: req.Count,
	})
	s.writeOutcome(w, out, err)
}

// writeOutcome maps a generation result to a response. A refused
// admission is 409; a failed generation still reports the outcome
// because an error message was appended to the conversation.
func (s *Server) writeOutcome(w http.ResponseWriter, out orchestrator.Outcome, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrMessageNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrUnknownTrigger):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	code := http.StatusOK
	body := map[string]any{"outcome": out}
	switch {
	case err != nil && errors.Is(err, orchestrator.ErrNotConfigured):
		code = http.StatusServiceUnavailable
		body["error"] = err.Error()
	case err != nil:
		code = http.StatusBadGateway
		body["error"] = err.Error()
	case !out.Admitted:
		code = http.StatusConflict
		body["error"] = "a generation is already in progress"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, body, s.logger)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.logger.Error("store error", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "storage error")
}
