package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/companion/internal/events"
)

const (
	eventBuffer    = 64
	keepalivePulse = 25 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients are local apps and browser pages served elsewhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscribe returns the filtered event channel for a request, or false
// when no bus is configured.
func (s *Server) subscribe(w http.ResponseWriter) (<-chan events.Event, bool) {
	if s.deps.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return nil, false
	}
	return s.deps.Bus.Subscribe(eventBuffer), true
}

// wants reports whether e passes the ?conversation= filter.
func wants(r *http.Request, e events.Event) bool {
	id := r.URL.Query().Get("conversation")
	return id == "" || e.ConversationID() == id
}

// handleEventsSSE streams bus events as server-sent events.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer s.deps.Bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(keepalivePulse)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !wants(r, e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Debug("failed to marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				s.logger.Debug("event stream client gone", "error", err)
				return
			}
		}
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(2 * keepalivePulse)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}

// handleEventsWS streams bus events over a WebSocket. Incoming frames
// are read only to notice the client closing.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer s.deps.Bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(keepalivePulse)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !wants(r, e) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}
