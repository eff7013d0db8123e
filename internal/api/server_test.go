package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/companion/internal/connwatch"
	"github.com/nugget/companion/internal/conversation"
	"github.com/nugget/companion/internal/events"
	"github.com/nugget/companion/internal/llm"
	"github.com/nugget/companion/internal/orchestrator"
	"github.com/nugget/companion/internal/store"
)

// scriptedCompleter returns each reply in turn. If gate is set it
// blocks until the gate closes.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	calls   int
	gate    chan struct{}
	entered chan struct{}
}

func (c *scriptedCompleter) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	c.mu.Lock()
	reply := "ok"
	if len(c.replies) > 0 {
		reply = c.replies[c.calls%len(c.replies)]
	}
	c.calls++
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return llm.NewStaticStream([]string{reply}, nil), nil
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) Status() []connwatch.Status {
	return []connwatch.Status{{Name: "ollama", Ready: f.ready}}
}
func (f fakeHealth) Ready() bool { return f.ready }

type testServer struct {
	*httptest.Server
	store *store.Store
	bus   *events.Bus
}

func newTestServer(t *testing.T, completer llm.Completer, cfg Config) *testServer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.New()
	engine := orchestrator.New(orchestrator.Config{DefaultModel: "m"}, orchestrator.Deps{
		Store:     st,
		Completer: completer,
		Bus:       bus,
	})
	srv := NewServer(cfg, Deps{
		Engine: engine,
		Store:  st,
		Bus:    bus,
		Health: fakeHealth{ready: true},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	err = st.PutConfig(context.Background(), &conversation.Config{
		ID:      "c1",
		Persona: conversation.Persona{Name: "Mira", UserName: "Sam"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{Server: ts, store: st, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestPostMessageWithReply(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{replies: []string{"hey!||what's up?"}}, Config{})

	resp, body := ts.do(t, "POST", "/v1/conversations/c1/messages", `{"content":"hi","reply":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	reply := body["reply"].(map[string]any)
	if reply["admitted"] != true || len(reply["messages"].([]any)) != 2 {
		t.Errorf("reply = %v", reply)
	}

	_, body = ts.do(t, "GET", "/v1/conversations/c1/messages?limit=2", "")
	msgs := body["messages"].([]any)
	if len(msgs) != 2 || msgs[1].(map[string]any)["content"] != "what's up?" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestRegenerateAndContinue(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{replies: []string{"first", "second", "third"}}, Config{})
	ts.do(t, "POST", "/v1/conversations/c1/messages", `{"content":"hi","reply":true}`)

	_, body := ts.do(t, "GET", "/v1/conversations/c1/messages", "")
	target := body["messages"].([]any)[1].(map[string]any)["id"].(string)

	resp, body := ts.do(t, "POST", "/v1/conversations/c1/regenerate", `{"message_id":"`+target+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("regenerate status = %d body = %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, "POST", "/v1/conversations/c1/continue", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("continue status = %d", resp.StatusCode)
	}

	log, _ := ts.store.Messages(context.Background(), "c1")
	var contents []string
	for _, m := range log {
		contents = append(contents, m.Content)
	}
	if got := strings.Join(contents, ","); got != "hi,second,third" {
		t.Errorf("log = %s", got)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{})
	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/v1/conversations/nope", "", http.StatusNotFound},
		{"GET", "/v1/conversations/nope/messages", "", http.StatusNotFound},
		{"POST", "/v1/conversations/nope/messages", `{"content":"x"}`, http.StatusNotFound},
		{"POST", "/v1/conversations/c1/messages", `{"content":""}`, http.StatusBadRequest},
		{"POST", "/v1/conversations/c1/regenerate", `{}`, http.StatusBadRequest},
		{"POST", "/v1/conversations/c1/regenerate", `{"message_id":"missing"}`, http.StatusNotFound},
		{"POST", "/v1/conversations/c1/trigger", `{"kind":"nap"}`, http.StatusBadRequest},
		{"POST", "/v1/conversations/nope/reply", "", http.StatusNotFound},
		{"PUT", "/v1/conversations/c2", `{"persona":{}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, body := ts.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d (%v)", tt.method, tt.path, resp.StatusCode, tt.want, body)
		}
	}
}

func TestNotConfigured(t *testing.T) {
	ts := newTestServer(t, nil, Config{})
	resp, body := ts.do(t, "POST", "/v1/conversations/c1/reply", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	log, _ := ts.store.Messages(context.Background(), "c1")
	if len(log) != 1 || log[0].Type != conversation.TypeError {
		t.Errorf("log = %+v", log)
	}
}

func TestReplyConflict(t *testing.T) {
	c := &scriptedCompleter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	ts := newTestServer(t, c, Config{})

	done := make(chan int)
	go func() {
		resp, err := http.Post(ts.URL+"/v1/conversations/c1/reply", "application/json", nil)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-c.entered

	resp, _ := ts.do(t, "POST", "/v1/conversations/c1/continue", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second generation status = %d, want 409", resp.StatusCode)
	}
	close(c.gate)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first generation status = %d", code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{RequestsPerMinute: 1, Burst: 1})
	resp, _ := ts.do(t, "POST", "/v1/conversations/c1/reply", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "POST", "/v1/conversations/c1/reply", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", resp.StatusCode)
	}
}

func TestConversationPutAndList(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{})
	resp, _ := ts.do(t, "PUT", "/v1/conversations/c2", `{"persona":{"name":"June"},"background":{"enabled":true}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, "PUT", "/v1/conversations/c2", `{"persona":{"name":"June B"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d", resp.StatusCode)
	}

	_, body := ts.do(t, "GET", "/v1/conversations", "")
	if body["count"].(float64) != 2 {
		t.Fatalf("list = %v", body)
	}
	second := body["conversations"].([]any)[1].(map[string]any)
	if second["persona"] != "June B" || second["state"] != "idle" {
		t.Errorf("c2 = %v", second)
	}

	_, body = ts.do(t, "GET", "/v1/conversations/c1/state", "")
	if body["state"] != "idle" {
		t.Errorf("state = %v", body)
	}
}

func TestTranscript(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{replies: []string{"**hello** there"}}, Config{})
	ts.do(t, "POST", "/v1/conversations/c1/messages", `{"content":"<script>x</script>","reply":true}`)

	resp, err := http.Get(ts.URL + "/v1/conversations/c1/transcript")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "<strong>hello</strong>") {
		t.Errorf("markdown not rendered:\n%s", page)
	}
	if strings.Contains(string(page), "<script>") {
		t.Error("raw HTML from a message was rendered")
	}

	md := TranscriptMarkdown(&conversation.Config{Persona: conversation.Persona{Name: "Mira"}}, []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi", Timestamp: time.Date(2026, 1, 2, 9, 5, 0, 0, time.UTC)},
	})
	if !strings.Contains(md, "**You** · Jan 2 09:05\nhi") {
		t.Errorf("markdown = %q", md)
	}
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{})
	_, body := ts.do(t, "GET", "/health", "")
	if body["status"] != "healthy" || len(body["providers"].([]any)) != 1 {
		t.Errorf("health = %v", body)
	}
	_, body = ts.do(t, "GET", "/v1/version", "")
	if _, ok := body["go_version"]; !ok {
		t.Errorf("version = %v", body)
	}
}

func waitSubscribers(t *testing.T, bus *events.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsSSE(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events?conversation=c1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	waitSubscribers(t, ts.bus, 1)

	ts.bus.Emit("test", "noise", map[string]any{"conversation_id": "other"})
	ts.bus.Emit("test", events.KindConversationUpdated, map[string]any{"conversation_id": "c1"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimPrefix(line, "event: "); got != events.KindConversationUpdated {
				t.Errorf("first event = %s, filter not applied", got)
			}
			return
		}
	}
	t.Fatal("stream ended without an event")
}

func TestEventsWebSocket(t *testing.T) {
	ts := newTestServer(t, &scriptedCompleter{}, Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitSubscribers(t, ts.bus, 1)

	ts.bus.Emit(events.SourceEngine, events.KindStateChanged, map[string]any{"conversation_id": "c1", "state": "thinking"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != events.KindStateChanged || e.ConversationID() != "c1" {
		t.Errorf("event = %+v", e)
	}
}

func TestDecodeBody_TooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 2<<20)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(append(append([]byte(`{"content":"`), big...), '"', '}')))
	var v PostMessageRequest
	if err := decodeBody(req, &v); err == nil {
		t.Error("expected error for oversized body")
	}
}
