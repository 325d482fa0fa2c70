package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yn612/agentdeck/internal/agent"
	"github.com/yn612/agentdeck/internal/api"
	"github.com/yn612/agentdeck/internal/config"
)

type memRoutes struct {
	routes map[string]string
}

func (m *memRoutes) Lookup(threadID string) (string, bool, error) {
	id, ok := m.routes[threadID]
	return id, ok, nil
}

func (m *memRoutes) Bind(threadID, agentID string) error {
	if m.routes == nil {
		m.routes = map[string]string{}
	}
	m.routes[threadID] = agentID
	return nil
}

type stubAgent struct {
	id      string
	ready   bool
	caps    agent.Capabilities
	threads []agent.ThreadSummary
	sent    []agent.MessageInput
	modes   []string
}

func (a *stubAgent) ID() string                       { return a.id }
func (a *stubAgent) Capabilities() agent.Capabilities { return a.caps }
func (a *stubAgent) Ready() bool                      { return a.ready }

func (a *stubAgent) ListThreads(context.Context) ([]agent.ThreadSummary, error) {
	return a.threads, nil
}

func (a *stubAgent) CreateThread(_ context.Context, cwd string) (agent.ThreadSummary, error) {
	summary := agent.ThreadSummary{ID: fmt.Sprintf("%s-t%d", a.id, len(a.threads)+1), Cwd: cwd}
	a.threads = append(a.threads, summary)
	return summary, nil
}

func (a *stubAgent) ReadThread(_ context.Context, threadID string) (*agent.Thread, error) {
	for _, t := range a.threads {
		if t.ID == threadID {
			return &agent.Thread{ThreadSummary: t}, nil
		}
	}
	return nil, &agent.NotRegisteredError{ThreadID: threadID}
}

func (a *stubAgent) SendMessage(_ context.Context, in agent.MessageInput) error {
	a.sent = append(a.sent, in)
	return nil
}

func (a *stubAgent) Interrupt(context.Context, string) error { return nil }

func (a *stubAgent) SetCollaborationMode(_ context.Context, _ string, mode string) error {
	a.modes = append(a.modes, mode)
	return nil
}

func newTestServer(t *testing.T, agents ...agent.Agent) (*Server, *agent.Registry, *agent.Hub) {
	t.Helper()
	registry := agent.NewRegistry(&memRoutes{}, "codex")
	for _, a := range agents {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	hub := agent.NewHub(slog.New(slog.DiscardHandler))
	srv := NewServer(config.DefaultConfig(), registry, hub)
	return srv, registry, hub
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestThreadLifecycle(t *testing.T) {
	codex := &stubAgent{id: "codex", ready: true}
	srv, _, _ := newTestServer(t, codex)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/threads", api.CreateThreadRequest{Cwd: "/work"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	var created api.ThreadEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Thread.ThreadID == "" || created.Thread.Cwd != "/work" {
		t.Fatalf("unexpected thread %+v", created.Thread)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/threads/"+created.Thread.ThreadID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d body=%s", rec.Code, rec.Body)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/"+created.Thread.ThreadID+"/message",
		api.SendMessageRequest{Text: "hello", Model: "gpt-5-codex"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d body=%s", rec.Code, rec.Body)
	}
	if len(codex.sent) != 1 || codex.sent[0].Text != "hello" || codex.sent[0].Model != "gpt-5-codex" {
		t.Fatalf("message not delivered: %+v", codex.sent)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/"+created.Thread.ThreadID+"/interrupt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("interrupt status = %d body=%s", rec.Code, rec.Body)
	}
}

func TestListThreadsBindsRoutes(t *testing.T) {
	codex := &stubAgent{id: "codex", ready: true, threads: []agent.ThreadSummary{{ID: "t1", Title: "restored"}}}
	srv, _, _ := newTestServer(t, codex)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/v1/threads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed api.ThreadsEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Threads) != 1 || listed.Threads[0].ThreadID != "t1" {
		t.Fatalf("unexpected threads %+v", listed.Threads)
	}
	// Listing binds the route, so per-thread routing works afterwards.
	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/t1/message", api.SendMessageRequest{Text: "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send after list = %d body=%s", rec.Code, rec.Body)
	}
}

func TestErrorMapping(t *testing.T) {
	down := &stubAgent{id: "opencode", ready: false}
	codex := &stubAgent{id: "codex", ready: true}
	srv, registry, _ := newTestServer(t, codex, down)
	handler := srv.Handler()

	// Unknown thread is 404.
	rec := doJSON(t, handler, http.MethodPost, "/v1/threads/ghost/message", api.SendMessageRequest{Text: "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown thread = %d, want 404", rec.Code)
	}

	// Thread routed to a not-ready adapter is 503.
	if err := registry.BindThread("stale", "opencode"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/stale/interrupt", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("down adapter = %d, want 503", rec.Code)
	}

	// Capability the adapter lacks is 501.
	if err := registry.BindThread("t1", "codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/t1/collaboration-mode",
		api.SetCollaborationModeRequest{Mode: "plan"})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("missing capability = %d, want 501", rec.Code)
	}

	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != api.ErrUnsupported {
		t.Fatalf("error code = %q", resp.Error.Code)
	}
}

func TestSetCollaborationModeValidatesBody(t *testing.T) {
	codex := &stubAgent{
		id:    "codex",
		ready: true,
		caps:  agent.Capabilities{CanSetCollaborationMode: true},
	}
	srv, registry, _ := newTestServer(t, codex)
	if err := registry.BindThread("t1", "codex"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/threads/t1/collaboration-mode",
		api.SetCollaborationModeRequest{Mode: ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty mode = %d, want 400", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/threads/t1/collaboration-mode",
		api.SetCollaborationModeRequest{Mode: "plan"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set mode = %d body=%s", rec.Code, rec.Body)
	}
	if len(codex.modes) != 1 || codex.modes[0] != "plan" {
		t.Fatalf("mode not delivered: %v", codex.modes)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/v1/threads", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("Allow header = %q", allow)
	}
}

func TestWatchStreamsHubEnvelopes(t *testing.T) {
	srv, _, hub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/watch")
	if err != nil {
		t.Fatalf("get watch: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The subscription is registered once headers are out.
	deadline := time.After(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("watch never subscribed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	hub.Publish(agent.Envelope{Type: agent.EnvelopeState, ThreadID: "t1", Payload: json.RawMessage(`{"id":"t1"}`)})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	if eventLine != "state" {
		t.Fatalf("event = %q", eventLine)
	}
	var ev api.WatchEvent
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.ThreadID != "t1" || ev.Type != "state" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
