// Package daemon serves the gateway HTTP API over a unix domain socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yn612/agentdeck/internal/agent"
	"github.com/yn612/agentdeck/internal/api"
	"github.com/yn612/agentdeck/internal/appserver"
	"github.com/yn612/agentdeck/internal/commands"
	"github.com/yn612/agentdeck/internal/config"
)

const schemaVersion = "v1"

type Server struct {
	cfg         config.Config
	registry    *agent.Registry
	hub         *agent.Hub
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	startedAt   time.Time
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, registry *agent.Registry, hub *agent.Hub) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		hub:       hub,
		startedAt: time.Now(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/agents", s.agentsHandler)
	mux.HandleFunc("/v1/agents/", s.agentByIDHandler)
	mux.HandleFunc("/v1/threads", s.threadsHandler)
	mux.HandleFunc("/v1/threads/", s.threadByIDHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.APISocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.APISocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.APISocketPath)
		}
		if err := os.Remove(s.cfg.APISocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.APISocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.APISocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.APISocketPath != "" {
			if err := os.Remove(s.cfg.APISocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// Handler exposes the mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	agents := s.registry.Agents()
	out := make([]api.AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentResponse(a))
	}
	s.writeJSON(w, http.StatusOK, api.AgentsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Agents:        out,
	})
}

func (s *Server) agentByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/agents/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "agent route not found")
		return
	}
	agentID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid agent encoding")
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "models":
		s.listModels(w, r, agentID)
	case len(parts) == 2 && parts[1] == "collaboration-modes":
		s.listCollaborationModes(w, r, agentID)
	default:
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "agent route not found")
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request, agentID string) {
	models, err := s.registry.ListModels(r.Context(), agentID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	items := make([]api.ModelItem, 0, len(models))
	for _, m := range models {
		items = append(items, api.ModelItem{ModelID: m.ID, DisplayName: m.DisplayName})
	}
	s.writeJSON(w, http.StatusOK, api.ModelsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		AgentID:       strings.ToLower(strings.TrimSpace(agentID)),
		Models:        items,
	})
}

func (s *Server) listCollaborationModes(w http.ResponseWriter, r *http.Request, agentID string) {
	modes, err := s.registry.ListCollaborationModes(r.Context(), agentID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	items := make([]api.CollaborationModeItem, 0, len(modes))
	for _, m := range modes {
		items = append(items, api.CollaborationModeItem{ModeID: m.ID, DisplayName: m.DisplayName})
	}
	s.writeJSON(w, http.StatusOK, api.CollaborationModesEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		AgentID:       strings.ToLower(strings.TrimSpace(agentID)),
		Modes:         items,
	})
}

func (s *Server) threadsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listThreads(w, r)
	case http.MethodPost:
		s.createThread(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.registry.ListThreads(r.Context())
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	items := make([]api.ThreadItem, 0, len(threads))
	for _, t := range threads {
		items = append(items, threadItem(t))
	}
	s.writeJSON(w, http.StatusOK, api.ThreadsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Threads:       items,
	})
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req api.CreateThreadRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	summary, err := s.registry.CreateThread(r.Context(), req.AgentID, req.Cwd)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.ThreadEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Thread:        threadItem(summary),
	})
}

func (s *Server) threadByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/threads/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "thread route not found")
		return
	}
	threadID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid thread encoding")
		return
	}
	threadID = strings.TrimSpace(threadID)

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.readThread(w, r, threadID)
		return
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "thread route not found")
		return
	}
	switch parts[1] {
	case "live-state":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.readLiveState(w, threadID)
	case "stream-events":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.readStreamEvents(w, threadID)
	case "message":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.sendMessage(w, r, threadID)
	case "interrupt":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.interrupt(w, r, threadID)
	case "collaboration-mode":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.setCollaborationMode(w, r, threadID)
	case "user-input":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.submitUserInput(w, r, threadID)
	default:
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, "thread route not found")
	}
}

func (s *Server) readThread(w http.ResponseWriter, r *http.Request, threadID string) {
	thread, err := s.registry.ReadThread(r.Context(), threadID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	env := api.ThreadEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Thread:        threadItem(thread.ThreadSummary),
	}
	if thread.Conversation != nil {
		raw, err := json.Marshal(thread.Conversation)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrBackendFailed, "encode conversation")
			return
		}
		env.Conversation = raw
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) readLiveState(w http.ResponseWriter, threadID string) {
	conv, err := s.registry.ReadLiveState(threadID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrBackendFailed, "encode conversation")
		return
	}
	s.writeJSON(w, http.StatusOK, api.LiveStateEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		ThreadID:      threadID,
		Conversation:  raw,
	})
}

func (s *Server) readStreamEvents(w http.ResponseWriter, threadID string) {
	events, err := s.registry.ReadStreamEvents(threadID)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	items := make([]api.StreamEventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, api.StreamEventItem{
			SourceClientID: ev.SourceClientID,
			Params:         ev.Params,
		})
	}
	s.writeJSON(w, http.StatusOK, api.StreamEventsEnvelope{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		ThreadID:      threadID,
		Events:        items,
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, threadID string) {
	var req api.SendMessageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	err := s.registry.SendMessage(r.Context(), agent.MessageInput{
		ThreadID:          threadID,
		Text:              req.Text,
		Cwd:               req.Cwd,
		Model:             req.Model,
		ReasoningEffort:   req.ReasoningEffort,
		CollaborationMode: req.CollaborationMode,
	})
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeAction(w, threadID)
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request, threadID string) {
	if err := s.registry.Interrupt(r.Context(), threadID); err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeAction(w, threadID)
}

func (s *Server) setCollaborationMode(w http.ResponseWriter, r *http.Request, threadID string) {
	var req api.SetCollaborationModeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "mode is required")
		return
	}
	if err := s.registry.SetCollaborationMode(r.Context(), threadID, req.Mode); err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeAction(w, threadID)
}

func (s *Server) submitUserInput(w http.ResponseWriter, r *http.Request, threadID string) {
	var req api.SubmitUserInputRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "request_id is required")
		return
	}
	if err := s.registry.SubmitUserInput(r.Context(), threadID, req.RequestID, req.Response); err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeAction(w, threadID)
}

// watchHandler streams hub envelopes as server-sent events until the client
// goes away.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, api.ErrPreconditionBad, "streaming unsupported")
		return
	}
	events, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-events:
			if !open {
				// Evicted for falling behind; the client reconnects.
				return
			}
			data, err := json.Marshal(api.WatchEvent{
				Type:     env.Type,
				ThreadID: env.ThreadID,
				Payload:  env.Payload,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		}
	}
}

func agentResponse(a agent.Agent) api.AgentResponse {
	resp := api.AgentResponse{
		AgentID:      a.ID(),
		Ready:        a.Ready(),
		Capabilities: capabilityNames(a.Capabilities()),
	}
	if reporter, ok := a.(interface{ State() (agent.BootState, bool, bool) }); ok {
		state, _, _ := reporter.State()
		resp.BootState = string(state)
	}
	return resp
}

func capabilityNames(caps agent.Capabilities) []string {
	out := make([]string, 0, 6)
	if caps.CanListModels {
		out = append(out, "listModels")
	}
	if caps.CanListCollaborationModes {
		out = append(out, "listCollaborationModes")
	}
	if caps.CanSetCollaborationMode {
		out = append(out, "setCollaborationMode")
	}
	if caps.CanSubmitUserInput {
		out = append(out, "submitUserInput")
	}
	if caps.CanReadLiveState {
		out = append(out, "readLiveState")
	}
	if caps.CanReadStreamEvents {
		out = append(out, "readStreamEvents")
	}
	return out
}

func threadItem(t agent.ThreadSummary) api.ThreadItem {
	return api.ThreadItem{
		ThreadID:  t.ID,
		Title:     t.Title,
		Cwd:       t.Cwd,
		UpdatedAt: t.UpdatedAt,
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeAction(w http.ResponseWriter, threadID string) {
	s.writeJSON(w, http.StatusOK, api.ActionResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		ThreadID:      threadID,
		ResultCode:    "ok",
	})
}

// writeAgentError maps routing, capability, and backend failures onto HTTP
// statuses. Unknown threads are 404, down adapters 503, unsupported
// operations 501, backend RPC refusals 502.
func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	var (
		notReg      *agent.NotRegisteredError
		unavailable *agent.UnavailableError
		capErr      *agent.CapabilityError
		rpcErr      *appserver.RPCError
		procErr     *appserver.ProcessError
	)
	switch {
	case errors.As(err, &notReg):
		s.writeError(w, http.StatusNotFound, api.ErrRefNotFound, err.Error())
	case errors.As(err, &unavailable):
		s.writeError(w, http.StatusServiceUnavailable, api.ErrAgentDown, err.Error())
	case errors.As(err, &capErr):
		s.writeError(w, http.StatusNotImplemented, api.ErrUnsupported, err.Error())
	case errors.Is(err, commands.ErrEmptyMessage), errors.Is(err, commands.ErrNoTemplate), errors.Is(err, commands.ErrNoOwner):
		s.writeError(w, http.StatusBadRequest, api.ErrPreconditionBad, err.Error())
	case errors.As(err, &rpcErr), errors.As(err, &procErr):
		s.writeError(w, http.StatusBadGateway, api.ErrBackendFailed, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, api.ErrBackendFailed, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: schemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.APISocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
