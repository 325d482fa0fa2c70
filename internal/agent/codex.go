package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/yn612/agentdeck/internal/appserver"
	"github.com/yn612/agentdeck/internal/commands"
	"github.com/yn612/agentdeck/internal/ipc"
	"github.com/yn612/agentdeck/internal/protocol"
	"github.com/yn612/agentdeck/internal/streamstate"
)

// Bootstrap states of a Codex adapter instance. There is no transition back
// into Uninitialized.
type BootState string

const (
	BootUninitialized BootState = "uninitialized"
	BootStarting      BootState = "starting"
	BootReady         BootState = "ready"
	BootDegraded      BootState = "degraded"
	BootStopped       BootState = "stopped"
)

const defaultReconnectDelay = time.Second

// rpcTransport is the slice of the app-server transport the adapter uses.
type rpcTransport interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Close()
}

// TraceJournal persists accepted stream broadcasts. Nil disables journaling.
type TraceJournal interface {
	AppendTrace(threadID, sourceClientID string, params []byte) error
}

// CodexConfig configures a Codex-backed adapter.
type CodexConfig struct {
	Executable     string
	SocketPath     string
	ClientName     string
	ClientVersion  string
	BufferLimit    int
	ReconnectDelay time.Duration
	Journal        TraceJournal
	Logger         *slog.Logger
}

// CodexAgent drives a Codex backend through two transports: the app-server
// subprocess for thread RPCs and the desktop IPC socket for observing stream
// broadcasts and issuing owner-routed commands.
type CodexAgent struct {
	cfg       CodexConfig
	logger    *slog.Logger
	hub       *Hub
	validator *protocol.Validator
	buffer    *streamBuffer
	resilient *streamstate.Resilient
	conn      *ipc.Conn
	commander *commands.Commander
	runID     string

	mu             sync.Mutex
	state          BootState
	appReady       bool
	ipcConnected   bool
	ipcInitialized bool
	disabled       bool
	transport      rpcTransport
	derived        map[string]*streamstate.Derived
	wake           chan struct{}
	cancel         context.CancelFunc
}

func NewCodexAgent(cfg CodexConfig, hub *Hub, validator *protocol.Validator) *CodexAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", "codex")
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "agentdeck"
	}

	c := &CodexAgent{
		cfg:       cfg,
		logger:    logger,
		hub:       hub,
		validator: validator,
		buffer:    newStreamBuffer(cfg.BufferLimit),
		resilient: streamstate.NewResilient(validator, logger),
		runID:     uuid.NewString(),
		state:     BootUninitialized,
		derived:   map[string]*streamstate.Derived{},
		wake:      make(chan struct{}, 1),
	}
	c.conn = ipc.New(cfg.SocketPath, logger)
	c.conn.OnFrame(c.handleFrame)
	c.conn.OnConnectionState(c.handleConnState)
	c.commander = commands.New(c.conn, c, validator)
	return c
}

func (c *CodexAgent) ID() string { return "codex" }

func (c *CodexAgent) Capabilities() Capabilities {
	return Capabilities{
		CanListModels:             true,
		CanListCollaborationModes: true,
		CanSetCollaborationMode:   true,
		CanSubmitUserInput:        true,
		CanReadLiveState:          true,
		CanReadStreamEvents:       true,
	}
}

func (c *CodexAgent) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == BootReady
}

// State reports the bootstrap state plus the two independent transport flags.
func (c *CodexAgent) State() (BootState, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.appReady, c.ipcConnected && c.ipcInitialized
}

// Start launches the background bootstrap task. It returns immediately; the
// adapter reports Ready once both transports are up.
func (c *CodexAgent) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != BootUninitialized {
		c.mu.Unlock()
		return
	}
	c.state = BootStarting
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.bootstrapLoop(ctx)
}

// Stop cancels the bootstrap task and closes both transports. The adapter
// cannot be restarted.
func (c *CodexAgent) Stop() {
	c.mu.Lock()
	if c.state == BootStopped {
		c.mu.Unlock()
		return
	}
	c.state = BootStopped
	cancel := c.cancel
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Close()
	}
	c.conn.Disconnect()
}

// bootstrapLoop drives both transports toward ready and re-drives them
// whenever either drops. The reconnect schedule is a constant delay.
func (c *CodexAgent) bootstrapLoop(ctx context.Context) {
	schedule := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)
	for {
		err := backoff.Retry(func() error {
			if c.stopped() {
				return backoff.Permanent(fmt.Errorf("stopped"))
			}
			if err := c.bootstrapOnce(ctx); err != nil {
				if c.codexDisabled() {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}, schedule)
		if err != nil || c.stopped() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

// bootstrapOnce attempts to bring both transports up, returning nil only when
// the adapter is fully ready.
func (c *CodexAgent) bootstrapOnce(ctx context.Context) error {
	appErr := c.ensureAppServer(ctx)
	ipcErr := c.ensureIPC(ctx)
	c.updateState()
	if appErr != nil {
		return appErr
	}
	return ipcErr
}

func (c *CodexAgent) ensureAppServer(ctx context.Context) error {
	c.mu.Lock()
	if c.disabled {
		c.mu.Unlock()
		return fmt.Errorf("codex executable not found, capability disabled")
	}
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		transport = appserver.New(c.cfg.Executable, appserver.Options{
			Env: []string{
				"CODEX_INTERNAL_ORIGINATOR_OVERRIDE=" + c.cfg.ClientName,
				"AGENTDECK_CLIENT_RUN_ID=" + c.runID,
			},
			ClientInfo: appserver.ClientInfo{
				Name:    c.cfg.ClientName,
				Version: c.cfg.ClientVersion,
			},
			StderrSink: c.handleStderr,
			Logger:     c.logger,
		})
		c.mu.Lock()
		c.transport = transport
		c.mu.Unlock()
	}

	// The handshake itself is the liveness probe.
	_, err := transport.Request(ctx, "thread/loaded/list", nil, 10*time.Second)
	if err != nil {
		if appserver.NotFound(err) {
			c.mu.Lock()
			c.disabled = true
			c.appReady = false
			c.transport = nil
			c.mu.Unlock()
			transport.Close()
			c.logger.Error("codex executable not found, disabling codex for this process", "executable", c.cfg.Executable)
			return err
		}
		// An RPC-level rejection still proves the process answers.
		var rpcErr *appserver.RPCError
		if !errors.As(err, &rpcErr) {
			c.mu.Lock()
			c.transport = nil
			c.appReady = false
			c.mu.Unlock()
			transport.Close()
			return fmt.Errorf("app-server probe: %w", err)
		}
	}
	c.mu.Lock()
	c.appReady = true
	c.mu.Unlock()
	return nil
}

func (c *CodexAgent) ensureIPC(ctx context.Context) error {
	c.mu.Lock()
	connected := c.ipcConnected && c.ipcInitialized
	c.mu.Unlock()
	if connected {
		return nil
	}
	if err := c.conn.Connect(ctx); err != nil {
		return fmt.Errorf("ipc connect: %w", err)
	}
	c.mu.Lock()
	c.ipcConnected = true
	c.mu.Unlock()
	if err := c.conn.Initialize(ctx, c.cfg.ClientName, c.cfg.ClientVersion); err != nil {
		c.conn.Disconnect()
		c.mu.Lock()
		c.ipcConnected = false
		c.ipcInitialized = false
		c.mu.Unlock()
		return fmt.Errorf("ipc initialize: %w", err)
	}
	c.mu.Lock()
	c.ipcInitialized = true
	c.mu.Unlock()
	c.logger.Info("ipc: connected and initialized", "client_id", c.conn.ClientID())
	return nil
}

func (c *CodexAgent) updateState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BootStopped || c.state == BootUninitialized {
		return
	}
	if c.appReady && c.ipcConnected && c.ipcInitialized {
		c.state = BootReady
		return
	}
	c.state = BootDegraded
}

func (c *CodexAgent) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == BootStopped
}

func (c *CodexAgent) codexDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *CodexAgent) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *CodexAgent) handleConnState(state ipc.ConnState) {
	if state.Connected {
		return
	}
	c.mu.Lock()
	c.ipcConnected = false
	c.ipcInitialized = false
	c.mu.Unlock()
	c.updateState()
	c.logger.Warn("ipc: disconnected", "reason", state.Reason)
	c.poke()
}

// handleFrame observes stream broadcasts arriving on the IPC socket.
func (c *CodexAgent) handleFrame(frame protocol.Frame) {
	if frame.Type != protocol.FrameBroadcast || frame.Broadcast == nil {
		return
	}
	if frame.Broadcast.Method != protocol.MethodThreadStreamStateChange {
		return
	}
	c.ingestStreamEvent(frame.Broadcast.SourceClientID, frame.Broadcast.Params)
}

// ingestStreamEvent buffers one broadcast, journals it, recomputes the
// thread's derived state, and publishes history and state envelopes.
func (c *CodexAgent) ingestStreamEvent(sourceClientID string, params json.RawMessage) {
	var probe struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.ConversationID == "" {
		c.logger.Warn("dropping stream broadcast without conversationId", "error", err)
		return
	}
	threadID := probe.ConversationID

	event := streamstate.RawEvent{
		SourceClientID: sourceClientID,
		Params:         append(json.RawMessage(nil), params...),
	}
	c.buffer.append(threadID, event)

	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.AppendTrace(threadID, sourceClientID, params); err != nil {
			c.logger.Warn("trace journal append failed", "thread_id", threadID, "error", err)
		}
	}

	states, pruned := c.resilient.Reduce(c.buffer.snapshot(threadID))
	c.buffer.prune(threadID, pruned)

	c.mu.Lock()
	if derived, ok := states[threadID]; ok {
		c.derived[threadID] = derived
	}
	derived := c.derived[threadID]
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.Publish(Envelope{Type: EnvelopeHistory, ThreadID: threadID, Payload: event.Params})
		if derived != nil && derived.HasState() {
			if payload, err := json.Marshal(derived.State); err == nil {
				c.hub.Publish(Envelope{Type: EnvelopeState, ThreadID: threadID, Payload: payload})
			}
		}
	}
}

// DerivedState resolves the latest reduced view of a thread. It also serves
// as the command layer's owner source.
func (c *CodexAgent) DerivedState(threadID string) (*streamstate.Derived, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.derived[threadID]
	return d, ok
}

// Benign stderr pattern demoted to debug level: the rollout lister logging a
// missing rollout path for threads that never persisted one. Both halves must
// match; either substring alone could come from a real failure.
var benignStderrPatterns = []string{
	"codex_core::rollout::list",
	"state db missing rollout path for thread",
}

func (c *CodexAgent) handleStderr(line string) {
	benign := true
	for _, pattern := range benignStderrPatterns {
		if !strings.Contains(line, pattern) {
			benign = false
			break
		}
	}
	if benign {
		c.logger.Debug("app-server stderr", "line", line)
		return
	}
	c.logger.Warn("app-server stderr", "line", line)
}

func (c *CodexAgent) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	transport := c.transport
	disabled := c.disabled
	c.mu.Unlock()
	if disabled {
		return nil, &UnavailableError{AgentID: c.ID(), Reason: "codex executable not found"}
	}
	if transport == nil {
		return nil, &UnavailableError{AgentID: c.ID(), Reason: "not connected"}
	}
	result, err := transport.Request(ctx, method, params, 0)
	if err != nil {
		var procErr *appserver.ProcessError
		if errors.As(err, &procErr) {
			c.mu.Lock()
			if c.transport == transport {
				c.transport = nil
			}
			c.appReady = false
			c.mu.Unlock()
			c.updateState()
			c.poke()
		}
		return nil, err
	}
	return result, nil
}

func (c *CodexAgent) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	result, err := c.rpc(ctx, "thread/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	return parseThreadList(result)
}

func (c *CodexAgent) CreateThread(ctx context.Context, cwd string) (ThreadSummary, error) {
	params := map[string]any{}
	if cwd != "" {
		params["cwd"] = cwd
	}
	result, err := c.rpc(ctx, "thread/start", params)
	if err != nil {
		return ThreadSummary{}, err
	}
	summary, ok := parseThread(result)
	if !ok {
		return ThreadSummary{}, fmt.Errorf("thread/start returned no thread id")
	}
	return summary, nil
}

func (c *CodexAgent) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	result, err := c.rpc(ctx, "thread/read", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, err
	}
	summary, ok := parseThread(result)
	if !ok {
		summary = ThreadSummary{ID: threadID}
	}
	thread := &Thread{ThreadSummary: summary}
	if derived, found := c.DerivedState(threadID); found && derived.HasState() {
		if conv, err := derived.Conversation(); err == nil {
			thread.Conversation = conv
		}
	}
	return thread, nil
}

// SendMessage starts a turn over the app-server RPC. A thread-not-loaded
// rejection triggers exactly one resume followed by exactly one retry; any
// further failure surfaces unchanged. When the subprocess is unavailable but
// a desktop client is following the thread, the send is routed to that
// client over the IPC socket instead.
func (c *CodexAgent) SendMessage(ctx context.Context, in MessageInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return commands.ErrEmptyMessage
	}
	params := map[string]any{
		"threadId": in.ThreadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}
	if in.Cwd != "" {
		params["cwd"] = in.Cwd
	}
	if in.Model != "" {
		params["model"] = in.Model
	}
	if in.ReasoningEffort != "" {
		params["reasoningEffort"] = in.ReasoningEffort
	}
	if in.CollaborationMode != "" {
		params["collaborationMode"] = in.CollaborationMode
	}

	_, err := c.rpc(ctx, "turn/start", params)
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return c.sendViaOwner(ctx, in, err)
	}
	if !appserver.IsThreadNotLoaded(err) {
		return err
	}
	c.logger.Info("thread not loaded, resuming before retry", "thread_id", in.ThreadID)
	if _, resumeErr := c.rpc(ctx, "thread/resume", map[string]any{"threadId": in.ThreadID}); resumeErr != nil {
		return fmt.Errorf("resume thread %s: %w", in.ThreadID, resumeErr)
	}
	_, err = c.rpc(ctx, "turn/start", params)
	return err
}

// sendViaOwner falls back to the owner-routed IPC send. If no owner was
// observed or the socket is down, the original unavailability error stands.
func (c *CodexAgent) sendViaOwner(ctx context.Context, in MessageInput, cause error) error {
	err := c.commander.SendMessage(ctx, commands.SendMessageInput{
		ThreadID:          in.ThreadID,
		Text:              in.Text,
		Cwd:               in.Cwd,
		Model:             in.Model,
		ReasoningEffort:   in.ReasoningEffort,
		CollaborationMode: in.CollaborationMode,
	})
	if err == nil {
		c.logger.Info("send routed to owner client over ipc", "thread_id", in.ThreadID)
		return nil
	}
	if errors.Is(err, commands.ErrNoOwner) || errors.Is(err, ipc.ErrNotConnected) {
		return cause
	}
	return err
}

// Interrupt stops the current turn over the app-server RPC, falling back to
// the owner-routed IPC command when the subprocess is unavailable.
func (c *CodexAgent) Interrupt(ctx context.Context, threadID string) error {
	_, err := c.rpc(ctx, "turn/interrupt", map[string]any{"threadId": threadID})
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		return err
	}
	fbErr := c.commander.Interrupt(ctx, threadID)
	if fbErr == nil {
		c.logger.Info("interrupt routed to owner client over ipc", "thread_id", threadID)
		return nil
	}
	if errors.Is(fbErr, commands.ErrNoOwner) || errors.Is(fbErr, ipc.ErrNotConnected) {
		return err
	}
	return fbErr
}

// SetCollaborationMode routes through the desktop IPC command layer so the
// client following the thread applies the change.
func (c *CodexAgent) SetCollaborationMode(ctx context.Context, threadID, mode string) error {
	return c.commander.SetCollaborationMode(ctx, threadID, mode)
}

func (c *CodexAgent) SubmitUserInput(ctx context.Context, threadID, requestID, response string) error {
	return c.commander.SubmitUserInput(ctx, threadID, requestID, response)
}

func (c *CodexAgent) ReadLiveState(threadID string) (*protocol.ConversationState, error) {
	derived, ok := c.DerivedState(threadID)
	if !ok || !derived.HasState() {
		return nil, &NotRegisteredError{ThreadID: threadID}
	}
	return derived.Conversation()
}

func (c *CodexAgent) ReadStreamEvents(threadID string) ([]streamstate.RawEvent, error) {
	return c.buffer.snapshot(threadID), nil
}

func (c *CodexAgent) ListModels(ctx context.Context) ([]Model, error) {
	result, err := c.rpc(ctx, "model/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Items []Model `json:"items"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode model/list result: %w", err)
	}
	return parsed.Items, nil
}

func (c *CodexAgent) ListCollaborationModes(ctx context.Context) ([]CollaborationMode, error) {
	result, err := c.rpc(ctx, "collaborationMode/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Items []CollaborationMode `json:"items"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode collaborationMode/list result: %w", err)
	}
	return parsed.Items, nil
}

// parseThreadList tolerates both result shapes the app-server has used for
// thread listings.
func parseThreadList(result json.RawMessage) ([]ThreadSummary, error) {
	var parsed struct {
		Items   []threadWire `json:"items"`
		Data    []threadWire `json:"data"`
		Threads []threadWire `json:"threads"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode thread/list result: %w", err)
	}
	merged := append(append(parsed.Items, parsed.Data...), parsed.Threads...)
	out := make([]ThreadSummary, 0, len(merged))
	for _, w := range merged {
		if summary, ok := w.summary(); ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

func parseThread(result json.RawMessage) (ThreadSummary, bool) {
	var parsed struct {
		threadWire
		Thread *threadWire `json:"thread"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return ThreadSummary{}, false
	}
	if parsed.Thread != nil {
		return parsed.Thread.summary()
	}
	return parsed.threadWire.summary()
}

type threadWire struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	Title     string `json:"title"`
	Name      string `json:"name"`
	Cwd       string `json:"cwd"`
	UpdatedAt string `json:"updatedAt"`
}

func (w threadWire) summary() (ThreadSummary, bool) {
	id := w.ID
	if id == "" {
		id = w.ThreadID
	}
	if id == "" {
		return ThreadSummary{}, false
	}
	title := w.Title
	if title == "" {
		title = w.Name
	}
	return ThreadSummary{ID: id, Title: title, Cwd: w.Cwd, UpdatedAt: w.UpdatedAt}, true
}
