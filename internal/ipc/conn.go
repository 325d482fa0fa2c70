package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yn612/agentdeck/internal/protocol"
)

const (
	// DefaultRequestTimeout bounds a sendRequestAndWait call unless the
	// caller overrides it.
	DefaultRequestTimeout = 20 * time.Second

	errCodeNoHandler = "no-handler-for-request"
)

var ErrNotConnected = errors.New("ipc: not connected")

// TransportError is fatal to the current connection: every pending request is
// rejected with it and the socket is destroyed. Reconnecting is the caller's
// job.
type TransportError struct {
	Reason string
}

func (e *TransportError) Error() string {
	return "ipc transport failure: " + e.Reason
}

// RequestError is a well-formed error response from the remote peer. It is
// scoped to the single request and never tears down the connection.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Message
}

// ConnState is emitted to state listeners on every connect/disconnect
// transition.
type ConnState struct {
	Connected bool
	Reason    string
}

// RequestOptions tune a single outbound request.
type RequestOptions struct {
	TargetClientID string
	Version        string
	Timeout        time.Duration
}

type requestOutcome struct {
	resp protocol.Response
	err  error
}

type pendingRequest struct {
	method string
	ch     chan requestOutcome
}

// Conn is the framed duplex connection to the desktop process. It is a mixed
// client/server endpoint: the far end may issue request and discovery frames,
// which this side answers negatively — this process only emits application
// RPCs, it never services them.
type Conn struct {
	dial           func(ctx context.Context) (net.Conn, error)
	requestTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	clientID  string
	pending   map[string]*pendingRequest
	frameSubs []func(protocol.Frame)
	stateSubs []func(ConnState)
	connected bool
}

// New builds a Conn dialing the unix socket at path. Nothing is dialed until
// Connect.
func New(socketPath string, logger *slog.Logger) *Conn {
	return NewWithDialer(func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}, logger)
}

func NewWithDialer(dial func(ctx context.Context) (net.Conn, error), logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		dial:           dial,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger,
		pending:        map[string]*pendingRequest{},
	}
}

func (c *Conn) OnFrame(listener func(protocol.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameSubs = append(c.frameSubs, listener)
}

func (c *Conn) OnConnectionState(listener func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, listener)
}

// ClientID returns the server-assigned identifier, empty before Initialize.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial ipc socket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.clientID = ""
	stateSubs := append([]func(ConnState){}, c.stateSubs...)
	c.mu.Unlock()

	for _, sub := range stateSubs {
		sub(ConnState{Connected: true})
	}
	go c.readLoop(conn)
	return nil
}

func (c *Conn) Disconnect() {
	c.teardown(nil, "disconnected")
}

// Initialize performs the distinguished first request, using the placeholder
// source client id, and adopts the server-assigned identifier for all
// subsequent frames.
func (c *Conn) Initialize(ctx context.Context, clientName, clientVersion string) error {
	params := map[string]any{
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := c.SendRequestAndWait(ctx, protocol.MethodInitialize, params, RequestOptions{})
	if err != nil {
		return fmt.Errorf("ipc initialize: %w", err)
	}
	var out struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if out.ClientID == "" {
		return errors.New("initialize result missing clientId")
	}
	c.mu.Lock()
	c.clientID = out.ClientID
	c.mu.Unlock()
	return nil
}

// SendRequestAndWait writes a request frame and blocks until the matching
// response arrives, the timeout fires, or the connection dies. On timeout the
// pending entry is removed before rejection, so a late response for that id
// is silently dropped.
func (c *Conn) SendRequestAndWait(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	entry := &pendingRequest{method: method, ch: make(chan requestOutcome, 1)}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	source := c.clientID
	if source == "" {
		source = protocol.InitializingClientID
	}
	c.pending[requestID] = entry
	c.mu.Unlock()

	frame := protocol.RequestFrame(protocol.Request{
		RequestID:      requestID,
		Method:         method,
		Params:         rawParams,
		SourceClientID: source,
		TargetClientID: opts.TargetClientID,
		Version:        opts.Version,
	})
	if err := c.writeFrame(frame); err != nil {
		c.dropPending(requestID)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-entry.ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		resp := outcome.resp
		if resp.ResultType == protocol.ResultError {
			reqErr := &RequestError{}
			if resp.Error != nil {
				reqErr.Code = resp.Error.Code
				reqErr.Message = resp.Error.Message
			}
			return nil, reqErr
		}
		return resp.Result, nil
	case <-timer.C:
		c.dropPending(requestID)
		return nil, fmt.Errorf("ipc request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		c.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (c *Conn) SendBroadcast(method string, params any, opts RequestOptions) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	source := c.clientID
	c.mu.Unlock()
	return c.writeFrame(protocol.BroadcastFrame(protocol.Broadcast{
		Method:         method,
		Params:         rawParams,
		SourceClientID: source,
		TargetClientID: opts.TargetClientID,
		Version:        opts.Version,
	}))
}

func (c *Conn) readLoop(conn net.Conn) {
	decoder := &frameDecoder{}
	chunk := make([]byte, 64*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			decoder.Append(chunk[:n])
			for {
				payload, decErr := decoder.Next()
				if decErr != nil {
					c.logger.Error("ipc: fatal framing violation", "error", decErr)
					c.teardown(conn, decErr.Error())
					return
				}
				if payload == nil {
					break
				}
				if !c.handlePayload(conn, payload) {
					return
				}
			}
		}
		if err != nil {
			reason := "socket closed"
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				reason = "socket error: " + err.Error()
			}
			c.teardown(conn, reason)
			return
		}
	}
}

// handlePayload decodes one framed payload and dispatches it. A payload that
// is not valid frame JSON is a protocol violation as fatal as a framing error:
// the stream offset can no longer be trusted, so the connection is torn down
// and false is returned to stop the read loop. Unknown frame types are fine,
// they decode and fall through to the frame listeners.
func (c *Conn) handlePayload(from net.Conn, payload []byte) bool {
	var frame protocol.Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Error("ipc: fatal protocol violation", "error", err)
		c.teardown(from, "undecodable frame payload: "+err.Error())
		return false
	}

	switch frame.Type {
	case protocol.FrameResponse:
		c.resolvePending(*frame.Response)
	case protocol.FrameRequest:
		// Inbound application RPCs are never serviced here.
		c.answerRequest(frame.Request.RequestID)
	case protocol.FrameDiscoveryRequest:
		c.answerDiscovery(frame.DiscoveryRequest.RequestID)
	}

	c.mu.Lock()
	subs := append([]func(protocol.Frame){}, c.frameSubs...)
	c.mu.Unlock()
	for _, sub := range subs {
		sub(frame)
	}
	return true
}

func (c *Conn) resolvePending(resp protocol.Response) {
	c.mu.Lock()
	entry, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()
	if ok {
		entry.ch <- requestOutcome{resp: resp}
	}
}

func (c *Conn) answerRequest(requestID string) {
	err := c.writeFrame(protocol.ResponseFrame(protocol.Response{
		RequestID:  requestID,
		ResultType: protocol.ResultError,
		Error:      &protocol.ResponseError{Code: errCodeNoHandler, Message: "this client does not service requests"},
	}))
	if err != nil {
		c.logger.Warn("ipc: failed to answer inbound request", "error", err)
	}
}

func (c *Conn) answerDiscovery(requestID string) {
	if err := c.writeFrame(protocol.DiscoveryResponseFrame(requestID, false)); err != nil {
		c.logger.Warn("ipc: failed to answer discovery probe", "error", err)
	}
}

func (c *Conn) writeFrame(frame protocol.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	if _, err := c.conn.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// teardown closes the socket, rejects every pending request with the reason,
// and notifies state listeners. When from is non-nil, only a teardown for the
// currently live connection does work, so a stale read loop cannot kill a
// fresh connection.
func (c *Conn) teardown(from net.Conn, reason string) {
	c.mu.Lock()
	if !c.connected || (from != nil && c.conn != from) {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	orphaned := c.pending
	c.pending = map[string]*pendingRequest{}
	stateSubs := append([]func(ConnState){}, c.stateSubs...)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, entry := range orphaned {
		entry.ch <- requestOutcome{err: &TransportError{Reason: reason}}
	}
	for _, sub := range stateSubs {
		sub(ConnState{Connected: false, Reason: reason})
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
