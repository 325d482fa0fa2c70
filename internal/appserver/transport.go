package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRequestTimeout bounds a single RPC call unless overridden per call.
const DefaultRequestTimeout = 30 * time.Second

const stdoutScannerBuffer = 2 * 1024 * 1024

// ErrClosed is returned for calls made after Close. A closed transport never
// respawns; restart policy belongs to the owning adapter, which creates a
// fresh instance.
var ErrClosed = errors.New("appserver: transport closed")

// ProcessError is fatal to the current child process: spawn failure, exit, or
// a malformed stdout line. Every pending request is rejected with it.
type ProcessError struct {
	Reason string
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("app-server %s: %v", e.Reason, e.Err)
	}
	return "app-server " + e.Reason
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NotFound reports whether the error means the executable does not exist.
// Callers treat that as a permanent condition rather than retrying.
func NotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// procHandles are the pipes of a started child process. wait blocks until the
// process exits; kill tears it down.
type procHandles struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	wait   func() error
	kill   func()
}

type starter func(ctx context.Context) (*procHandles, error)

// ClientInfo identifies this process in the initialize handshake.
type ClientInfo struct {
	Name    string
	Title   string
	Version string
}

// Transport speaks newline-delimited JSON-RPC 2.0 to a spawned app-server
// subprocess. The process is spawned lazily on first use; once it exits, the
// transport stays dead and a new instance must be created.
type Transport struct {
	start      starter
	clientInfo ClientInfo
	stderrSink func(line string)
	notify     func(method string, params json.RawMessage)
	logger     *slog.Logger

	handshake singleflight.Group

	// writeMu serializes stdin writes; os.Pipe writes above PIPE_BUF can
	// interleave, which would corrupt the newline-delimited stream.
	writeMu sync.Mutex

	mu          sync.Mutex
	proc        *procHandles
	pending     map[int64]chan rpcReply
	initialized bool
	dead        bool
	closed      bool

	nextID atomic.Int64
}

type rpcReply struct {
	result json.RawMessage
	rpcErr *RPCError
	err    error
}

// Options configure a Transport beyond the executable itself.
type Options struct {
	Env        []string
	ClientInfo ClientInfo
	// StderrSink receives each diagnostic line from the child's stderr. A
	// panicking sink is contained; logging failures must never break RPC
	// flow.
	StderrSink func(line string)
	// Notify receives server-initiated notifications (no id).
	Notify func(method string, params json.RawMessage)
	Logger *slog.Logger
}

// New builds a transport that spawns `<executable> app-server`.
func New(executable string, opts Options) *Transport {
	start := func(ctx context.Context) (*procHandles, error) {
		cmd := exec.CommandContext(ctx, executable, "app-server")
		cmd.Env = append(os.Environ(), opts.Env...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("app-server stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("app-server stdout: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("app-server stderr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start app-server: %w", err)
		}
		return &procHandles{
			stdin:  stdin,
			stdout: stdout,
			stderr: stderr,
			wait:   cmd.Wait,
			kill: func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			},
		}, nil
	}
	return newWithStarter(start, opts)
}

func newWithStarter(start starter, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	info := opts.ClientInfo
	if info.Name == "" {
		info.Name = "agentdeck"
	}
	return &Transport{
		start:      start,
		clientInfo: info,
		stderrSink: opts.StderrSink,
		notify:     opts.Notify,
		logger:     logger,
		pending:    map[int64]chan rpcReply{},
	}
}

// Request performs one RPC against the child, spawning it and running the
// initialize handshake first if needed. Concurrent first callers share a
// single in-flight handshake.
func (t *Transport) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := t.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return t.call(ctx, method, params, timeout)
}

// Close kills the child process and rejects pending work. The transport is
// unusable afterwards.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	proc := t.proc
	t.mu.Unlock()

	t.fail(&ProcessError{Reason: "closed"})
	if proc != nil {
		_ = proc.stdin.Close()
		proc.kill()
	}
}

func (t *Transport) ensureInitialized(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.dead {
		t.mu.Unlock()
		return &ProcessError{Reason: "exited; transport requires a new instance"}
	}
	if t.initialized {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	_, err, _ := t.handshake.Do("initialize", func() (any, error) {
		if err := t.spawn(ctx); err != nil {
			return nil, err
		}
		params := map[string]any{
			"clientInfo": map[string]any{
				"name":    t.clientInfo.Name,
				"title":   t.clientInfo.Title,
				"version": t.clientInfo.Version,
			},
			"capabilities": map[string]any{
				"experimentalApi": true,
			},
		}
		if _, err := t.call(ctx, "initialize", params, 0); err != nil {
			return nil, fmt.Errorf("initialize handshake: %w", err)
		}
		if err := t.writeNotification("initialized", nil); err != nil {
			return nil, fmt.Errorf("initialized notification: %w", err)
		}
		t.mu.Lock()
		t.initialized = true
		t.mu.Unlock()
		return nil, nil
	})
	return err
}

func (t *Transport) spawn(ctx context.Context) error {
	t.mu.Lock()
	if t.proc != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	proc, err := t.start(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		proc.kill()
		return ErrClosed
	}
	t.proc = proc
	t.mu.Unlock()

	go t.readLoop(proc.stdout)
	go t.stderrLoop(proc.stderr)
	go t.waitLoop(proc)
	return nil
}

func (t *Transport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	ch := make(chan rpcReply, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.dead {
		t.mu.Unlock()
		return nil, &ProcessError{Reason: "exited; transport requires a new instance"}
	}
	proc := t.proc
	t.pending[id] = ch
	t.mu.Unlock()
	if proc == nil {
		t.dropPending(id)
		return nil, &ProcessError{Reason: "not started"}
	}

	if err := t.writeLine(proc, line); err != nil {
		t.dropPending(id)
		return nil, &ProcessError{Reason: "stdin write failed", Err: err}
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.rpcErr != nil {
			return nil, reply.rpcErr
		}
		return reply.result, nil
	case <-timer.C:
		t.dropPending(id)
		return nil, fmt.Errorf("app-server request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	}
}

func (t *Transport) writeNotification(method string, params any) error {
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()
	if proc == nil {
		return &ProcessError{Reason: "not started"}
	}
	return t.writeLine(proc, line)
}

func (t *Transport) writeLine(proc *procHandles, line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := proc.stdin.Write(append(line, '\n'))
	return err
}

func (t *Transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdoutScannerBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !t.handleLine([]byte(line)) {
			return
		}
	}
}

// handleLine routes one stdout line. A non-JSON line or schema-invalid reply
// poisons the correlation table: all pending requests are rejected and the
// transport goes dead.
func (t *Transport) handleLine(line []byte) bool {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		t.logger.Error("app-server emitted malformed line, rejecting all pending requests", "error", err)
		t.fail(&ProcessError{Reason: "malformed stdout line", Err: err})
		return false
	}

	switch {
	case probe.ID != nil && (probe.Result != nil || probe.Error != nil):
		t.mu.Lock()
		ch, ok := t.pending[*probe.ID]
		if ok {
			delete(t.pending, *probe.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- rpcReply{result: probe.Result, rpcErr: probe.Error}
		}
	case probe.Method != "" && probe.ID == nil:
		if t.notify != nil {
			t.notify(probe.Method, probe.Params)
		}
	case probe.Method == "" && probe.ID == nil:
		t.logger.Error("app-server reply has neither id nor method, rejecting all pending requests")
		t.fail(&ProcessError{Reason: "reply without id or method"})
		return false
	}
	return true
}

func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.emitStderr(line)
	}
}

// emitStderr hands one diagnostic line to the sink. Sink failures are
// swallowed: they must never propagate back into the transport.
func (t *Transport) emitStderr(line string) {
	if t.stderrSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("stderr sink panicked", "panic", r)
		}
	}()
	t.stderrSink(line)
}

func (t *Transport) waitLoop(proc *procHandles) {
	err := proc.wait()
	reason := "exited"
	if err != nil {
		reason = "exited: " + err.Error()
	}
	t.fail(&ProcessError{Reason: reason})
}

// fail marks the transport dead and rejects every pending request.
func (t *Transport) fail(cause *ProcessError) {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	t.initialized = false
	orphaned := t.pending
	t.pending = map[int64]chan rpcReply{}
	t.mu.Unlock()

	for _, ch := range orphaned {
		ch <- rpcReply{err: cause}
	}
}

func (t *Transport) dropPending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
