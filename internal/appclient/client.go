// Package appclient is the typed HTTP client for the agentdeckd unix
// socket API.
package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yn612/agentdeck/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return getJSON[api.HealthResponse](ctx, c, "/v1/health", nil)
}

func (c *Client) ListAgents(ctx context.Context) (api.AgentsEnvelope, error) {
	return getJSON[api.AgentsEnvelope](ctx, c, "/v1/agents", nil)
}

func (c *Client) ListModels(ctx context.Context, agentID string) (api.ModelsEnvelope, error) {
	id := strings.TrimSpace(agentID)
	if id == "" {
		return api.ModelsEnvelope{}, fmt.Errorf("agent id is required")
	}
	return getJSON[api.ModelsEnvelope](ctx, c, "/v1/agents/"+url.PathEscape(id)+"/models", nil)
}

func (c *Client) ListCollaborationModes(ctx context.Context, agentID string) (api.CollaborationModesEnvelope, error) {
	id := strings.TrimSpace(agentID)
	if id == "" {
		return api.CollaborationModesEnvelope{}, fmt.Errorf("agent id is required")
	}
	return getJSON[api.CollaborationModesEnvelope](ctx, c, "/v1/agents/"+url.PathEscape(id)+"/collaboration-modes", nil)
}

func (c *Client) ListThreads(ctx context.Context) (api.ThreadsEnvelope, error) {
	return getJSON[api.ThreadsEnvelope](ctx, c, "/v1/threads", nil)
}

func (c *Client) CreateThread(ctx context.Context, req api.CreateThreadRequest) (api.ThreadEnvelope, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/threads", nil, req, false)
	if err != nil {
		return api.ThreadEnvelope{}, err
	}
	var env api.ThreadEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.ThreadEnvelope{}, fmt.Errorf("decode thread envelope: %w", err)
	}
	return env, nil
}

func (c *Client) ReadThread(ctx context.Context, threadID string) (api.ThreadEnvelope, error) {
	path, err := threadPath(threadID, "")
	if err != nil {
		return api.ThreadEnvelope{}, err
	}
	return getJSON[api.ThreadEnvelope](ctx, c, path, nil)
}

func (c *Client) SendMessage(ctx context.Context, threadID string, req api.SendMessageRequest) (api.ActionResponse, error) {
	return c.postThreadAction(ctx, threadID, "message", req)
}

func (c *Client) Interrupt(ctx context.Context, threadID string) (api.ActionResponse, error) {
	return c.postThreadAction(ctx, threadID, "interrupt", nil)
}

func (c *Client) SetCollaborationMode(ctx context.Context, threadID, mode string) (api.ActionResponse, error) {
	return c.postThreadAction(ctx, threadID, "collaboration-mode", api.SetCollaborationModeRequest{Mode: mode})
}

func (c *Client) SubmitUserInput(ctx context.Context, threadID, requestID, response string) (api.ActionResponse, error) {
	return c.postThreadAction(ctx, threadID, "user-input", api.SubmitUserInputRequest{
		RequestID: requestID,
		Response:  response,
	})
}

func (c *Client) LiveState(ctx context.Context, threadID string) (api.LiveStateEnvelope, error) {
	path, err := threadPath(threadID, "live-state")
	if err != nil {
		return api.LiveStateEnvelope{}, err
	}
	return getJSON[api.LiveStateEnvelope](ctx, c, path, nil)
}

func (c *Client) StreamEvents(ctx context.Context, threadID string) (api.StreamEventsEnvelope, error) {
	path, err := threadPath(threadID, "stream-events")
	if err != nil {
		return api.StreamEventsEnvelope{}, err
	}
	return getJSON[api.StreamEventsEnvelope](ctx, c, path, nil)
}

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// Watch consumes /v1/watch until the context is cancelled or the server
// closes the stream. Every decoded event is handed to onEvent.
func (c *Client) Watch(ctx context.Context, onEvent func(api.WatchEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return requestErrorFromBody(resp.StatusCode, payload)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev api.WatchEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("%w: decode watch event: %v", ErrWatchPayloadInvalid, err)
		}
		if onEvent == nil {
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: scan watch stream: %v", ErrWatchPayloadInvalid, err)
	}
	return ctx.Err()
}

// WatchLoop reconnects Watch with exponential backoff. Non-retryable request
// errors and invalid payloads stop the loop.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onEvent func(api.WatchEvent) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.Watch(ctx, func(ev api.WatchEvent) error {
			backoff = minBackoff
			if onEvent == nil {
				return nil
			}
			return onEvent(ev)
		})
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, ErrWatchPayloadInvalid) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if opts.Once {
			return err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) postThreadAction(ctx context.Context, threadID, op string, req any) (api.ActionResponse, error) {
	path, err := threadPath(threadID, op)
	if err != nil {
		return api.ActionResponse{}, err
	}
	body, err := c.request(ctx, http.MethodPost, path, nil, req, false)
	if err != nil {
		return api.ActionResponse{}, err
	}
	var resp api.ActionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.ActionResponse{}, fmt.Errorf("decode action response: %w", err)
	}
	return resp, nil
}

func threadPath(threadID, op string) (string, error) {
	id := strings.TrimSpace(threadID)
	if id == "" {
		return "", fmt.Errorf("thread id is required")
	}
	path := "/v1/threads/" + url.PathEscape(id)
	if op != "" {
		path += "/" + op
	}
	return path, nil
}

func getJSON[T any](ctx context.Context, c *Client, path string, query url.Values) (T, error) {
	var out T
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, requestErrorFromBody(resp.StatusCode, payload)
	}
	return payload, nil
}

func requestErrorFromBody(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
