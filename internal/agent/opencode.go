package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultOpenCodeTimeout = 10 * time.Second

// OpenCodeConfig configures an adapter speaking to a running `opencode serve`
// HTTP server.
type OpenCodeConfig struct {
	BaseURL      string
	HTTPClient   *http.Client
	UnaryTimeout time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// OpenCodeAgent drives an OpenCode backend over its REST API. Sessions map
// one-to-one onto threads.
type OpenCodeAgent struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
}

func NewOpenCodeAgent(cfg OpenCodeConfig) *OpenCodeAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.UnaryTimeout
	if timeout <= 0 {
		timeout = defaultOpenCodeTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &OpenCodeAgent{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       client,
		unaryTimeout: timeout,
		pollInterval: poll,
		logger:       logger.With("agent", "opencode"),
	}
}

func (o *OpenCodeAgent) ID() string { return "opencode" }

func (o *OpenCodeAgent) Capabilities() Capabilities {
	return Capabilities{
		CanListModels: true,
	}
}

func (o *OpenCodeAgent) Ready() bool { return o.ready.Load() }

// Start launches a background health poll so Ready reflects whether the
// server currently answers.
func (o *OpenCodeAgent) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go func() {
		schedule := backoff.WithContext(backoff.NewConstantBackOff(o.pollInterval), ctx)
		for {
			wasReady := o.ready.Load()
			err := o.ping(ctx)
			o.ready.Store(err == nil)
			if err == nil && !wasReady {
				o.logger.Info("opencode server reachable", "base_url", o.baseURL)
			}
			if err != nil && wasReady {
				o.logger.Warn("opencode server unreachable", "error", err)
			}
			next := schedule.NextBackOff()
			if next == backoff.Stop {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
}

func (o *OpenCodeAgent) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.ready.Store(false)
}

func (o *OpenCodeAgent) ping(ctx context.Context) error {
	var out json.RawMessage
	return o.do(ctx, http.MethodGet, "/app", nil, &out)
}

type openCodeSession struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	Time      struct {
		Updated int64 `json:"updated"`
	} `json:"time"`
}

func (s openCodeSession) summary() ThreadSummary {
	updated := ""
	if s.Time.Updated > 0 {
		updated = time.UnixMilli(s.Time.Updated).UTC().Format(time.RFC3339)
	}
	return ThreadSummary{ID: s.ID, Title: s.Title, Cwd: s.Directory, UpdatedAt: updated}
}

func (o *OpenCodeAgent) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	var sessions []openCodeSession
	if err := o.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	out := make([]ThreadSummary, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == "" {
			continue
		}
		out = append(out, s.summary())
	}
	return out, nil
}

func (o *OpenCodeAgent) CreateThread(ctx context.Context, cwd string) (ThreadSummary, error) {
	body := map[string]any{}
	if cwd != "" {
		body["directory"] = cwd
	}
	var session openCodeSession
	if err := o.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return ThreadSummary{}, err
	}
	if session.ID == "" {
		return ThreadSummary{}, fmt.Errorf("opencode: create session returned no id")
	}
	return session.summary(), nil
}

func (o *OpenCodeAgent) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	var session openCodeSession
	if err := o.do(ctx, http.MethodGet, "/session/"+url.PathEscape(threadID), nil, &session); err != nil {
		return nil, err
	}
	return &Thread{ThreadSummary: session.summary()}, nil
}

func (o *OpenCodeAgent) SendMessage(ctx context.Context, in MessageInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return fmt.Errorf("opencode: message text is empty")
	}
	body := map[string]any{
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
	if in.Model != "" {
		body["model"] = map[string]any{"modelID": in.Model}
	}
	var out json.RawMessage
	return o.do(ctx, http.MethodPost, "/session/"+url.PathEscape(in.ThreadID)+"/message", body, &out)
}

func (o *OpenCodeAgent) Interrupt(ctx context.Context, threadID string) error {
	var out json.RawMessage
	return o.do(ctx, http.MethodPost, "/session/"+url.PathEscape(threadID)+"/abort", nil, &out)
}

func (o *OpenCodeAgent) ListModels(ctx context.Context) ([]Model, error) {
	var providers struct {
		Providers []struct {
			ID     string `json:"id"`
			Models map[string]struct {
				Name string `json:"name"`
			} `json:"models"`
		} `json:"providers"`
	}
	if err := o.do(ctx, http.MethodGet, "/config/providers", nil, &providers); err != nil {
		return nil, err
	}
	var out []Model
	for _, p := range providers.Providers {
		for id, m := range p.Models {
			out = append(out, Model{ID: p.ID + "/" + id, DisplayName: m.Name})
		}
	}
	return out, nil
}

func (o *OpenCodeAgent) ListProjectDirectories(ctx context.Context) ([]string, error) {
	var projects []struct {
		Worktree string `json:"worktree"`
	}
	if err := o.do(ctx, http.MethodGet, "/project", nil, &projects); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		if p.Worktree != "" {
			out = append(out, p.Worktree)
		}
	}
	return out, nil
}

// do issues one request with the unary timeout and decodes the JSON body.
// Non-2xx responses become typed errors the registry can map to API status.
func (o *OpenCodeAgent) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, o.unaryTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return &UnavailableError{AgentID: o.ID(), Reason: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &NotRegisteredError{ThreadID: strings.TrimPrefix(path, "/session/")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(payload))
		var wire struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(payload, &wire) == nil {
			if wire.Message != "" {
				message = wire.Message
			} else if wire.Error != "" {
				message = wire.Error
			}
		}
		return fmt.Errorf("opencode %s %s: http %d: %s", method, path, resp.StatusCode, message)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
