package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yn612/agentdeck/internal/api"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewWithClient(server.URL, server.Client())
}

func TestListThreadsDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/threads" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.ThreadsEnvelope{
			SchemaVersion: "v1",
			Threads:       []api.ThreadItem{{ThreadID: "t1", Title: "fix parser"}},
		})
	})

	env, err := client.ListThreads(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(env.Threads) != 1 || env.Threads[0].ThreadID != "t1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestSendMessagePostsBody(t *testing.T) {
	var got api.SendMessageRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/threads/t1/message" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(api.ActionResponse{ResultCode: "ok", ThreadID: "t1"})
	})

	resp, err := client.SendMessage(context.Background(), "t1", api.SendMessageRequest{Text: "hello", Model: "gpt-5-codex"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.ResultCode != "ok" || got.Text != "hello" || got.Model != "gpt-5-codex" {
		t.Fatalf("round trip broken: resp=%+v got=%+v", resp, got)
	}
}

func TestRequestErrorCarriesServerCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: api.ErrRefNotFound, Message: "thread ghost is not registered"},
		})
	})

	_, err := client.ReadThread(context.Background(), "ghost")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != api.ErrRefNotFound {
		t.Fatalf("unexpected error %+v", reqErr)
	}
	if reqErr.Retryable() {
		t.Fatalf("404 must not be retryable")
	}
}

func TestRequestErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		err := &RequestError{StatusCode: tc.status}
		if err.Retryable() != tc.want {
			t.Fatalf("Retryable(%d) = %v, want %v", tc.status, !tc.want, tc.want)
		}
	}
}

func TestBlankThreadIDRejectedLocally(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no request expected")
	})
	if _, err := client.ReadThread(context.Background(), "  "); err == nil {
		t.Fatalf("blank thread id must fail before hitting the server")
	}
}

func TestWatchDecodesEvents(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/watch" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 2; i++ {
			fmt.Fprintf(w, "event: state\ndata: {\"type\":\"state\",\"thread_id\":\"t%d\",\"payload\":{}}\n\n", i+1)
			flusher.Flush()
		}
	})

	var seen []string
	err := client.Watch(context.Background(), func(ev api.WatchEvent) error {
		seen = append(seen, ev.ThreadID)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(seen) != 2 || seen[0] != "t1" || seen[1] != "t2" {
		t.Fatalf("events = %v", seen)
	}
}

func TestWatchLoopStopsOnNonRetryableError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.APIError{Code: api.ErrRefNotFound, Message: "nope"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.WatchLoop(ctx, WatchLoopOptions{}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
		t.Fatalf("loop must stop on 404, got %v", err)
	}
}

func TestWatchLoopOnceSurfacesFirstError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := client.WatchLoop(context.Background(), WatchLoopOptions{Once: true}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("once loop must surface error, got %v", err)
	}
}
