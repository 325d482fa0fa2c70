package streamstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/yn612/agentdeck/internal/protocol"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func rawSnapshot(source, threadID string) RawEvent {
	return RawEvent{
		SourceClientID: source,
		Params: json.RawMessage(fmt.Sprintf(
			`{"conversationId":%q,"change":{"type":"snapshot","conversationState":{"id":%q,"turns":[]}}}`,
			threadID, threadID,
		)),
	}
}

func rawPatch(source, threadID, key, value string) RawEvent {
	return RawEvent{
		SourceClientID: source,
		Params: json.RawMessage(fmt.Sprintf(
			`{"conversationId":%q,"change":{"type":"patches","patches":[{"op":"replace","path":[%q],"value":%q}]}}`,
			threadID, key, value,
		)),
	}
}

func newResilient(t *testing.T) (*Resilient, *recordingHandler) {
	t.Helper()
	validator, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	handler := &recordingHandler{}
	return NewResilient(validator, slog.New(handler)), handler
}

func TestQuarantineIsolation(t *testing.T) {
	// 10-event stream where event #4 (index 3) fails schema validation.
	events := make([]RawEvent, 0, 10)
	events = append(events,
		rawSnapshot("c", "t1"),
		rawPatch("c", "t1", "latestModel", "m1"),
		rawSnapshot("c", "t2"),
	)
	events = append(events, RawEvent{
		SourceClientID: "c",
		Params:         json.RawMessage(`{"conversationId":"t2","change":{"type":"teleport"}}`),
	})
	rest := []RawEvent{
		rawPatch("c", "t2", "latestModel", "m2"),
		rawSnapshot("c", "t3"),
		rawPatch("c", "t3", "latestModel", "m3"),
		rawPatch("c", "t1", "latestModel", "m1b"),
		rawSnapshot("c", "t4"),
		rawPatch("c", "t4", "latestModel", "m4"),
	}
	events = append(events, rest...)

	resilient, _ := newResilient(t)
	states, pruned := resilient.Reduce(events)

	if len(pruned) != 1 || pruned[0] != 3 {
		t.Fatalf("expected exactly event index 3 pruned, got %v", pruned)
	}

	// The result must match a stream where the bad event never existed.
	clean := append(append([]RawEvent{}, events[:3]...), rest...)
	cleanResilient, _ := newResilient(t)
	want, _ := cleanResilient.Reduce(clean)
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("quarantined reduce differs from clean reduce:\n%+v\n%+v", states, want)
	}
	if states["t2"].State["latestModel"] != "m2" {
		t.Fatalf("surviving events must still apply: %+v", states["t2"].State)
	}
}

func TestMalformedEventLoggedOncePerDistinctFailure(t *testing.T) {
	bad := RawEvent{SourceClientID: "c", Params: json.RawMessage(`{"nope":true}`)}
	events := []RawEvent{rawSnapshot("c", "t1"), bad}

	resilient, handler := newResilient(t)
	resilient.Reduce(events)
	first := handler.count()
	if first == 0 {
		t.Fatalf("expected a quarantine log")
	}
	resilient.Reduce(events)
	if handler.count() != first {
		t.Fatalf("identical failure must be logged once, got %d then %d", first, handler.count())
	}
}

func TestReductionFailureDropsOnlyThatThread(t *testing.T) {
	// t1 has a patch through a missing key; t2 is healthy.
	badPatch := RawEvent{
		SourceClientID: "c",
		Params: json.RawMessage(
			`{"conversationId":"t1","change":{"type":"patches","patches":[{"op":"remove","path":["ghost"]}]}}`,
		),
	}
	events := []RawEvent{
		rawSnapshot("c", "t1"),
		badPatch,
		rawSnapshot("c", "t2"),
		rawPatch("c", "t2", "latestModel", "ok"),
	}

	resilient, _ := newResilient(t)
	states, pruned := resilient.Reduce(events)
	if len(pruned) != 0 {
		t.Fatalf("reduction errors are not schema quarantines: %v", pruned)
	}
	if _, exists := states["t1"]; exists {
		t.Fatalf("failing thread must be dropped from the read")
	}
	if states["t2"].State["latestModel"] != "ok" {
		t.Fatalf("healthy thread must survive: %+v", states["t2"])
	}
}
