package agent

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/yn612/agentdeck/internal/streamstate"
)

func bufEvent(i int) streamstate.RawEvent {
	return streamstate.RawEvent{
		SourceClientID: "c",
		Params:         json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

func TestStreamBufferBound(t *testing.T) {
	buf := newStreamBuffer(5)
	for i := 0; i < 12; i++ {
		buf.append("t1", bufEvent(i))
	}
	events := buf.snapshot("t1")
	if len(events) != 5 {
		t.Fatalf("buffer not bounded: %d", len(events))
	}
	// Oldest entries are evicted first.
	if string(events[0].Params) != `{"n":7}` || string(events[4].Params) != `{"n":11}` {
		t.Fatalf("wrong retained window: %s .. %s", events[0].Params, events[4].Params)
	}
}

func TestStreamBufferPrune(t *testing.T) {
	buf := newStreamBuffer(10)
	for i := 0; i < 4; i++ {
		buf.append("t1", bufEvent(i))
	}
	buf.prune("t1", []int{1, 3, 99})
	events := buf.snapshot("t1")
	if len(events) != 2 || string(events[0].Params) != `{"n":0}` || string(events[1].Params) != `{"n":2}` {
		t.Fatalf("prune kept wrong events: %+v", events)
	}
}

func TestStreamBufferSnapshotIsolation(t *testing.T) {
	buf := newStreamBuffer(10)
	buf.append("t1", bufEvent(0))
	snap := buf.snapshot("t1")
	buf.append("t1", bufEvent(1))
	if len(snap) != 1 {
		t.Fatalf("snapshot must not observe later appends")
	}
	if got := buf.snapshot("t2"); len(got) != 0 {
		t.Fatalf("unknown thread must yield empty snapshot")
	}
}
