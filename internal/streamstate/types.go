package streamstate

import (
	"fmt"

	"github.com/yn612/agentdeck/internal/protocol"
)

// Event is one thread-stream-state-changed broadcast paired with the client
// that emitted it.
type Event struct {
	SourceClientID string
	StateChanged   protocol.StateChanged
}

// Derived is the per-thread accumulator rebuilt from the broadcast stream.
// State is nil until a snapshot has been observed; patches that arrive before
// the first snapshot are expected and discarded. OwnerClientID always tracks
// the most recent broadcast's source, last writer wins.
type Derived struct {
	OwnerClientID string
	State         map[string]any
}

// HasState reports whether a snapshot has established a base for the thread.
func (d *Derived) HasState() bool {
	return d != nil && d.State != nil
}

// ReduceError pinpoints the exact event and patch that failed, so the caller
// can isolate one bad event instead of discarding the whole stream.
type ReduceError struct {
	ThreadID   string
	EventIndex int
	PatchIndex int
	Err        error
}

func (e *ReduceError) Error() string {
	return fmt.Sprintf("reduce thread %s: event %d patch %d: %v", e.ThreadID, e.EventIndex, e.PatchIndex, e.Err)
}

func (e *ReduceError) Unwrap() error { return e.Err }
