package streamstate

import (
	"encoding/json"
	"fmt"

	"github.com/yn612/agentdeck/internal/protocol"
)

// Reduce replays an ordered broadcast stream into per-thread derived state.
// It is pure and deterministic: the same ordered input always yields
// structurally equal output. Events must be passed in arrival order; the
// engine never reorders or batches them.
func Reduce(events []Event) (map[string]*Derived, error) {
	states := map[string]*Derived{}
	for i, event := range events {
		threadID := event.StateChanged.ConversationID
		derived, ok := states[threadID]
		if !ok {
			derived = &Derived{}
			states[threadID] = derived
		}
		derived.OwnerClientID = event.SourceClientID

		change := event.StateChanged.Change
		switch change.Type {
		case protocol.ChangeSnapshot:
			doc, err := decodeSnapshot(change.ConversationState)
			if err != nil {
				return nil, &ReduceError{ThreadID: threadID, EventIndex: i, PatchIndex: -1, Err: err}
			}
			derived.State = doc
		case protocol.ChangePatches:
			if derived.State == nil {
				// Patches preceding any snapshot are expected; retain "no state".
				continue
			}
			next := deepCopy(derived.State).(map[string]any)
			for j, patch := range change.Patches {
				if err := applyPatch(next, patch); err != nil {
					return nil, &ReduceError{ThreadID: threadID, EventIndex: i, PatchIndex: j, Err: err}
				}
			}
			derived.State = next
		default:
			return nil, &ReduceError{ThreadID: threadID, EventIndex: i, PatchIndex: -1, Err: fmt.Errorf("unknown change type %q", change.Type)}
		}
	}
	return states, nil
}

func decodeSnapshot(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("snapshot missing conversationState")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}

// Conversation decodes the generic state document into the typed
// conversation-state shape. Callers should have schema-validated the document
// first.
func (d *Derived) Conversation() (*protocol.ConversationState, error) {
	if !d.HasState() {
		return nil, fmt.Errorf("no state: thread has not observed a snapshot")
	}
	raw, err := json.Marshal(d.State)
	if err != nil {
		return nil, fmt.Errorf("encode derived state: %w", err)
	}
	var state protocol.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode derived state: %w", err)
	}
	return &state, nil
}
