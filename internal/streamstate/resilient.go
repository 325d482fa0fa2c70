package streamstate

import (
	"encoding/json"
	"log/slog"

	"github.com/yn612/agentdeck/internal/protocol"
)

// RawEvent is a buffered broadcast that has not been trusted yet: the params
// payload is kept as received so it can be schema-checked before reduction.
type RawEvent struct {
	SourceClientID string
	Params         json.RawMessage
}

// Resilient layers the defensive consumer policy over Reduce: events that
// individually fail schema validation are pruned and logged with full payload
// detail exactly once per distinct failure, then reduction is retried on the
// survivors. One malformed broadcast must not black-hole a thread's live
// view.
type Resilient struct {
	validator *protocol.Validator
	logger    *slog.Logger
	reported  map[string]struct{}
}

func NewResilient(validator *protocol.Validator, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{
		validator: validator,
		logger:    logger,
		reported:  map[string]struct{}{},
	}
}

// Reduce validates, decodes, and reduces the buffered events. It returns the
// derived states plus the indexes of events that failed schema validation so
// the caller can prune them from its buffer. Threads whose reduction fails
// are omitted from the result instead of failing the whole read.
func (r *Resilient) Reduce(raw []RawEvent) (map[string]*Derived, []int) {
	events := make([]Event, 0, len(raw))
	var pruned []int
	for i, re := range raw {
		if err := r.validator.StateChanged(re.Params); err != nil {
			r.reportOnce(re, err)
			pruned = append(pruned, i)
			continue
		}
		var changed protocol.StateChanged
		if err := json.Unmarshal(re.Params, &changed); err != nil {
			r.reportOnce(re, err)
			pruned = append(pruned, i)
			continue
		}
		events = append(events, Event{SourceClientID: re.SourceClientID, StateChanged: changed})
	}

	poisoned := map[string]struct{}{}
	for {
		filtered := events
		if len(poisoned) > 0 {
			filtered = make([]Event, 0, len(events))
			for _, ev := range events {
				if _, bad := poisoned[ev.StateChanged.ConversationID]; bad {
					continue
				}
				filtered = append(filtered, ev)
			}
		}
		states, err := Reduce(filtered)
		if err == nil {
			r.validateDerived(states)
			return states, pruned
		}
		reduceErr, ok := err.(*ReduceError)
		if !ok {
			r.logger.Error("stream reduce failed", "error", err)
			return map[string]*Derived{}, pruned
		}
		r.logger.Warn("dropping thread derived state for this read",
			"thread_id", reduceErr.ThreadID,
			"event_index", reduceErr.EventIndex,
			"patch_index", reduceErr.PatchIndex,
			"error", reduceErr.Err,
		)
		poisoned[reduceErr.ThreadID] = struct{}{}
	}
}

// validateDerived re-checks each reduced state against the conversation-state
// schema before it is trusted; failing threads are dropped from the result.
func (r *Resilient) validateDerived(states map[string]*Derived) {
	for threadID, derived := range states {
		if !derived.HasState() {
			continue
		}
		if err := r.validator.ConversationDoc(derived.State); err != nil {
			r.logger.Warn("reduced state failed schema validation", "thread_id", threadID, "error", err)
			derived.State = nil
		}
	}
}

func (r *Resilient) reportOnce(re RawEvent, err error) {
	key := err.Error()
	if _, seen := r.reported[key]; seen {
		return
	}
	r.reported[key] = struct{}{}
	r.logger.Warn("quarantining malformed stream event",
		"source_client_id", re.SourceClientID,
		"payload", string(re.Params),
		"error", err,
	)
}
