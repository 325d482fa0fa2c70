package agent

import (
	"sync"

	"github.com/yn612/agentdeck/internal/streamstate"
)

// defaultBufferLimit bounds the retained broadcast history per thread.
const defaultBufferLimit = 400

// streamBuffer keeps the last N raw broadcasts per thread. Appends happen on
// the frame-arrival path; readers take snapshot slices and never mutate in
// place.
type streamBuffer struct {
	mu       sync.RWMutex
	limit    int
	byThread map[string][]streamstate.RawEvent
}

func newStreamBuffer(limit int) *streamBuffer {
	if limit <= 0 {
		limit = defaultBufferLimit
	}
	return &streamBuffer{limit: limit, byThread: map[string][]streamstate.RawEvent{}}
}

func (b *streamBuffer) append(threadID string, event streamstate.RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := append(b.byThread[threadID], event)
	if overflow := len(events) - b.limit; overflow > 0 {
		events = append([]streamstate.RawEvent(nil), events[overflow:]...)
	}
	b.byThread[threadID] = events
}

// snapshot returns a copy of the thread's buffered events, oldest first.
func (b *streamBuffer) snapshot(threadID string) []streamstate.RawEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]streamstate.RawEvent(nil), b.byThread[threadID]...)
}

// prune removes the given indexes from the thread's buffer. Indexes refer to
// the snapshot the caller reduced; the buffer may have grown since, so only
// in-range entries are dropped.
func (b *streamBuffer) prune(threadID string, indexes []int) {
	if len(indexes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.byThread[threadID]
	drop := map[int]struct{}{}
	for _, i := range indexes {
		if i >= 0 && i < len(events) {
			drop[i] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := make([]streamstate.RawEvent, 0, len(events)-len(drop))
	for i, ev := range events {
		if _, bad := drop[i]; bad {
			continue
		}
		kept = append(kept, ev)
	}
	b.byThread[threadID] = kept
}

func (b *streamBuffer) threadIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.byThread))
	for id := range b.byThread {
		out = append(out, id)
	}
	return out
}
