package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yn612/agentdeck/internal/protocol"
	"github.com/yn612/agentdeck/internal/streamstate"
)

// RouteStore is the persistent threadID to agentID index. Lookups are
// fail-closed: a store error means the route is unknown, not guessed.
type RouteStore interface {
	Lookup(threadID string) (agentID string, ok bool, err error)
	Bind(threadID, agentID string) error
}

// Registry resolves which adapter owns a thread and gates optional
// operations on the adapter's capability set.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Agent
	routes    RouteStore
	defaultID string
}

func NewRegistry(routes RouteStore, defaultID string) *Registry {
	return &Registry{
		byID:      map[string]Agent{},
		routes:    routes,
		defaultID: normalizeAgentID(defaultID),
	}
}

func (r *Registry) Register(a Agent) error {
	if a == nil {
		return fmt.Errorf("agent is nil")
	}
	id := normalizeAgentID(a.ID())
	if id == "" {
		return fmt.Errorf("agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("agent already registered for id=%s", id)
	}
	r.byID[id] = a
	return nil
}

func (r *Registry) Resolve(agentID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[normalizeAgentID(agentID)]
	return a, ok
}

// Agents returns every registered adapter, sorted by id.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Default resolves the adapter used for thread creation when the caller does
// not name one: the configured default if it is currently ready, otherwise
// the first ready adapter in id order.
func (r *Registry) Default() (Agent, error) {
	if r.defaultID != "" {
		if a, ok := r.Resolve(r.defaultID); ok && a.Ready() {
			return a, nil
		}
	}
	for _, a := range r.Agents() {
		if a.Ready() {
			return a, nil
		}
	}
	return nil, &UnavailableError{AgentID: r.defaultID, Reason: "no ready agent"}
}

// Owner resolves the adapter owning an existing thread via the routing
// index. Unknown threads fail with NotRegisteredError; known threads whose
// adapter is missing or not ready fail with UnavailableError.
func (r *Registry) Owner(threadID string) (Agent, error) {
	agentID, ok, err := r.routes.Lookup(threadID)
	if err != nil {
		return nil, fmt.Errorf("route lookup for thread %s: %w", threadID, err)
	}
	if !ok {
		return nil, &NotRegisteredError{ThreadID: threadID}
	}
	a, registered := r.Resolve(agentID)
	if !registered {
		return nil, &UnavailableError{AgentID: agentID, Reason: "not enabled"}
	}
	if !a.Ready() {
		return nil, &UnavailableError{AgentID: agentID, Reason: "not connected"}
	}
	return a, nil
}

// CreateThread creates a thread on the named adapter (or the default when
// agentID is empty) and binds the new thread into the routing index.
func (r *Registry) CreateThread(ctx context.Context, agentID, cwd string) (ThreadSummary, error) {
	var a Agent
	if strings.TrimSpace(agentID) == "" {
		var err error
		if a, err = r.Default(); err != nil {
			return ThreadSummary{}, err
		}
	} else {
		resolved, ok := r.Resolve(agentID)
		if !ok {
			return ThreadSummary{}, &UnavailableError{AgentID: agentID, Reason: "not enabled"}
		}
		if !resolved.Ready() {
			return ThreadSummary{}, &UnavailableError{AgentID: agentID, Reason: "not connected"}
		}
		a = resolved
	}
	summary, err := a.CreateThread(ctx, cwd)
	if err != nil {
		return ThreadSummary{}, err
	}
	if err := r.routes.Bind(summary.ID, a.ID()); err != nil {
		return ThreadSummary{}, fmt.Errorf("bind thread %s: %w", summary.ID, err)
	}
	return summary, nil
}

// BindThread records an externally observed thread into the routing index.
// Adapters call this when listing surfaces threads the daemon has not seen.
func (r *Registry) BindThread(threadID, agentID string) error {
	if _, ok := r.Resolve(agentID); !ok {
		return fmt.Errorf("bind thread %s: unknown agent %s", threadID, agentID)
	}
	return r.routes.Bind(threadID, normalizeAgentID(agentID))
}

// ListThreads lists threads across every ready adapter and binds each into
// the routing index so later per-thread operations can route.
func (r *Registry) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	var out []ThreadSummary
	for _, a := range r.Agents() {
		if !a.Ready() {
			continue
		}
		threads, err := a.ListThreads(ctx)
		if err != nil {
			return nil, fmt.Errorf("list threads on %s: %w", a.ID(), err)
		}
		for _, thread := range threads {
			if err := r.routes.Bind(thread.ID, a.ID()); err != nil {
				return nil, fmt.Errorf("bind thread %s: %w", thread.ID, err)
			}
		}
		out = append(out, threads...)
	}
	return out, nil
}

func (r *Registry) ReadThread(ctx context.Context, threadID string) (*Thread, error) {
	a, err := r.Owner(threadID)
	if err != nil {
		return nil, err
	}
	return a.ReadThread(ctx, threadID)
}

func (r *Registry) SendMessage(ctx context.Context, in MessageInput) error {
	a, err := r.Owner(in.ThreadID)
	if err != nil {
		return err
	}
	return a.SendMessage(ctx, in)
}

func (r *Registry) Interrupt(ctx context.Context, threadID string) error {
	a, err := r.Owner(threadID)
	if err != nil {
		return err
	}
	return a.Interrupt(ctx, threadID)
}

func (r *Registry) SetCollaborationMode(ctx context.Context, threadID, mode string) error {
	a, err := r.Owner(threadID)
	if err != nil {
		return err
	}
	setter, ok := a.(CollaborationModeSetter)
	if !ok || !a.Capabilities().CanSetCollaborationMode {
		return &CapabilityError{AgentID: a.ID(), Operation: "setCollaborationMode"}
	}
	return setter.SetCollaborationMode(ctx, threadID, mode)
}

func (r *Registry) SubmitUserInput(ctx context.Context, threadID, requestID, response string) error {
	a, err := r.Owner(threadID)
	if err != nil {
		return err
	}
	submitter, ok := a.(UserInputSubmitter)
	if !ok || !a.Capabilities().CanSubmitUserInput {
		return &CapabilityError{AgentID: a.ID(), Operation: "submitUserInput"}
	}
	return submitter.SubmitUserInput(ctx, threadID, requestID, response)
}

func (r *Registry) ReadLiveState(threadID string) (*protocol.ConversationState, error) {
	a, err := r.Owner(threadID)
	if err != nil {
		return nil, err
	}
	reader, ok := a.(LiveStateReader)
	if !ok || !a.Capabilities().CanReadLiveState {
		return nil, &CapabilityError{AgentID: a.ID(), Operation: "readLiveState"}
	}
	return reader.ReadLiveState(threadID)
}

func (r *Registry) ReadStreamEvents(threadID string) ([]streamstate.RawEvent, error) {
	a, err := r.Owner(threadID)
	if err != nil {
		return nil, err
	}
	reader, ok := a.(StreamEventsReader)
	if !ok || !a.Capabilities().CanReadStreamEvents {
		return nil, &CapabilityError{AgentID: a.ID(), Operation: "readStreamEvents"}
	}
	return reader.ReadStreamEvents(threadID)
}

// ListModels falls through to an empty list when the adapter does not expose
// model listing; only an explicit capability mismatch is an error.
func (r *Registry) ListModels(ctx context.Context, agentID string) ([]Model, error) {
	a, ok := r.Resolve(agentID)
	if !ok {
		return nil, &UnavailableError{AgentID: agentID, Reason: "not enabled"}
	}
	lister, implements := a.(ModelLister)
	if !implements || !a.Capabilities().CanListModels {
		return []Model{}, nil
	}
	return lister.ListModels(ctx)
}

func (r *Registry) ListCollaborationModes(ctx context.Context, agentID string) ([]CollaborationMode, error) {
	a, ok := r.Resolve(agentID)
	if !ok {
		return nil, &UnavailableError{AgentID: agentID, Reason: "not enabled"}
	}
	lister, implements := a.(CollaborationModeLister)
	if !implements || !a.Capabilities().CanListCollaborationModes {
		return []CollaborationMode{}, nil
	}
	return lister.ListCollaborationModes(ctx)
}

func normalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
