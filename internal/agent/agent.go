// Package agent defines the uniform adapter surface over coding-agent
// backends and the registry that routes thread operations to the adapter
// owning each thread.
package agent

import (
	"context"

	"github.com/yn612/agentdeck/internal/protocol"
	"github.com/yn612/agentdeck/internal/streamstate"
)

// Capabilities advertises which optional operations an adapter supports.
// Operations outside the set are rejected at the registry boundary, never
// silently no-oped.
type Capabilities struct {
	CanListModels             bool `json:"canListModels"`
	CanListCollaborationModes bool `json:"canListCollaborationModes"`
	CanSetCollaborationMode   bool `json:"canSetCollaborationMode"`
	CanSubmitUserInput        bool `json:"canSubmitUserInput"`
	CanReadLiveState          bool `json:"canReadLiveState"`
	CanReadStreamEvents       bool `json:"canReadStreamEvents"`
}

type ThreadSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type Thread struct {
	ThreadSummary
	Conversation *protocol.ConversationState `json:"conversation,omitempty"`
}

type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type CollaborationMode struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// MessageInput is the adapter-level send: text plus optional parameter
// overrides layered onto whatever template the backend derives.
type MessageInput struct {
	ThreadID          string `json:"threadId"`
	Text              string `json:"text"`
	Cwd               string `json:"cwd,omitempty"`
	Model             string `json:"model,omitempty"`
	ReasoningEffort   string `json:"reasoningEffort,omitempty"`
	CollaborationMode string `json:"collaborationMode,omitempty"`
}

// Agent is the common operation surface every backend adapter implements.
// Optional operations live on the separate interfaces below, gated by
// Capabilities.
type Agent interface {
	ID() string
	Capabilities() Capabilities
	// Ready reports whether the adapter can currently serve operations.
	Ready() bool

	ListThreads(ctx context.Context) ([]ThreadSummary, error)
	CreateThread(ctx context.Context, cwd string) (ThreadSummary, error)
	ReadThread(ctx context.Context, threadID string) (*Thread, error)
	SendMessage(ctx context.Context, in MessageInput) error
	Interrupt(ctx context.Context, threadID string) error
}

type CollaborationModeSetter interface {
	SetCollaborationMode(ctx context.Context, threadID, mode string) error
}

type CollaborationModeLister interface {
	ListCollaborationModes(ctx context.Context) ([]CollaborationMode, error)
}

type UserInputSubmitter interface {
	SubmitUserInput(ctx context.Context, threadID, requestID, response string) error
}

// LiveStateReader serves the reduced conversation view reconstructed from
// observed broadcasts. It reads in-memory state only, no backend round trip.
type LiveStateReader interface {
	ReadLiveState(threadID string) (*protocol.ConversationState, error)
}

// StreamEventsReader returns a snapshot of the buffered raw broadcasts for a
// thread, oldest first.
type StreamEventsReader interface {
	ReadStreamEvents(threadID string) ([]streamstate.RawEvent, error)
}

type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

type ProjectDirectoryLister interface {
	ListProjectDirectories(ctx context.Context) ([]string, error)
}
