// Package api defines the wire types served by the daemon's HTTP surface.
package api

import (
	"encoding/json"
	"time"
)

// Error codes returned in ErrorResponse.
const (
	ErrRefInvalid      = "ERR_REF_INVALID"
	ErrRefNotFound     = "ERR_REF_NOT_FOUND"
	ErrAgentDown       = "ERR_AGENT_UNAVAILABLE"
	ErrUnsupported     = "ERR_CAPABILITY_UNSUPPORTED"
	ErrBackendFailed   = "ERR_BACKEND_FAILED"
	ErrPreconditionBad = "ERR_PRECONDITION_FAILED"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type AgentResponse struct {
	AgentID      string   `json:"agent_id"`
	Ready        bool     `json:"ready"`
	BootState    string   `json:"boot_state,omitempty"`
	Capabilities []string `json:"capabilities"`
}

type AgentsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Agents        []AgentResponse `json:"agents"`
}

type ThreadItem struct {
	ThreadID  string `json:"thread_id"`
	Title     string `json:"title,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type ThreadsEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Threads       []ThreadItem `json:"threads"`
}

type ThreadEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Thread        ThreadItem      `json:"thread"`
	Conversation  json.RawMessage `json:"conversation,omitempty"`
}

type CreateThreadRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

type SendMessageRequest struct {
	Text              string `json:"text"`
	Cwd               string `json:"cwd,omitempty"`
	Model             string `json:"model,omitempty"`
	ReasoningEffort   string `json:"reasoning_effort,omitempty"`
	CollaborationMode string `json:"collaboration_mode,omitempty"`
}

type SetCollaborationModeRequest struct {
	Mode string `json:"mode"`
}

type SubmitUserInputRequest struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

type ActionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	ThreadID      string    `json:"thread_id,omitempty"`
	ResultCode    string    `json:"result_code"`
}

type ModelItem struct {
	ModelID     string `json:"model_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type ModelsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	AgentID       string      `json:"agent_id"`
	Models        []ModelItem `json:"models"`
}

type CollaborationModeItem struct {
	ModeID      string `json:"mode_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type CollaborationModesEnvelope struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	AgentID       string                  `json:"agent_id"`
	Modes         []CollaborationModeItem `json:"modes"`
}

type LiveStateEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	ThreadID      string          `json:"thread_id"`
	Conversation  json.RawMessage `json:"conversation"`
}

type StreamEventItem struct {
	SourceClientID string          `json:"source_client_id"`
	Params         json.RawMessage `json:"params"`
}

type StreamEventsEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	ThreadID      string            `json:"thread_id"`
	Events        []StreamEventItem `json:"events"`
}

// WatchEvent is one server-sent event on /v1/watch. The event name on the
// wire is the envelope type ("state" or "history").
type WatchEvent struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Payload  json.RawMessage `json:"payload"`
}
