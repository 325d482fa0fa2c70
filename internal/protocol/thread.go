package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Turn statuses.
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnFailed      = "failed"
	TurnInProgress  = "inProgress"
)

// Known turn item kinds. Anything else decodes as the unknown fallback.
const (
	ItemUserMessage       = "userMessage"
	ItemAgentMessage      = "agentMessage"
	ItemReasoning         = "reasoning"
	ItemPlan              = "plan"
	ItemPlanImpl          = "planImplementation"
	ItemUserInputResponse = "userInputResponse"
	ItemCommandExecution  = "commandExecution"
	ItemFileChange        = "fileChange"
	ItemWebSearch         = "webSearch"
	ItemContextCompaction = "contextCompaction"
	ItemModelChanged      = "modelChanged"
	ItemError             = "error"
	ItemUnknown           = "unknown"
)

var knownItemKinds = map[string]struct{}{
	ItemUserMessage:       {},
	ItemAgentMessage:      {},
	ItemReasoning:         {},
	ItemPlan:              {},
	ItemPlanImpl:          {},
	ItemUserInputResponse: {},
	ItemCommandExecution:  {},
	ItemFileChange:        {},
	ItemWebSearch:         {},
	ItemContextCompaction: {},
	ItemModelChanged:      {},
	ItemError:             {},
}

// TurnItem is one entry in a turn's ordered history. Known kinds expose their
// common fields; unrecognized kinds keep Kind = "unknown" and retain the raw
// payload so forward-compatible consumers can still round-trip it.
type TurnItem struct {
	Kind    string
	ID      string
	Text    string
	Command string
	Status  string
	Model   string
	Raw     json.RawMessage
}

func (it *TurnItem) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Text    string `json:"text"`
		Command string `json:"command"`
		Status  string `json:"status"`
		Model   string `json:"model"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode turn item: %w", err)
	}
	kind := strings.TrimSpace(wire.Type)
	if _, ok := knownItemKinds[kind]; !ok {
		kind = ItemUnknown
	}
	*it = TurnItem{
		Kind:    kind,
		ID:      wire.ID,
		Text:    wire.Text,
		Command: wire.Command,
		Status:  wire.Status,
		Model:   wire.Model,
		Raw:     append(json.RawMessage(nil), data...),
	}
	return nil
}

func (it TurnItem) MarshalJSON() ([]byte, error) {
	if len(it.Raw) > 0 {
		return it.Raw, nil
	}
	obj := map[string]any{"type": it.Kind}
	if it.ID != "" {
		obj["id"] = it.ID
	}
	if it.Text != "" {
		obj["text"] = it.Text
	}
	if it.Command != "" {
		obj["command"] = it.Command
	}
	if it.Status != "" {
		obj["status"] = it.Status
	}
	if it.Model != "" {
		obj["model"] = it.Model
	}
	return json.Marshal(obj)
}

// TurnParams is the parameter template a turn was started with. The most
// recent template in a thread seeds the next outgoing message.
type TurnParams struct {
	Cwd               string `json:"cwd,omitempty"`
	Model             string `json:"model,omitempty"`
	ReasoningEffort   string `json:"reasoningEffort,omitempty"`
	CollaborationMode string `json:"collaborationMode,omitempty"`
}

type Turn struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Items  []TurnItem  `json:"items"`
	Params *TurnParams `json:"params,omitempty"`
}

type UserInputRequest struct {
	ID     string `json:"id"`
	TurnID string `json:"turnId,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// ConversationState is the authoritative per-thread view reconstructed from
// the broadcast stream. Item ordering within a turn is the chat history order.
type ConversationState struct {
	ID                      string             `json:"id"`
	Turns                   []Turn             `json:"turns"`
	Requests                []UserInputRequest `json:"requests,omitempty"`
	LatestModel             string             `json:"latestModel,omitempty"`
	LatestReasoningEffort   string             `json:"latestReasoningEffort,omitempty"`
	LatestCollaborationMode string             `json:"latestCollaborationMode,omitempty"`
	UpdatedAt               string             `json:"updatedAt,omitempty"`
}

// LatestTurnParams scans turns from the most recent backwards and returns the
// first parameter template found.
func (c *ConversationState) LatestTurnParams() (TurnParams, bool) {
	if c == nil {
		return TurnParams{}, false
	}
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if p := c.Turns[i].Params; p != nil {
			return *p, true
		}
	}
	return TurnParams{}, false
}
