// Package commands issues thread commands over the desktop IPC connection,
// routing each to the client currently following the thread.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yn612/agentdeck/internal/ipc"
	"github.com/yn612/agentdeck/internal/protocol"
	"github.com/yn612/agentdeck/internal/streamstate"
)

var (
	// ErrEmptyMessage rejects a sendMessage whose text is empty after trimming.
	ErrEmptyMessage = errors.New("commands: message text is empty")
	// ErrNoTemplate means no turn in the thread ever carried a parameter
	// template, so there is nothing to seed the outgoing message with.
	ErrNoTemplate = errors.New("commands: no template found")
	// ErrNoOwner means no broadcast has been observed for the thread, so no
	// target client can be inferred.
	ErrNoOwner = errors.New("commands: no owner client observed for thread")
)

// Requester is the slice of the IPC connection the command layer needs.
type Requester interface {
	SendRequestAndWait(ctx context.Context, method string, params any, opts ipc.RequestOptions) (json.RawMessage, error)
}

// StateSource resolves the derived view of a thread from observed broadcasts.
type StateSource interface {
	DerivedState(threadID string) (*streamstate.Derived, bool)
}

// Commander issues the four remote thread commands. Each invocation is
// at-most-once; retry policy belongs to the caller.
type Commander struct {
	requester Requester
	states    StateSource
	validator *protocol.Validator
}

func New(requester Requester, states StateSource, validator *protocol.Validator) *Commander {
	return &Commander{requester: requester, states: states, validator: validator}
}

// SendMessageInput carries the message text plus optional overrides merged
// onto the thread's most recent parameter template.
type SendMessageInput struct {
	ThreadID          string
	Text              string
	Cwd               string
	Model             string
	ReasoningEffort   string
	CollaborationMode string
}

type sendMessageParams struct {
	ThreadID          string `json:"threadId"`
	Text              string `json:"text"`
	Cwd               string `json:"cwd,omitempty"`
	Model             string `json:"model,omitempty"`
	ReasoningEffort   string `json:"reasoningEffort,omitempty"`
	CollaborationMode string `json:"collaborationMode,omitempty"`
}

// SendMessage trims and sends the text with parameters seeded from the most
// recent turn template and overridden by the caller's fields.
func (c *Commander) SendMessage(ctx context.Context, in SendMessageInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return ErrEmptyMessage
	}
	derived, owner, err := c.resolve(in.ThreadID)
	if err != nil {
		return err
	}
	conv, err := derived.Conversation()
	if err != nil {
		return fmt.Errorf("decode thread %s state: %w", in.ThreadID, err)
	}
	template, ok := conv.LatestTurnParams()
	if !ok {
		return ErrNoTemplate
	}
	merged := mergeParams(template, in)

	params := sendMessageParams{
		ThreadID:          in.ThreadID,
		Text:              text,
		Cwd:               merged.Cwd,
		Model:             merged.Model,
		ReasoningEffort:   merged.ReasoningEffort,
		CollaborationMode: merged.CollaborationMode,
	}
	return c.send(ctx, protocol.MethodSendMessage, params, owner)
}

type modeParams struct {
	ThreadID          string `json:"threadId"`
	CollaborationMode string `json:"collaborationMode"`
}

// SetCollaborationMode is a direct pass-through keyed by thread id.
func (c *Commander) SetCollaborationMode(ctx context.Context, threadID, mode string) error {
	_, owner, err := c.resolve(threadID)
	if err != nil {
		return err
	}
	return c.send(ctx, protocol.MethodSetCollaborationMode, modeParams{ThreadID: threadID, CollaborationMode: mode}, owner)
}

type userInputParams struct {
	ThreadID  string `json:"threadId"`
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

// SubmitUserInput answers a pending user-input request on the thread.
func (c *Commander) SubmitUserInput(ctx context.Context, threadID, requestID, response string) error {
	_, owner, err := c.resolve(threadID)
	if err != nil {
		return err
	}
	return c.send(ctx, protocol.MethodSubmitUserInput, userInputParams{
		ThreadID:  threadID,
		RequestID: requestID,
		Response:  response,
	}, owner)
}

type interruptParams struct {
	ThreadID string `json:"threadId"`
}

// Interrupt stops the thread's current turn.
func (c *Commander) Interrupt(ctx context.Context, threadID string) error {
	_, owner, err := c.resolve(threadID)
	if err != nil {
		return err
	}
	return c.send(ctx, protocol.MethodInterrupt, interruptParams{ThreadID: threadID}, owner)
}

func (c *Commander) resolve(threadID string) (*streamstate.Derived, string, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, "", fmt.Errorf("commands: thread id is required")
	}
	derived, ok := c.states.DerivedState(threadID)
	if !ok || derived.OwnerClientID == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrNoOwner, threadID)
	}
	return derived, derived.OwnerClientID, nil
}

// send schema-validates the params payload, then routes the request to the
// owner client.
func (c *Commander) send(ctx context.Context, method string, params any, owner string) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	if err := c.validator.ThreadCommand(raw); err != nil {
		return fmt.Errorf("%s params rejected: %w", method, err)
	}
	if _, err := c.requester.SendRequestAndWait(ctx, method, json.RawMessage(raw), ipc.RequestOptions{
		TargetClientID: owner,
	}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// mergeParams overlays non-empty caller overrides onto the template.
func mergeParams(template protocol.TurnParams, in SendMessageInput) protocol.TurnParams {
	if in.Cwd != "" {
		template.Cwd = in.Cwd
	}
	if in.Model != "" {
		template.Model = in.Model
	}
	if in.ReasoningEffort != "" {
		template.ReasoningEffort = in.ReasoningEffort
	}
	if in.CollaborationMode != "" {
		template.CollaborationMode = in.CollaborationMode
	}
	return template
}
