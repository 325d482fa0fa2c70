package protocol

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/conversation_state.schema.json
var conversationStateSchemaJSON []byte

//go:embed schema/state_changed.schema.json
var stateChangedSchemaJSON []byte

//go:embed schema/thread_command.schema.json
var threadCommandSchemaJSON []byte

// ValidationError marks a payload that failed schema validation. It is scoped
// to the single message; callers quarantine the payload rather than tearing
// anything down.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload failed %s schema: %v", e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator holds the compiled, externally supplied protocol schemas. The
// policy is strict-by-default: unknown fields fail validation everywhere
// except inside turn items, whose open "unknown" variant is the explicit
// forward-compatibility escape hatch.
type Validator struct {
	conversation  *jsonschema.Schema
	stateChanged  *jsonschema.Schema
	threadCommand *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	conversation, err := compileSchema(compiler, "conversation-state.schema.json", conversationStateSchemaJSON)
	if err != nil {
		return nil, err
	}
	stateChanged, err := compileSchema(compiler, "state-changed.schema.json", stateChangedSchemaJSON)
	if err != nil {
		return nil, err
	}
	threadCommand, err := compileSchema(compiler, "thread-command.schema.json", threadCommandSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Validator{
		conversation:  conversation,
		stateChanged:  stateChanged,
		threadCommand: threadCommand,
	}, nil
}

func compileSchema(compiler *jsonschema.Compiler, name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// ConversationState validates a full conversation-state document.
func (v *Validator) ConversationState(raw []byte) error {
	return v.validate("conversation-state", v.conversation, raw)
}

// StateChanged validates a thread-stream-state-changed params payload.
func (v *Validator) StateChanged(raw []byte) error {
	return v.validate("state-changed", v.stateChanged, raw)
}

// ThreadCommand validates an outgoing command params payload.
func (v *Validator) ThreadCommand(raw []byte) error {
	return v.validate("thread-command", v.threadCommand, raw)
}

// ConversationDoc validates an already-decoded state document.
func (v *Validator) ConversationDoc(doc any) error {
	if err := v.conversation.Validate(doc); err != nil {
		return &ValidationError{Schema: "conversation-state", Err: err}
	}
	return nil
}

func (v *Validator) validate(name string, schema *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Schema: name, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Schema: name, Err: err}
	}
	return nil
}
