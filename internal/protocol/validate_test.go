package protocol

import (
	"errors"
	"testing"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return v
}

func TestValidatorAcceptsConversationState(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{
		"id": "thread-1",
		"turns": [
			{"id": "turn-1", "status": "completed", "items": [
				{"type": "userMessage", "text": "hi"},
				{"type": "someFutureItem", "weird": true}
			], "params": {"model": "gpt-5", "cwd": "/work"}}
		],
		"requests": [{"id": "rq-1", "prompt": "pick one"}],
		"latestModel": "gpt-5"
	}`)
	if err := v.ConversationState(raw); err != nil {
		t.Fatalf("expected valid state: %v", err)
	}
}

func TestValidatorRejectsUnknownTopLevelField(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{"id": "t", "turns": [], "surprise": 1}`)
	err := v.ConversationState(raw)
	if err == nil {
		t.Fatalf("expected strict policy to reject unknown field")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestValidatorRejectsBadTurnStatus(t *testing.T) {
	v := newValidator(t)
	raw := []byte(`{"id": "t", "turns": [{"id": "x", "status": "exploded", "items": []}]}`)
	if err := v.ConversationState(raw); err == nil {
		t.Fatalf("expected unknown turn status to fail")
	}
}

func TestValidatorStateChanged(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{
			name: "snapshot",
			raw:  `{"conversationId":"t1","version":2,"change":{"type":"snapshot","conversationState":{"id":"t1","turns":[]}}}`,
			ok:   true,
		},
		{
			name: "patches",
			raw:  `{"conversationId":"t1","change":{"type":"patches","patches":[{"op":"add","path":["turns",0],"value":{}}]}}`,
			ok:   true,
		},
		{
			name: "remove with value",
			raw:  `{"conversationId":"t1","change":{"type":"patches","patches":[{"op":"remove","path":["turns",0],"value":1}]}}`,
			ok:   false,
		},
		{
			name: "missing change",
			raw:  `{"conversationId":"t1"}`,
			ok:   false,
		},
		{
			name: "unknown change type",
			raw:  `{"conversationId":"t1","change":{"type":"diff","patches":[]}}`,
			ok:   false,
		},
	}
	for _, tc := range cases {
		err := v.StateChanged([]byte(tc.raw))
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected validation failure", tc.name)
		}
	}
}
