package streamstate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/yn612/agentdeck/internal/protocol"
)

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("decode doc: %v", err)
	}
	return out
}

func TestApplyPatchArrayOps(t *testing.T) {
	state := doc(t, `{"turns":["a","b","c"]}`)

	// Insert at index 1.
	err := applyPatch(state, protocol.Patch{
		Op:    protocol.PatchAdd,
		Path:  []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(1)},
		Value: json.RawMessage(`"x"`),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	turns := state["turns"].([]any)
	if len(turns) != 4 || turns[1] != "x" || turns[2] != "b" {
		t.Fatalf("unexpected turns after add: %v", turns)
	}

	// Append via index == len.
	err = applyPatch(state, protocol.Patch{
		Op:    protocol.PatchAdd,
		Path:  []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(4)},
		Value: json.RawMessage(`"tail"`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	err = applyPatch(state, protocol.Patch{
		Op:   protocol.PatchRemove,
		Path: []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(0)},
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	turns = state["turns"].([]any)
	if len(turns) != 4 || turns[0] != "x" || turns[3] != "tail" {
		t.Fatalf("unexpected turns after remove: %v", turns)
	}
}

func TestApplyPatchOutOfRangeReportsIndex(t *testing.T) {
	state := doc(t, `{"turns":["a"]}`)
	err := applyPatch(state, protocol.Patch{
		Op:    protocol.PatchReplace,
		Path:  []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(7)},
		Value: json.RawMessage(`"z"`),
	})
	if err == nil {
		t.Fatalf("expected out-of-range failure")
	}
	if !strings.Contains(err.Error(), "7") {
		t.Fatalf("error must name the failing index: %v", err)
	}

	err = applyPatch(state, protocol.Patch{
		Op:    protocol.PatchAdd,
		Path:  []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(3)},
		Value: json.RawMessage(`"z"`),
	})
	if err == nil || !strings.Contains(err.Error(), "3") {
		t.Fatalf("add past len must fail with the index: %v", err)
	}
}

func TestApplyPatchMissingKeyFails(t *testing.T) {
	state := doc(t, `{"turns":[]}`)
	err := applyPatch(state, protocol.Patch{
		Op:    protocol.PatchReplace,
		Path:  []protocol.PathSegment{protocol.KeySegment("ghost"), protocol.KeySegment("child")},
		Value: json.RawMessage(`1`),
	})
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("walking through a missing key must fail with the segment: %v", err)
	}

	err = applyPatch(state, protocol.Patch{
		Op:   protocol.PatchRemove,
		Path: []protocol.PathSegment{protocol.KeySegment("ghost")},
	})
	if err == nil {
		t.Fatalf("removing a missing key must fail")
	}
}

func TestApplyPatchObjectAssignUnlessRemove(t *testing.T) {
	state := doc(t, `{"meta":{}}`)

	// add on an object key assigns, even when the key is new.
	err := applyPatch(state, protocol.Patch{
		Op:    protocol.PatchAdd,
		Path:  []protocol.PathSegment{protocol.KeySegment("meta"), protocol.KeySegment("model")},
		Value: json.RawMessage(`"m1"`),
	})
	if err != nil {
		t.Fatalf("add object key: %v", err)
	}
	// replace assigns too, including keys that do not exist yet.
	err = applyPatch(state, protocol.Patch{
		Op:    protocol.PatchReplace,
		Path:  []protocol.PathSegment{protocol.KeySegment("meta"), protocol.KeySegment("effort")},
		Value: json.RawMessage(`"high"`),
	})
	if err != nil {
		t.Fatalf("replace new object key: %v", err)
	}
	meta := state["meta"].(map[string]any)
	if meta["model"] != "m1" || meta["effort"] != "high" {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestRemoveWithValueRejectedBeforeApplication(t *testing.T) {
	state := doc(t, `{"turns":["a"]}`)
	err := applyPatch(state, protocol.Patch{
		Op:    protocol.PatchRemove,
		Path:  []protocol.PathSegment{protocol.KeySegment("turns"), protocol.IndexSegment(0)},
		Value: json.RawMessage(`"a"`),
	})
	if err == nil {
		t.Fatalf("remove with value must be rejected")
	}
	if len(state["turns"].([]any)) != 1 {
		t.Fatalf("state must be untouched after rejected patch")
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	original := doc(t, `{"turns":[{"id":"a"}],"n":1}`)
	clone := deepCopy(original).(map[string]any)
	clone["n"] = float64(2)
	clone["turns"].([]any)[0].(map[string]any)["id"] = "b"

	if original["n"] != float64(1) {
		t.Fatalf("deep copy leaked scalar mutation")
	}
	if original["turns"].([]any)[0].(map[string]any)["id"] != "a" {
		t.Fatalf("deep copy leaked nested mutation")
	}
}
