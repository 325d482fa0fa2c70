package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Patch operations against a conversation state document.
const (
	PatchAdd     = "add"
	PatchReplace = "replace"
	PatchRemove  = "remove"
)

// Change kinds inside a thread-stream-state-changed broadcast.
const (
	ChangeSnapshot = "snapshot"
	ChangePatches  = "patches"
)

// PathSegment addresses one step into a state document: either an array index
// or an object key. On the wire it is a bare JSON number or string.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

func KeySegment(key string) PathSegment   { return PathSegment{Key: key} }
func IndexSegment(idx int) PathSegment    { return PathSegment{Index: idx, IsIndex: true} }
func (s PathSegment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("%d", s.Index)
	}
	return s.Key
}

func (s PathSegment) MarshalJSON() ([]byte, error) {
	if s.IsIndex {
		return json.Marshal(s.Index)
	}
	return json.Marshal(s.Key)
}

func (s *PathSegment) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		*s = PathSegment{Key: key}
		return nil
	}
	var num float64
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("path segment must be a string or integer: %s", trimmed)
	}
	if num != math.Trunc(num) {
		return fmt.Errorf("path segment index must be an integer, got %s", trimmed)
	}
	*s = PathSegment{Index: int(num), IsIndex: true}
	return nil
}

type Patch struct {
	Op    string          `json:"op"`
	Path  []PathSegment   `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Validate enforces the wire invariants: remove never carries a value, every
// other op always does, and the op itself must be known.
func (p Patch) Validate() error {
	switch p.Op {
	case PatchRemove:
		if len(p.Value) > 0 {
			return fmt.Errorf("remove patch must not carry a value")
		}
	case PatchAdd, PatchReplace:
		if len(p.Value) == 0 {
			return fmt.Errorf("%s patch requires a value", p.Op)
		}
	default:
		return fmt.Errorf("unknown patch op %q", p.Op)
	}
	if len(p.Path) == 0 {
		return fmt.Errorf("patch path must not be empty")
	}
	return nil
}

func PathString(path []PathSegment) string {
	parts := make([]string, 0, len(path))
	for _, seg := range path {
		parts = append(parts, seg.String())
	}
	return "/" + strings.Join(parts, "/")
}

// StateChange is either a full snapshot or an ordered patch list.
type StateChange struct {
	Type              string          `json:"type"`
	ConversationState json.RawMessage `json:"conversationState,omitempty"`
	Patches           []Patch         `json:"patches,omitempty"`
}

// StateChanged is the params payload of a thread-stream-state-changed
// broadcast.
type StateChanged struct {
	ConversationID string      `json:"conversationId"`
	Version        int         `json:"version,omitempty"`
	Change         StateChange `json:"change"`
}
