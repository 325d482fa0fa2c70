package streamstate

import (
	"encoding/json"
	"fmt"

	"github.com/yn612/agentdeck/internal/protocol"
)

// applyPatch mutates doc in place according to the patch. The caller is
// responsible for working on a copy; a failed application may leave doc
// partially modified.
func applyPatch(doc map[string]any, patch protocol.Patch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	parent, err := resolveParent(doc, patch.Path)
	if err != nil {
		return err
	}
	last := patch.Path[len(patch.Path)-1]

	if patch.Op == protocol.PatchRemove {
		return removeAt(parent, last)
	}

	value, err := decodeValue(patch.Value)
	if err != nil {
		return err
	}
	switch target := parent.target.(type) {
	case []any:
		if !last.IsIndex {
			return fmt.Errorf("segment %q: array requires an integer index", last.Key)
		}
		switch patch.Op {
		case protocol.PatchAdd:
			if last.Index < 0 || last.Index > len(target) {
				return fmt.Errorf("add index %d out of range (len %d)", last.Index, len(target))
			}
			updated := append(target[:last.Index:last.Index], append([]any{value}, target[last.Index:]...)...)
			return parent.store(updated)
		case protocol.PatchReplace:
			if last.Index < 0 || last.Index >= len(target) {
				return fmt.Errorf("replace index %d out of range (len %d)", last.Index, len(target))
			}
			target[last.Index] = value
			return nil
		}
	case map[string]any:
		if last.IsIndex {
			return fmt.Errorf("segment %d: object requires a string key", last.Index)
		}
		// add and replace both assign: "assign unless remove".
		target[last.Key] = value
		return nil
	}
	return fmt.Errorf("segment %q: parent is not an array or object", last)
}

func removeAt(parent parentRef, last protocol.PathSegment) error {
	switch target := parent.target.(type) {
	case []any:
		if !last.IsIndex {
			return fmt.Errorf("segment %q: array requires an integer index", last.Key)
		}
		if last.Index < 0 || last.Index >= len(target) {
			return fmt.Errorf("remove index %d out of range (len %d)", last.Index, len(target))
		}
		updated := append(target[:last.Index:last.Index], target[last.Index+1:]...)
		return parent.store(updated)
	case map[string]any:
		if last.IsIndex {
			return fmt.Errorf("segment %d: object requires a string key", last.Index)
		}
		if _, ok := target[last.Key]; !ok {
			return fmt.Errorf("remove key %q: no such key", last.Key)
		}
		delete(target, last.Key)
		return nil
	}
	return fmt.Errorf("segment %q: parent is not an array or object", last)
}

// parentRef points at the container holding the patch target. Array splices
// produce a new slice, so the parent also knows how to store a replacement
// back into its own container.
type parentRef struct {
	target any
	store  func(updated any) error
}

func resolveParent(doc map[string]any, path []protocol.PathSegment) (parentRef, error) {
	current := any(doc)
	store := func(updated any) error {
		return fmt.Errorf("cannot replace document root")
	}
	for i := 0; i < len(path)-1; i++ {
		seg := path[i]
		switch container := current.(type) {
		case []any:
			if !seg.IsIndex {
				return parentRef{}, fmt.Errorf("segment %q: array requires an integer index", seg.Key)
			}
			if seg.Index < 0 || seg.Index >= len(container) {
				return parentRef{}, fmt.Errorf("segment index %d out of range (len %d)", seg.Index, len(container))
			}
			idx := seg.Index
			current = container[idx]
			store = func(updated any) error {
				container[idx] = updated
				return nil
			}
		case map[string]any:
			if seg.IsIndex {
				return parentRef{}, fmt.Errorf("segment %d: object requires a string key", seg.Index)
			}
			child, ok := container[seg.Key]
			if !ok {
				return parentRef{}, fmt.Errorf("segment key %q: no such key", seg.Key)
			}
			key := seg.Key
			current = child
			store = func(updated any) error {
				container[key] = updated
				return nil
			}
		default:
			return parentRef{}, fmt.Errorf("segment %q: cannot descend into non-container", seg)
		}
	}
	return parentRef{target: current, store: store}, nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode patch value: %w", err)
	}
	return value, nil
}

// deepCopy clones a decoded JSON document. Patch application works on the
// clone so a mid-patch failure never corrupts the accumulator.
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}
