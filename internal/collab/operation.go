package collab

import (
	"errors"
	"fmt"
)

// OpKind tags the operation variant. Every operation names its kind
// explicitly so conflict classification and merge strategies can switch
// exhaustively instead of inspecting untyped payloads.
type OpKind string

const (
	OpSetField OpKind = "set-field"
	OpMove     OpKind = "move"
	OpInsert   OpKind = "insert"
	OpRemove   OpKind = "remove"
	// OpBatch is a synthetic operation produced by merge strategies; it
	// applies its parts as one version step and never arrives from clients.
	OpBatch OpKind = "batch"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is the tagged-variant edit payload. Which fields are meaningful
// depends on Kind: set-field uses Field/Value, move uses FromIndex/ToIndex,
// insert uses ToIndex/Value, remove uses FromIndex.
type Operation struct {
	Kind       OpKind      `json:"kind"`
	EntityType string      `json:"entityType"`
	Field      string      `json:"field,omitempty"`
	Value      string      `json:"value,omitempty"`
	FromIndex  int         `json:"fromIndex,omitempty"`
	ToIndex    int         `json:"toIndex,omitempty"`
	ActorID    string      `json:"actorId,omitempty"`
	Parts      []Operation `json:"parts,omitempty"`
}

func (o Operation) Validate() error {
	switch o.Kind {
	case OpSetField:
		if o.Field == "" {
			return fmt.Errorf("%w: set-field requires a field", ErrInvalidOperation)
		}
	case OpMove, OpInsert, OpRemove:
	case OpBatch:
		if len(o.Parts) == 0 {
			return fmt.Errorf("%w: batch requires parts", ErrInvalidOperation)
		}
		for _, p := range o.Parts {
			if p.Kind == OpBatch {
				return fmt.Errorf("%w: batch may not nest", ErrInvalidOperation)
			}
			if err := p.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	return nil
}

// Overlaps reports whether two operations touch the same part of an entity.
// Set-field operations overlap only on the same field; positional operations
// (move/insert/remove) conservatively overlap each other.
func (o Operation) Overlaps(other Operation) bool {
	if o.Kind == OpBatch {
		for _, p := range o.Parts {
			if p.Overlaps(other) {
				return true
			}
		}
		return false
	}
	if other.Kind == OpBatch {
		return other.Overlaps(o)
	}
	if o.Kind == OpSetField && other.Kind == OpSetField {
		return o.Field == other.Field
	}
	if o.Kind == OpSetField || other.Kind == OpSetField {
		return false
	}
	return true
}

// parts flattens the operation into its atomic pieces.
func (o Operation) parts() []Operation {
	if o.Kind == OpBatch {
		return o.Parts
	}
	return []Operation{o}
}

func (o Operation) describe() string {
	switch o.Kind {
	case OpSetField:
		return fmt.Sprintf("edited field %q", o.Field)
	case OpMove:
		return fmt.Sprintf("moved %d -> %d", o.FromIndex, o.ToIndex)
	case OpInsert:
		return fmt.Sprintf("inserted at %d", o.ToIndex)
	case OpRemove:
		return fmt.Sprintf("removed at %d", o.FromIndex)
	case OpBatch:
		return fmt.Sprintf("batch of %d changes", len(o.Parts))
	}
	return string(o.Kind)
}
