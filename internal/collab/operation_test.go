package collab

import (
	"errors"
	"testing"
)

func TestOperationValidate(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		ok   bool
	}{
		{"set-field", Operation{Kind: OpSetField, Field: "title", Value: "x"}, true},
		{"set-field without field", Operation{Kind: OpSetField, Value: "x"}, false},
		{"move", Operation{Kind: OpMove, FromIndex: 1, ToIndex: 3}, true},
		{"insert", Operation{Kind: OpInsert, ToIndex: 0, Value: "x"}, true},
		{"remove", Operation{Kind: OpRemove, FromIndex: 2}, true},
		{"unknown kind", Operation{Kind: "teleport"}, false},
		{"empty batch", Operation{Kind: OpBatch}, false},
		{"batch", Operation{Kind: OpBatch, Parts: []Operation{
			{Kind: OpSetField, Field: "a"},
			{Kind: OpMove, FromIndex: 0, ToIndex: 1},
		}}, true},
		{"nested batch", Operation{Kind: OpBatch, Parts: []Operation{
			{Kind: OpBatch, Parts: []Operation{{Kind: OpSetField, Field: "a"}}},
		}}, false},
		{"batch with invalid part", Operation{Kind: OpBatch, Parts: []Operation{
			{Kind: OpSetField},
		}}, false},
	}
	for _, tc := range cases {
		err := tc.op.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			} else if !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("%s: error %v is not ErrInvalidOperation", tc.name, err)
			}
		}
	}
}

func TestOperationOverlaps(t *testing.T) {
	title := Operation{Kind: OpSetField, Field: "title"}
	title2 := Operation{Kind: OpSetField, Field: "title"}
	status := Operation{Kind: OpSetField, Field: "status"}
	move := Operation{Kind: OpMove, FromIndex: 0, ToIndex: 2}
	insert := Operation{Kind: OpInsert, ToIndex: 5}

	if !title.Overlaps(title2) {
		t.Error("same field edits must overlap")
	}
	if title.Overlaps(status) {
		t.Error("distinct field edits must not overlap")
	}
	if !move.Overlaps(insert) {
		t.Error("positional operations conservatively overlap")
	}
	if title.Overlaps(move) || move.Overlaps(title) {
		t.Error("field edit and positional operation must not overlap")
	}

	batch := Operation{Kind: OpBatch, Parts: []Operation{status, move}}
	if !batch.Overlaps(insert) {
		t.Error("batch overlaps when any part does")
	}
	if !insert.Overlaps(batch) {
		t.Error("overlap is symmetric across batch")
	}
	if batch.Overlaps(title) {
		t.Error("batch without a matching part must not overlap")
	}
}
