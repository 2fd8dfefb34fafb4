package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

func TestOpIDOrder(t *testing.T) {
	a := protocol.OpID{Counter: 3, Actor: "alice"}
	b := protocol.OpID{Counter: 3, Actor: "bob"}
	c := protocol.OpID{Counter: 4, Actor: "alice"}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, protocol.OpID{}.IsZero())
	assert.Equal(t, "head", protocol.OpID{}.String())
}

func TestClockCoversAndMerge(t *testing.T) {
	c := protocol.Clock{"a": 3, "b": 1}

	assert.True(t, c.Covers(nil))
	assert.True(t, c.Covers(protocol.Clock{"a": 2}))
	assert.False(t, c.Covers(protocol.Clock{"b": 2}))
	assert.False(t, c.Covers(protocol.Clock{"z": 1}))

	clone := c.Clone()
	clone.Merge(protocol.Clock{"b": 5, "z": 1})
	assert.Equal(t, uint64(1), c.Get("b"), "merge must not leak into the original")
	assert.Equal(t, uint64(5), clone.Get("b"))
	assert.Equal(t, uint64(1), clone.Get("z"))

	clone.Observe(protocol.OpID{Counter: 2, Actor: "a"})
	assert.Equal(t, uint64(3), clone.Get("a"), "observe never lowers an entry")
}

func TestChangeRequestValidate(t *testing.T) {
	op := func(counter uint64, actor protocol.ActorID) protocol.Op {
		return protocol.Op{
			Action: protocol.ActionIncrement,
			Field:  "counts",
			ID:     protocol.OpID{Counter: counter, Actor: actor},
			Value:  1,
		}
	}

	tests := []struct {
		name    string
		req     protocol.ChangeRequest
		wantErr bool
	}{
		{"valid", protocol.ChangeRequest{Actor: "a", Ops: []protocol.Op{op(1, "a"), op(2, "a")}}, false},
		{"no actor", protocol.ChangeRequest{Ops: []protocol.Op{op(1, "a")}}, true},
		{"empty", protocol.ChangeRequest{Actor: "a"}, true},
		{"foreign op", protocol.ChangeRequest{Actor: "a", Ops: []protocol.Op{op(1, "b")}}, true},
		{"counters not increasing", protocol.ChangeRequest{Actor: "a", Ops: []protocol.Op{op(2, "a"), op(2, "a")}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, protocol.ErrMalformed))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOpValidate(t *testing.T) {
	id := protocol.OpID{Counter: 1, Actor: "a"}

	assert.Error(t, protocol.Op{Action: protocol.ActionInsert, Field: "text", ID: id, Char: "ab"}.Validate())
	assert.Error(t, protocol.Op{Action: protocol.ActionDelete, Field: "text", ID: id}.Validate())
	assert.Error(t, protocol.Op{Action: protocol.ActionIncrement, Field: "counts", ID: id}.Validate())
	assert.Error(t, protocol.Op{Action: protocol.ActionSet, Field: "counts", ID: id}.Validate())
	assert.NoError(t, protocol.Op{Action: protocol.ActionInsert, Field: "text", ID: id, Char: "é"}.Validate())

	// a lone invalid byte would otherwise decode as U+FFFD
	err := protocol.Op{Action: protocol.ActionInsert, Field: "text", ID: id, Char: "\xff"}.Validate()
	assert.True(t, errors.Is(err, protocol.ErrMalformed), "got %v", err)
}

func TestPatchJSON(t *testing.T) {
	patch := protocol.Patch{
		Actor: "a",
		Clock: protocol.Clock{"a": 2},
		MaxOp: 2,
		Fields: []protocol.FieldState{{
			Field: "text",
			Kind:  protocol.KindText,
			Elements: []protocol.Element{
				{ID: protocol.OpID{Counter: 1, Actor: "a"}, Char: "x", Deleted: true},
				{ID: protocol.OpID{Counter: 2, Actor: "a"}, Char: "y"},
			},
		}},
	}

	data, err := json.Marshal(patch)
	require.NoError(t, err)

	var decoded protocol.Patch
	require.NoError(t, json.Unmarshal(data, &decoded))

	fs, ok := decoded.Field("text")
	require.True(t, ok)
	assert.Equal(t, "y", fs.Text())
	assert.Equal(t, uint64(2), decoded.Clock.Get("a"))
}

func TestRejectionCovers(t *testing.T) {
	r := protocol.Rejection{
		Actor: "a",
		First: protocol.OpID{Counter: 4, Actor: "a"},
		Last:  protocol.OpID{Counter: 6, Actor: "a"},
	}

	assert.True(t, r.Covers(protocol.OpID{Counter: 5, Actor: "a"}))
	assert.True(t, r.Covers(protocol.OpID{Counter: 6, Actor: "a"}))
	assert.False(t, r.Covers(protocol.OpID{Counter: 7, Actor: "a"}))
	assert.False(t, r.Covers(protocol.OpID{Counter: 5, Actor: "b"}))
}
