package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformed is returned by Validate for structurally invalid messages
var ErrMalformed = errors.New("malformed message")

// Op is a single operation addressed by field name
type Op struct {
	Action Action    `json:"action"`
	Field  string    `json:"field"`
	ID     OpID      `json:"id"`
	Kind   FieldKind `json:"kind,omitempty"`  // set only
	Ref    OpID      `json:"ref"`             // insert: predecessor, delete: target
	Char   string    `json:"char,omitempty"`  // insert only, exactly one character
	Value  int64     `json:"value,omitempty"` // set: counter base, increment: delta
}

// Validate checks the shape of the operation without looking at any state
func (op Op) Validate() error {
	if op.Field == "" {
		return fmt.Errorf("%w: %s without field", ErrMalformed, op.Action)
	}
	if op.ID.Counter == 0 || op.ID.Actor == "" {
		return fmt.Errorf("%w: %s on %q has no id", ErrMalformed, op.Action, op.Field)
	}

	switch op.Action {
	case ActionSet:
		if op.Kind != KindCounter && op.Kind != KindText {
			return fmt.Errorf("%w: set %q with unknown kind %s", ErrMalformed, op.Field, op.Kind)
		}
		if op.Kind == KindCounter && op.Value < 0 {
			return fmt.Errorf("%w: negative counter base %d", ErrMalformed, op.Value)
		}
	case ActionInsert:
		if !utf8.ValidString(op.Char) || utf8.RuneCountInString(op.Char) != 1 {
			return fmt.Errorf("%w: insert must carry exactly one character, got %q", ErrMalformed, op.Char)
		}
	case ActionDelete:
		if op.Ref.IsZero() {
			return fmt.Errorf("%w: delete without target", ErrMalformed)
		}
	case ActionIncrement:
		if op.Value <= 0 {
			return fmt.Errorf("%w: increment by %d", ErrMalformed, op.Value)
		}
	default:
		return fmt.Errorf("%w: unknown action %s", ErrMalformed, op.Action)
	}
	return nil
}

func (op Op) String() string {
	switch op.Action {
	case ActionInsert:
		return fmt.Sprintf("%s %s %q after %s (%s)", op.Action, op.Field, op.Char, op.Ref, op.ID)
	case ActionDelete:
		return fmt.Sprintf("%s %s %s (%s)", op.Action, op.Field, op.Ref, op.ID)
	case ActionSet:
		return fmt.Sprintf("%s %s %s=%d (%s)", op.Action, op.Field, op.Kind, op.Value, op.ID)
	default:
		return fmt.Sprintf("%s %s %d (%s)", op.Action, op.Field, op.Value, op.ID)
	}
}

// ChangeRequest is an ordered batch of local operations produced by one
// replica. Deps is the backend state the replica last observed.
type ChangeRequest struct {
	Actor ActorID `json:"actor"`
	Deps  Clock   `json:"deps"`
	Ops   []Op    `json:"ops"`
}

// Validate checks that the request is non-empty, that every op belongs to
// the requesting actor and that op counters strictly increase
func (r ChangeRequest) Validate() error {
	if r.Actor == "" {
		return fmt.Errorf("%w: request without actor", ErrMalformed)
	}
	if len(r.Ops) == 0 {
		return fmt.Errorf("%w: empty request", ErrMalformed)
	}

	var last uint64
	for _, op := range r.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
		if op.ID.Actor != r.Actor {
			return fmt.Errorf("%w: op %s does not belong to %s", ErrMalformed, op.ID, r.Actor.Short())
		}
		if op.ID.Counter <= last {
			return fmt.Errorf("%w: op counters must increase, %d after %d", ErrMalformed, op.ID.Counter, last)
		}
		last = op.ID.Counter
	}
	return nil
}

// First returns the id of the first operation
func (r ChangeRequest) First() OpID {
	if len(r.Ops) == 0 {
		return OpID{}
	}
	return r.Ops[0].ID
}

// Last returns the id of the last operation
func (r ChangeRequest) Last() OpID {
	if len(r.Ops) == 0 {
		return OpID{}
	}
	return r.Ops[len(r.Ops)-1].ID
}

// Change is one causally positioned operation in a backend log. Deps lists
// everything that had to be applied before it, including the previous
// operation of the same actor.
type Change struct {
	Deps Clock `json:"deps"`
	Op   Op    `json:"op"`
}

// Actor returns the origin of the change
func (c Change) Actor() ActorID {
	return c.Op.ID.Actor
}

// Element is one character of a text field, tombstones included
type Element struct {
	ID      OpID   `json:"id"`
	Char    string `json:"char"`
	Deleted bool   `json:"deleted,omitempty"`
}

// FieldState is the authoritative value of one field
type FieldState struct {
	Field    string    `json:"field"`
	Kind     FieldKind `json:"kind"`
	Counter  int64     `json:"counter,omitempty"` // base plus every increment
	Base     int64     `json:"base,omitempty"`
	BaseID   OpID      `json:"baseId"`
	Elements []Element `json:"elements,omitempty"`
}

// Text returns the visible characters of a text field
func (fs FieldState) Text() string {
	var n int
	for _, el := range fs.Elements {
		if !el.Deleted {
			n += len(el.Char)
		}
	}
	buf := make([]byte, 0, n)
	for _, el := range fs.Elements {
		if !el.Deleted {
			buf = append(buf, el.Char...)
		}
	}
	return string(buf)
}

// Patch is the delta produced by one backend apply. Actor is the replica
// whose edit caused it; it is empty when the apply changed nothing. Fields
// carries the full value of every touched field, so applying the same patch
// twice leaves a projection unchanged.
type Patch struct {
	Actor  ActorID      `json:"actor,omitempty"`
	Clock  Clock        `json:"clock"`
	MaxOp  uint64       `json:"maxOp"`
	Fields []FieldState `json:"fields,omitempty"`
}

// Empty reports whether the patch touches no field
func (p Patch) Empty() bool {
	return len(p.Fields) == 0
}

// Field returns the state of the named field if the patch carries it
func (p Patch) Field(name string) (FieldState, bool) {
	for _, fs := range p.Fields {
		if fs.Field == name {
			return fs, true
		}
	}
	return FieldState{}, false
}

// Rejection tells a replica that the backend refused one of its requests.
// First and Last bound the refused operation ids.
type Rejection struct {
	Actor  ActorID `json:"actor"`
	First  OpID    `json:"first"`
	Last   OpID    `json:"last"`
	Reason string  `json:"reason"`
}

// Covers reports whether id belongs to the rejected request
func (r Rejection) Covers(id OpID) bool {
	return id.Actor == r.Actor && id.Counter >= r.First.Counter && id.Counter <= r.Last.Counter
}
