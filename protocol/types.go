package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ActorID identifies the replica that originated an operation
type ActorID string

// NewActorID returns a fresh, globally unique actor identifier
func NewActorID() ActorID {
	return ActorID(uuid.NewString())
}

// String returns the identifier as a plain string
func (a ActorID) String() string {
	return string(a)
}

// Short returns the first eight characters, for logs
func (a ActorID) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8])
}

// OpID is the Lamport identity of an operation. For inserts it is also the
// identity of the element the operation creates.
type OpID struct {
	Counter uint64  `json:"counter"`
	Actor   ActorID `json:"actor"`
}

// IsZero reports whether the id is the zero value (the head of a sequence)
func (id OpID) IsZero() bool {
	return id.Counter == 0 && id.Actor == ""
}

// Compare orders ids by counter, then by actor
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return strings.Compare(string(id.Actor), string(other.Actor))
}

// Less reports whether id sorts before other
func (id OpID) Less(other OpID) bool {
	return id.Compare(other) < 0
}

func (id OpID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%d@%s", id.Counter, id.Actor.Short())
}

// Clock maps every known actor to the highest counter observed from it.
// A nil or empty clock is the empty dependency set.
type Clock map[ActorID]uint64

// Get returns the counter recorded for actor
func (c Clock) Get(actor ActorID) uint64 {
	return c[actor]
}

// Covers reports whether c has observed everything other has
func (c Clock) Covers(other Clock) bool {
	for actor, counter := range other {
		if c[actor] < counter {
			return false
		}
	}
	return true
}

// Observe raises the entry for id.Actor to id.Counter if it is lower
func (c Clock) Observe(id OpID) {
	if c[id.Actor] < id.Counter {
		c[id.Actor] = id.Counter
	}
}

// Merge raises every entry of c to at least the value in other
func (c Clock) Merge(other Clock) {
	for actor, counter := range other {
		if c[actor] < counter {
			c[actor] = counter
		}
	}
}

// Clone returns an independent copy
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for actor, counter := range c {
		out[actor] = counter
	}
	return out
}

// String renders the clock with actors in sorted order
func (c Clock) String() string {
	actors := make([]string, 0, len(c))
	for actor := range c {
		actors = append(actors, string(actor))
	}
	sort.Strings(actors)

	parts := make([]string, len(actors))
	for i, actor := range actors {
		parts[i] = fmt.Sprintf("%s:%d", ActorID(actor).Short(), c[ActorID(actor)])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// FieldKind is the replicated type of a document field
type FieldKind uint8

const (
	// KindCounter is a non-negative integer mutated only by increments
	KindCounter FieldKind = iota + 1
	// KindText is an ordered sequence of characters
	KindText
)

func (k FieldKind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Action is the kind of a single operation
type Action uint8

const (
	// ActionSet declares a field and, for counters, sets its base value
	ActionSet Action = iota + 1
	// ActionInsert inserts one character after Ref
	ActionInsert
	// ActionDelete removes the character Ref
	ActionDelete
	// ActionIncrement adds Value to a counter
	ActionIncrement
)

func (a Action) String() string {
	switch a {
	case ActionSet:
		return "set"
	case ActionInsert:
		return "insert"
	case ActionDelete:
		return "delete"
	case ActionIncrement:
		return "increment"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}
