// Package crdt is the merge engine behind backend stores and replica
// projections. Counters are a last-writer-wins base plus the sum of every
// increment; text fields are a replicated growable array (RGA) of single
// characters with tombstones.
//
// Operations must be delivered in causal order. Under that condition Apply is
// commutative for concurrent operations and idempotent under replay.
package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

var (
	// ErrUnknownField indicates an operation on a field that was never declared
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownElement indicates a reference to a text element not yet seen
	ErrUnknownElement = errors.New("unknown element")

	// ErrKindMismatch indicates an operation that does not fit the field kind
	ErrKindMismatch = errors.New("field kind mismatch")

	// ErrIndexOutOfRange indicates a visible index outside the text
	ErrIndexOutOfRange = errors.New("index out of range")
)

type field struct {
	kind   protocol.FieldKind
	base   int64
	baseID protocol.OpID
	incr   int64
	elems  []protocol.Element
}

func (f *field) clone() *field {
	c := *f
	c.elems = append([]protocol.Element(nil), f.elems...)
	return &c
}

func (f *field) find(id protocol.OpID) int {
	for i := range f.elems {
		if f.elems[i].ID == id {
			return i
		}
	}
	return -1
}

// Document is a set of named, independently replicated fields
type Document struct {
	fields map[string]*field
	maxOp  uint64
}

// New returns an empty document
func New() *Document {
	return &Document{fields: make(map[string]*field)}
}

// Clone returns a deep copy
func (d *Document) Clone() *Document {
	c := &Document{
		fields: make(map[string]*field, len(d.fields)),
		maxOp:  d.maxOp,
	}
	for name, f := range d.fields {
		c.fields[name] = f.clone()
	}
	return c
}

// MaxOp returns the highest operation counter integrated so far
func (d *Document) MaxOp() uint64 {
	return d.maxOp
}

// Observe raises the max op counter without applying anything
func (d *Document) Observe(counter uint64) {
	if counter > d.maxOp {
		d.maxOp = counter
	}
}

// Fields returns the declared field names in sorted order
func (d *Document) Fields() []string {
	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the kind of the named field
func (d *Document) Kind(name string) (protocol.FieldKind, bool) {
	f, ok := d.fields[name]
	if !ok {
		return 0, false
	}
	return f.kind, true
}

// Apply integrates a single operation. On error the document is unchanged.
func (d *Document) Apply(op protocol.Op) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Action {
	case protocol.ActionSet:
		if err := d.applySet(op); err != nil {
			return err
		}
	case protocol.ActionInsert:
		if err := d.applyInsert(op); err != nil {
			return err
		}
	case protocol.ActionDelete:
		f, err := d.lookup(op.Field, protocol.KindText)
		if err != nil {
			return err
		}
		i := f.find(op.Ref)
		if i < 0 {
			return fmt.Errorf("%w: delete %s in %q", ErrUnknownElement, op.Ref, op.Field)
		}
		f.elems[i].Deleted = true
	case protocol.ActionIncrement:
		f, err := d.lookup(op.Field, protocol.KindCounter)
		if err != nil {
			return err
		}
		f.incr += op.Value
	}

	d.Observe(op.ID.Counter)
	return nil
}

func (d *Document) applySet(op protocol.Op) error {
	f, ok := d.fields[op.Field]
	if !ok {
		f = &field{kind: op.Kind}
		d.fields[op.Field] = f
	}
	if f.kind != op.Kind {
		return fmt.Errorf("%w: set %s on %s field %q", ErrKindMismatch, op.Kind, f.kind, op.Field)
	}
	if f.kind == protocol.KindCounter && f.baseID.Less(op.ID) {
		f.base = op.Value
		f.baseID = op.ID
	}
	return nil
}

func (d *Document) applyInsert(op protocol.Op) error {
	f, err := d.lookup(op.Field, protocol.KindText)
	if err != nil {
		return err
	}
	if f.find(op.ID) >= 0 {
		return nil
	}

	pos := 0
	if !op.Ref.IsZero() {
		i := f.find(op.Ref)
		if i < 0 {
			return fmt.Errorf("%w: insert after %s in %q", ErrUnknownElement, op.Ref, op.Field)
		}
		pos = i + 1
	}
	// Concurrent inserts after the same element: the greater id goes first.
	for pos < len(f.elems) && op.ID.Less(f.elems[pos].ID) {
		pos++
	}

	f.elems = append(f.elems, protocol.Element{})
	copy(f.elems[pos+1:], f.elems[pos:])
	f.elems[pos] = protocol.Element{ID: op.ID, Char: op.Char}
	return nil
}

func (d *Document) lookup(name string, kind protocol.FieldKind) (*field, error) {
	f, ok := d.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if f.kind != kind {
		return nil, fmt.Errorf("%w: %q is a %s, not a %s", ErrKindMismatch, name, f.kind, kind)
	}
	return f, nil
}

// Counter returns the value of a counter field
func (d *Document) Counter(name string) (int64, error) {
	f, err := d.lookup(name, protocol.KindCounter)
	if err != nil {
		return 0, err
	}
	return f.base + f.incr, nil
}

// Text returns the visible content of a text field
func (d *Document) Text(name string) (string, error) {
	f, err := d.lookup(name, protocol.KindText)
	if err != nil {
		return "", err
	}
	return protocol.FieldState{Elements: f.elems}.Text(), nil
}

// Len returns the number of visible characters of a text field
func (d *Document) Len(name string) (int, error) {
	f, err := d.lookup(name, protocol.KindText)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, el := range f.elems {
		if !el.Deleted {
			n++
		}
	}
	return n, nil
}

// ElementAt returns the id of the visible character at index
func (d *Document) ElementAt(name string, index int) (protocol.OpID, error) {
	f, err := d.lookup(name, protocol.KindText)
	if err != nil {
		return protocol.OpID{}, err
	}
	if index >= 0 {
		seen := 0
		for _, el := range f.elems {
			if el.Deleted {
				continue
			}
			if seen == index {
				return el.ID, nil
			}
			seen++
		}
	}
	return protocol.OpID{}, fmt.Errorf("%w: %d in %q", ErrIndexOutOfRange, index, name)
}

// InsertRef returns the element a character inserted at index must follow:
// the visible character at index-1, or the head for index 0
func (d *Document) InsertRef(name string, index int) (protocol.OpID, error) {
	if index == 0 {
		if _, err := d.lookup(name, protocol.KindText); err != nil {
			return protocol.OpID{}, err
		}
		return protocol.OpID{}, nil
	}
	return d.ElementAt(name, index-1)
}

// State returns a copy of the authoritative value of a field
func (d *Document) State(name string) (protocol.FieldState, bool) {
	f, ok := d.fields[name]
	if !ok {
		return protocol.FieldState{}, false
	}
	fs := protocol.FieldState{
		Field:  name,
		Kind:   f.kind,
		Base:   f.base,
		BaseID: f.baseID,
	}
	switch f.kind {
	case protocol.KindCounter:
		fs.Counter = f.base + f.incr
	case protocol.KindText:
		fs.Elements = append([]protocol.Element(nil), f.elems...)
	}
	return fs, true
}

// Load replaces a field with an authoritative state
func (d *Document) Load(fs protocol.FieldState) {
	f := &field{
		kind:   fs.Kind,
		base:   fs.Base,
		baseID: fs.BaseID,
		incr:   fs.Counter - fs.Base,
		elems:  append([]protocol.Element(nil), fs.Elements...),
	}
	if fs.Kind != protocol.KindCounter {
		f.incr = 0
	}
	d.fields[fs.Field] = f

	d.Observe(fs.BaseID.Counter)
	for _, el := range fs.Elements {
		d.Observe(el.ID.Counter)
	}
}
