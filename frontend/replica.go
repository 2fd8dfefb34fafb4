// Package frontend implements the document replica a UI edits directly.
//
// A Replica keeps two versions of the document: the authoritative state
// last confirmed by its backend, and a projection that additionally carries
// the replica's own operations the backend has not acknowledged yet. Local
// edits update the projection immediately and produce a change request for
// the backend; patches from the backend refresh the authoritative state and
// rebuild the projection.
//
// A Replica is owned by exactly one goroutine. Editor provides that
// goroutine.
package frontend

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/raniellyferreira/localfirst-replica/internal/crdt"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

const (
	// FieldCounter is the counter field every replica declares
	FieldCounter = "counts"
	// FieldText is the text field every replica declares
	FieldText = "text"
)

// ErrInvalidEdit indicates an edit that cannot be applied to the projection
var ErrInvalidEdit = errors.New("invalid edit")

// State is a snapshot of the projection
type State struct {
	Actor   protocol.ActorID `json:"actor"`
	Counter int64            `json:"counter"`
	Text    string           `json:"text"`
	Pending int              `json:"pending"`
	Clock   protocol.Clock   `json:"clock"`
}

// View receives the projection whenever a remote change altered it
type View interface {
	Render(State)
}

// ViewFunc adapts a function to View
type ViewFunc func(State)

// Render calls f(s)
func (f ViewFunc) Render(s State) {
	f(s)
}

// Logger is the logging interface used by replicas and editors
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Option configures a Replica or an Editor
type Option func(*options)

type options struct {
	actor  protocol.ActorID
	logger Logger
	after  uint64
}

// WithActor fixes the replica identity instead of generating one
func WithActor(actor protocol.ActorID) Option {
	return func(o *options) {
		o.actor = actor
	}
}

// WithCountersAfter makes the replica issue operation counters greater than
// n. A replica that reuses an actor id the backend already knows must start
// above the counters recorded for it.
func WithCountersAfter(n uint64) Option {
	return func(o *options) {
		o.after = n
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Replica is the local projection of the shared document
type Replica struct {
	actor protocol.ActorID

	confirmed *crdt.Document
	clock     protocol.Clock

	// own operations not yet acknowledged by the backend, in issue order
	pending    []protocol.Op
	projection *crdt.Document
	seq        uint64

	view      View
	rendering bool
	logger    Logger
}

// New creates a replica with counts = 0 and text = "" and returns the
// request declaring both fields. The request must reach the backend before
// any other request of this replica.
func New(view View, opts ...Option) (*Replica, protocol.ChangeRequest) {
	o := options{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.actor == "" {
		o.actor = protocol.NewActorID()
	}

	r := &Replica{
		actor:      o.actor,
		confirmed:  crdt.New(),
		clock:      protocol.Clock{},
		projection: crdt.New(),
		seq:        o.after,
		view:       view,
		logger:     o.logger,
	}

	ops := []protocol.Op{
		{Action: protocol.ActionSet, Field: FieldCounter, Kind: protocol.KindCounter, ID: r.nextID(), Value: 0},
		{Action: protocol.ActionSet, Field: FieldText, Kind: protocol.KindText, ID: r.nextID()},
	}
	for _, op := range ops {
		// declarations on an empty document cannot fail
		_ = r.projection.Apply(op)
	}
	r.pending = append(r.pending, ops...)

	return r, protocol.ChangeRequest{Actor: r.actor, Deps: protocol.Clock{}, Ops: ops}
}

func (r *Replica) nextID() protocol.OpID {
	if max := r.projection.MaxOp(); max > r.seq {
		r.seq = max
	}
	if max := r.confirmed.MaxOp(); max > r.seq {
		r.seq = max
	}
	r.seq++
	return protocol.OpID{Counter: r.seq, Actor: r.actor}
}

// Actor returns the replica identity
func (r *Replica) Actor() protocol.ActorID {
	return r.actor
}

// Pending returns the number of unacknowledged own operations
func (r *Replica) Pending() int {
	return len(r.pending)
}

// Clock returns the backend state the replica last observed
func (r *Replica) Clock() protocol.Clock {
	return r.clock.Clone()
}

// Rendering reports whether the replica is inside a render call
func (r *Replica) Rendering() bool {
	return r.rendering
}

// CounterValue returns the projected counter
func (r *Replica) CounterValue() int64 {
	v, _ := r.projection.Counter(FieldCounter)
	return v
}

// TextValue returns the projected text
func (r *Replica) TextValue() string {
	v, _ := r.projection.Text(FieldText)
	return v
}

// State returns a snapshot of the projection
func (r *Replica) State() State {
	return State{
		Actor:   r.actor,
		Counter: r.CounterValue(),
		Text:    r.TextValue(),
		Pending: len(r.pending),
		Clock:   r.clock.Clone(),
	}
}

// LocalEdit applies edits to the projection and returns the change request
// that carries them to the backend. It returns a nil request when the edits
// change nothing and while the replica is rendering, so updates pushed into
// the UI never turn into new edits. On error nothing is applied.
func (r *Replica) LocalEdit(edits ...Edit) (*protocol.ChangeRequest, error) {
	if r.rendering {
		r.logger.Debug("Edit ignored while rendering", "actor", r.actor.Short())
		return nil, nil
	}

	work := r.projection.Clone()
	seq := r.seq
	var ops []protocol.Op
	for _, e := range edits {
		out, err := r.translate(work, e)
		if err != nil {
			r.seq = seq
			return nil, err
		}
		ops = append(ops, out...)
	}
	if len(ops) == 0 {
		return nil, nil
	}

	r.projection = work
	r.pending = append(r.pending, ops...)
	return &protocol.ChangeRequest{Actor: r.actor, Deps: r.clock.Clone(), Ops: ops}, nil
}

// translate turns an index-based edit into id-based operations and applies
// them to work
func (r *Replica) translate(work *crdt.Document, e Edit) ([]protocol.Op, error) {
	field := e.field
	var ops []protocol.Op

	apply := func(op protocol.Op) error {
		if err := work.Apply(op); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		ops = append(ops, op)
		return nil
	}

	switch e.kind {
	case editInsert:
		if field == "" {
			field = FieldText
		}
		if e.text == "" {
			return nil, nil
		}
		if !utf8.ValidString(e.text) {
			return nil, fmt.Errorf("%w: insert text is not valid UTF-8", ErrInvalidEdit)
		}
		ref, err := work.InsertRef(field, e.index)
		if err != nil {
			return nil, fmt.Errorf("%w: insert at %d: %v", ErrInvalidEdit, e.index, err)
		}
		for _, ch := range e.text {
			op := protocol.Op{Action: protocol.ActionInsert, Field: field, ID: r.nextID(), Ref: ref, Char: string(ch)}
			if err := apply(op); err != nil {
				return nil, err
			}
			ref = op.ID
		}

	case editDelete:
		if field == "" {
			field = FieldText
		}
		if e.count < 0 {
			return nil, fmt.Errorf("%w: delete %d characters", ErrInvalidEdit, e.count)
		}
		n, err := work.Len(field)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEdit, err)
		}
		if e.index < 0 || e.index+e.count > n {
			return nil, fmt.Errorf("%w: delete %d at %d of %d", ErrInvalidEdit, e.count, e.index, n)
		}
		for i := 0; i < e.count; i++ {
			target, err := work.ElementAt(field, e.index)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEdit, err)
			}
			if err := apply(protocol.Op{Action: protocol.ActionDelete, Field: field, ID: r.nextID(), Ref: target}); err != nil {
				return nil, err
			}
		}

	case editIncrement:
		if field == "" {
			field = FieldCounter
		}
		if e.delta < 0 {
			return nil, fmt.Errorf("%w: negative increment %d", ErrInvalidEdit, e.delta)
		}
		if e.delta == 0 {
			return nil, nil
		}
		if err := apply(protocol.Op{Action: protocol.ActionIncrement, Field: field, ID: r.nextID(), Value: e.delta}); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown edit", ErrInvalidEdit)
	}
	return ops, nil
}

// ApplyPatch merges a backend patch into the authoritative state and
// rebuilds the projection. Patches caused by this replica's own edits are
// not rendered; everything else is, with edits suppressed for the duration.
func (r *Replica) ApplyPatch(p protocol.Patch) error {
	for _, fs := range p.Fields {
		if fs.Field == "" {
			return fmt.Errorf("patch field without name")
		}
		r.confirmed.Load(fs)
	}
	r.confirmed.Observe(p.MaxOp)
	r.clock.Merge(p.Clock)

	acked := r.clock.Get(r.actor)
	kept := r.pending[:0]
	for _, op := range r.pending {
		if op.ID.Counter > acked {
			kept = append(kept, op)
		}
	}
	r.pending = kept
	r.rebuild()

	if p.Actor == r.actor || p.Empty() {
		return nil
	}
	r.render()
	return nil
}

// Reject drops the operations of a refused request and re-renders
func (r *Replica) Reject(rej protocol.Rejection) {
	if rej.Actor != r.actor {
		return
	}
	kept := r.pending[:0]
	dropped := 0
	for _, op := range r.pending {
		if rej.Covers(op.ID) {
			dropped++
			continue
		}
		kept = append(kept, op)
	}
	r.pending = kept
	r.logger.Info("Change request rejected",
		"actor", r.actor.Short(),
		"first", rej.First.String(),
		"last", rej.Last.String(),
		"dropped", dropped,
		"reason", rej.Reason)

	r.rebuild()
	r.render()
}

// rebuild recomputes the projection as confirmed state plus pending ops.
// Pending ops that no longer apply are discarded.
func (r *Replica) rebuild() {
	projection := r.confirmed.Clone()
	kept := r.pending[:0]
	for _, op := range r.pending {
		if err := projection.Apply(op); err != nil {
			r.logger.Error("Dropping pending op", "actor", r.actor.Short(), "op", op.String(), "error", err)
			continue
		}
		kept = append(kept, op)
	}
	r.pending = kept
	r.projection = projection
}

func (r *Replica) render() {
	if r.view == nil {
		return
	}
	r.rendering = true
	defer func() { r.rendering = false }()
	r.view.Render(r.State())
}
