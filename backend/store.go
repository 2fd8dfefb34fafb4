// Package backend holds the canonical document state of one replica group
// together with its append-only causal change log.
//
// A Store is not safe for concurrent use. The synchronization loop owns both
// stores and is the only caller.
package backend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/raniellyferreira/localfirst-replica/internal/crdt"
	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/storage"
)

// Logger is the logging interface used by the store
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Option configures a Store
type Option func(*Store)

// WithChangeLog persists every accepted change to log before it is committed
func WithChangeLog(log storage.ChangeLog) Option {
	return func(s *Store) {
		s.changeLog = log
	}
}

// WithLogger sets the store logger
func WithLogger(logger Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPersistTimeout bounds each change log write
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// Store is the canonical state of one backend
type Store struct {
	name  string
	doc   *crdt.Document
	clock protocol.Clock
	log   []protocol.Change

	// remote changes whose dependencies have not arrived yet
	buffered []protocol.Change

	// bumped on every commit; prepared changes from an older generation
	// are stale
	gen uint64

	changeLog      storage.ChangeLog
	persistTimeout time.Duration
	logger         Logger
}

// New creates an empty store
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:           name,
		doc:            crdt.New(),
		clock:          protocol.Clock{},
		persistTimeout: 5 * time.Second,
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store backed by log and replays everything it holds
func Open(ctx context.Context, name string, log storage.ChangeLog, opts ...Option) (*Store, error) {
	s := New(name, append(opts, WithChangeLog(log))...)

	changes, err := log.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend %s: load change log: %w", name, err)
	}
	res, err := s.integrate(changes)
	if err != nil {
		return nil, fmt.Errorf("backend %s: replay: %w", name, err)
	}
	if len(res.buffered) > 0 {
		return nil, fmt.Errorf("backend %s: replay: %w: %d changes with missing dependencies",
			name, ErrMalformedChange, len(res.buffered))
	}
	s.commit(res)

	s.logger.Info("Backend replayed", "backend", name, "changes", len(s.log), "clock", s.clock.String())
	return s, nil
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// Clock returns a copy of the store's version vector
func (s *Store) Clock() protocol.Clock {
	return s.clock.Clone()
}

// Len returns the number of changes in the log
func (s *Store) Len() int {
	return len(s.log)
}

// Buffered returns the number of remote changes waiting for dependencies
func (s *Store) Buffered() int {
	return len(s.buffered)
}

// Counter returns the value of a counter field
func (s *Store) Counter(field string) (int64, error) {
	return s.doc.Counter(field)
}

// Text returns the visible content of a text field
func (s *Store) Text(field string) (string, error) {
	return s.doc.Text(field)
}

// Fields returns the authoritative state of every field
func (s *Store) Fields() []protocol.FieldState {
	names := s.doc.Fields()
	out := make([]protocol.FieldState, 0, len(names))
	for _, name := range names {
		if fs, ok := s.doc.State(name); ok {
			out = append(out, fs)
		}
	}
	return out
}

// ChangesSince returns, in log order, every change the holder of deps has
// not seen. An empty clock selects the whole log.
func (s *Store) ChangesSince(deps protocol.Clock) []protocol.Change {
	out := make([]protocol.Change, 0, len(s.log))
	for _, c := range s.log {
		if c.Op.ID.Counter > deps.Get(c.Actor()) {
			out = append(out, protocol.Change{Deps: c.Deps.Clone(), Op: c.Op})
		}
	}
	return out
}

// ApplyLocalChange integrates a change request produced by a replica
// attached to this store. On error the store is unchanged and the error
// is a *RejectedError.
func (s *Store) ApplyLocalChange(req protocol.ChangeRequest) (protocol.Patch, error) {
	p, err := s.PrepareLocalChange(req)
	if err != nil {
		return protocol.Patch{}, err
	}
	return s.Commit(p)
}

// ApplyRemoteChanges integrates changes received from another store.
// Changes already seen are skipped and changes whose dependencies are
// missing are held back until they arrive. The resulting patch is tagged
// with the origin of the last newly applied change. On error the store is
// unchanged.
func (s *Store) ApplyRemoteChanges(changes []protocol.Change) (protocol.Patch, error) {
	p, err := s.PrepareRemoteChanges(changes)
	if err != nil {
		return protocol.Patch{}, err
	}
	return s.Commit(p)
}

// Prepared is a change integrated on a copy of the store state. Nothing of
// it is visible until Commit, and it is discarded by simply dropping it.
type Prepared struct {
	store     *Store
	gen       uint64
	res       integration
	req       *protocol.ChangeRequest
	received  int
	persisted bool
}

// Changes returns the changes the store will append on commit
func (p *Prepared) Changes() []protocol.Change {
	return append([]protocol.Change(nil), p.res.applied...)
}

// PrepareLocalChange checks and applies req to a copy of the store state.
// Errors are *RejectedError.
func (s *Store) PrepareLocalChange(req protocol.ChangeRequest) (*Prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, reject(req, "malformed request", err)
	}
	if !s.clock.Covers(req.Deps) {
		return nil, reject(req, fmt.Sprintf("unmet dependencies %s, store is at %s", req.Deps, s.clock), nil)
	}
	if seen := s.clock.Get(req.Actor); req.First().Counter <= seen {
		return nil, reject(req, fmt.Sprintf("op %s is not above %d", req.First(), seen), nil)
	}

	res := integration{
		doc:       s.doc.Clone(),
		clock:     s.clock.Clone(),
		applied:   make([]protocol.Change, 0, len(req.Ops)),
		buffered:  s.buffered,
		touched:   make(map[string]struct{}),
		lastActor: req.Actor,
	}
	for _, op := range req.Ops {
		deps := req.Deps.Clone()
		if prev := res.clock.Get(req.Actor); prev > 0 {
			deps[req.Actor] = prev
		}
		if err := res.doc.Apply(op); err != nil {
			return nil, reject(req, fmt.Sprintf("op %s", op), err)
		}
		res.clock.Observe(op.ID)
		res.touched[op.Field] = struct{}{}
		res.applied = append(res.applied, protocol.Change{Deps: deps, Op: op})
	}
	return &Prepared{store: s, gen: s.gen, res: res, req: &req}, nil
}

// PrepareRemoteChanges integrates changes on a copy of the store state the
// way ApplyRemoteChanges does
func (s *Store) PrepareRemoteChanges(changes []protocol.Change) (*Prepared, error) {
	for _, c := range changes {
		if err := c.Op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChange, err)
		}
	}

	res, err := s.integrate(append(append([]protocol.Change(nil), s.buffered...), changes...))
	if err != nil {
		return nil, err
	}
	return &Prepared{store: s, gen: s.gen, res: res, received: len(changes)}, nil
}

// Persist writes the prepared changes to the change log without making
// them visible. Commit skips the write for a prepared change already
// persisted.
func (s *Store) Persist(p *Prepared) error {
	if err := s.owns(p); err != nil {
		return err
	}
	if p.persisted {
		return nil
	}
	if err := s.persist(p.res.applied); err != nil {
		if p.req != nil {
			return reject(*p.req, "persist", err)
		}
		return fmt.Errorf("backend %s: persist: %w", s.name, err)
	}
	p.persisted = true
	return nil
}

// Commit persists p if needed and installs it as the store state. A
// prepared change goes stale once anything else is committed.
func (s *Store) Commit(p *Prepared) (protocol.Patch, error) {
	if err := s.Persist(p); err != nil {
		return protocol.Patch{}, err
	}
	s.commit(p.res)
	p.gen = ^uint64(0)

	if p.req != nil {
		s.logger.Debug("Local change applied",
			"backend", s.name,
			"actor", p.req.Actor.Short(),
			"ops", len(p.req.Ops),
			"clock", s.clock.String())
		return s.patch(p.req.Actor, p.res.touched), nil
	}
	if len(p.res.applied) == 0 {
		return s.patch("", nil), nil
	}
	s.logger.Debug("Remote changes applied",
		"backend", s.name,
		"received", p.received,
		"applied", len(p.res.applied),
		"buffered", len(p.res.buffered))
	return s.patch(p.res.lastActor, p.res.touched), nil
}

func (s *Store) owns(p *Prepared) error {
	if p == nil || p.store != s {
		return fmt.Errorf("backend %s: %w: prepared by another store", s.name, ErrStalePrepared)
	}
	if p.gen != s.gen {
		return fmt.Errorf("backend %s: %w", s.name, ErrStalePrepared)
	}
	return nil
}

type integration struct {
	doc       *crdt.Document
	clock     protocol.Clock
	applied   []protocol.Change
	buffered  []protocol.Change
	touched   map[string]struct{}
	lastActor protocol.ActorID
}

// integrate applies every change whose dependencies are met, repeating
// until no more progress is made, on a copy of the store state
func (s *Store) integrate(queue []protocol.Change) (integration, error) {
	res := integration{
		doc:     s.doc.Clone(),
		clock:   s.clock.Clone(),
		touched: make(map[string]struct{}),
	}

	for progress := true; progress; {
		progress = false
		rest := queue[:0:0]
		for _, c := range queue {
			if c.Op.ID.Counter <= res.clock.Get(c.Actor()) {
				continue
			}
			if !res.clock.Covers(c.Deps) {
				rest = append(rest, c)
				continue
			}
			if err := res.doc.Apply(c.Op); err != nil {
				return res, fmt.Errorf("%w: %s: %v", ErrMalformedChange, c.Op, err)
			}
			res.clock.Observe(c.Op.ID)
			res.touched[c.Op.Field] = struct{}{}
			res.applied = append(res.applied, protocol.Change{Deps: c.Deps.Clone(), Op: c.Op})
			res.lastActor = c.Actor()
			progress = true
		}
		queue = rest
	}

	// keep one copy of each held-back change
	seen := make(map[protocol.OpID]struct{}, len(queue))
	for _, c := range queue {
		if _, dup := seen[c.Op.ID]; dup {
			continue
		}
		seen[c.Op.ID] = struct{}{}
		res.buffered = append(res.buffered, c)
	}
	return res, nil
}

func (s *Store) commit(res integration) {
	s.gen++
	s.doc = res.doc
	s.clock = res.clock
	s.log = append(s.log, res.applied...)
	s.buffered = res.buffered
}

func (s *Store) persist(changes []protocol.Change) error {
	if s.changeLog == nil || len(changes) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	if err := s.changeLog.Append(ctx, changes...); err != nil {
		s.logger.Error("Change log append failed", "backend", s.name, "changes", len(changes), "error", err)
		return err
	}
	return nil
}

func (s *Store) patch(actor protocol.ActorID, touched map[string]struct{}) protocol.Patch {
	p := protocol.Patch{
		Actor: actor,
		Clock: s.clock.Clone(),
		MaxOp: s.doc.MaxOp(),
	}
	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fs, ok := s.doc.State(name); ok {
			p.Fields = append(p.Fields, fs)
		}
	}
	return p
}
