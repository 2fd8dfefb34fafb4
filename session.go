package localfirst

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/replication"
	"github.com/raniellyferreira/localfirst-replica/server"
	"github.com/raniellyferreira/localfirst-replica/storage"
)

// watchBuffer is how many states a slow watcher may fall behind before
// older states are skipped
const watchBuffer = 16

// ReplicaStatus describes one side of the session
type ReplicaStatus struct {
	Name     string
	Actor    protocol.ActorID
	Changes  int // changes in the backend history
	Buffered int // remote changes waiting for their dependencies
	Clock    protocol.Clock
	State    frontend.State
}

// Status represents the current state of the session
type Status struct {
	Started bool
	Closed  bool
	Loop    replication.Stats
	A       ReplicaStatus
	B       ReplicaStatus
}

type watcher struct {
	side replication.Side
	ch   chan frontend.State
}

// Session is a running twin replica: two backends, the loop between them
// and the two editing contexts
type Session struct {
	// Configuration
	config *config

	// Components
	stores  [2]*backend.Store
	logs    []storage.ChangeLog
	loop    *replication.Loop
	editors [2]*frontend.Editor
	shell   *server.Server

	// State
	mu      sync.RWMutex
	started bool
	closed  bool

	// Callbacks, guarded by hooksMu so editor goroutines never wait on mu
	hooksMu   sync.RWMutex
	listeners []func(replica string, s frontend.State)
	watchers  map[int]watcher
	nextWatch int
}

// New creates a Session with the given options
//
// The session is created but not started. Use Start() to open the backends
// and start synchronizing.
//
// Example:
//
//	session, err := localfirst.New(
//		localfirst.WithActorIDs("laptop", "phone"),
//		localfirst.WithShellAddr("127.0.0.1:6390"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Since: v0.1.0
func New(opts ...Option) (*Session, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.shellPassword != "" && cfg.shellAddr == "" {
		return nil, &ConfigError{Option: "shell auth", Reason: "password set without a shell address"}
	}

	return &Session{
		config:   cfg,
		watchers: make(map[int]watcher),
	}, nil
}

func index(side replication.Side) int {
	if side == replication.SideA {
		return 0
	}
	return 1
}

// Start opens both backends, replays their change logs, starts the loop and
// both editing contexts and, when configured, the editing shell. The initial
// request of each replica is queued before Start returns.
//
// Example:
//
//	if err := session.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Since: v0.1.0
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.startTimeout)
	defer cancel()

	logger := s.config.logger
	for _, side := range []replication.Side{replication.SideA, replication.SideB} {
		store, err := s.openStore(ctx, side.String())
		if err != nil {
			s.closeLogs()
			return err
		}
		s.stores[index(side)] = store
	}
	// the stores belong to the loop goroutine once it starts
	replayed := s.stores[0].Len() + s.stores[1].Len()

	s.loop = replication.NewLoop(s.stores[0], s.stores[1], replication.SinkFunc(s.deliver))
	s.loop.SetLogger(&loggerAdapter{logger: logger, fields: []Field{{Key: "component", Value: "loop"}}})
	if s.config.metrics != nil {
		s.loop.SetMetrics(&metricsAdapter{metrics: s.config.metrics})
	}
	if len(s.config.observers) > 0 {
		s.loop.SetObserver(s.config.observers)
	}

	// counters of a reused actor id must continue above the replayed history
	var after uint64
	for _, store := range s.stores {
		for _, c := range store.Clock() {
			if c > after {
				after = c
			}
		}
	}

	for _, side := range []replication.Side{replication.SideA, replication.SideB} {
		s.editors[index(side)] = s.newEditor(side, after)
	}

	if err := s.loop.Start(ctx); err != nil {
		s.closeLogs()
		return fmt.Errorf("start synchronization loop: %w", err)
	}
	for i, ed := range s.editors {
		if err := ed.Start(); err != nil {
			s.stopLocked()
			return fmt.Errorf("start editor %d: %w", i, err)
		}
	}

	if s.config.shellAddr != "" {
		s.shell = server.NewServer(s.config.shellAddr, s)
		if s.config.shellPassword != "" {
			s.shell.SetPassword(s.config.shellPassword)
		}
		if err := s.shell.Start(); err != nil {
			logger.Error("Failed to start editing shell", Field{Key: "error", Value: err}, Field{Key: "addr", Value: s.config.shellAddr})
			s.shell = nil
			s.stopLocked()
			return err
		}
		logger.Info("Editing shell listening", Field{Key: "addr", Value: s.shell.Addr()})
	}

	s.started = true
	logger.Info("Session started",
		Field{Key: "actor_a", Value: s.editors[0].Actor()},
		Field{Key: "actor_b", Value: s.editors[1].Actor()},
		Field{Key: "replayed", Value: replayed})
	return nil
}

func (s *Session) openStore(ctx context.Context, name string) (*backend.Store, error) {
	opts := []backend.Option{
		backend.WithLogger(&loggerAdapter{logger: s.config.logger, fields: []Field{{Key: "backend", Value: name}}}),
		backend.WithPersistTimeout(s.config.persistTimeout),
	}
	if s.config.storage == nil {
		return backend.New(name, opts...), nil
	}

	log, err := s.config.storage.Log(name)
	if err != nil {
		return nil, &StorageError{Replica: name, Op: "open", Err: err}
	}
	s.logs = append(s.logs, log)

	store, err := backend.Open(ctx, name, log, opts...)
	if err != nil {
		return nil, &StorageError{Replica: name, Op: "replay", Err: err}
	}
	return store, nil
}

func (s *Session) newEditor(side replication.Side, after uint64) *frontend.Editor {
	opts := []frontend.Option{
		frontend.WithLogger(&loggerAdapter{logger: s.config.logger, fields: []Field{{Key: "replica", Value: side.String()}}}),
		frontend.WithCountersAfter(after),
	}
	view := s.config.viewA
	actor := s.config.actorA
	if side == replication.SideB {
		view = s.config.viewB
		actor = s.config.actorB
	}
	if actor != "" {
		opts = append(opts, frontend.WithActor(actor))
	}

	ed := frontend.NewEditor(view, s.loop.Inbox(side), opts...)
	name := side.String()
	ed.OnChange(func(st frontend.State) {
		s.notify(side, name, st)
	})
	return ed
}

// deliver routes a loop notification to the editing contexts. It runs on
// the loop goroutine and never blocks on an editor.
func (s *Session) deliver(n replication.Notification) error {
	var errs []error
	for _, side := range []replication.Side{replication.SideA, replication.SideB} {
		if p := n.Patch(side); p != nil {
			if err := s.editors[index(side)].Deliver(*p); err != nil {
				errs = append(errs, fmt.Errorf("replica %s: %w", side, err))
			}
		}
	}
	if n.Rejection != nil {
		if err := s.editors[index(n.Origin)].Reject(*n.Rejection); err != nil {
			errs = append(errs, fmt.Errorf("replica %s: %w", n.Origin, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) notify(side replication.Side, name string, st frontend.State) {
	if s.config.metrics != nil {
		s.config.metrics.RecordPendingOps(name, st.Pending)
	}

	s.hooksMu.RLock()
	listeners := make([]func(string, frontend.State), len(s.listeners))
	copy(listeners, s.listeners)
	var chans []chan frontend.State
	for _, w := range s.watchers {
		if w.side == side {
			chans = append(chans, w.ch)
		}
	}
	s.hooksMu.RUnlock()

	for _, fn := range listeners {
		fn(name, st)
	}
	for _, ch := range chans {
		select {
		case ch <- st:
		default:
			// drop the oldest state to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Editor returns the editing context of replica "A" or "B"
//
// Example:
//
//	ed, err := session.Editor("A")
//	if err != nil {
//		log.Fatal(err)
//	}
//	ed.Edit(ctx, frontend.Insert(0, "hi"))
//
// Since: v0.1.0
func (s *Session) Editor(name string) (*frontend.Editor, error) {
	side, err := replication.ParseSide(name)
	if err != nil {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownReplica, name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.editors[index(side)], nil
}

// A returns the editing context of replica A, or nil before Start
func (s *Session) A() *frontend.Editor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editors[0]
}

// B returns the editing context of replica B, or nil before Start
func (s *Session) B() *frontend.Editor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editors[1]
}

// Edit applies edits on the named replica and sends them to its backend
//
// Since: v0.1.0
func (s *Session) Edit(ctx context.Context, replica string, edits ...frontend.Edit) (frontend.State, error) {
	ed, err := s.Editor(replica)
	if err != nil {
		return frontend.State{}, err
	}
	return ed.Edit(ctx, edits...)
}

// Sync blocks until every request sent so far was processed by the loop
// and every resulting patch was applied by both replicas
//
// Example:
//
//	session.A().Edit(ctx, frontend.Insert(0, "x"))
//	if err := session.Sync(ctx); err != nil {
//		log.Fatal(err)
//	}
//	// session.B() now shows "x"
//
// Since: v0.1.0
func (s *Session) Sync(ctx context.Context) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	// edits queued on the editors reach the inboxes first
	for _, ed := range s.editors {
		if _, err := ed.State(ctx); err != nil {
			return err
		}
	}
	if err := s.loop.WaitIdle(ctx); err != nil {
		return err
	}
	// patches delivered by the loop are applied next
	for _, ed := range s.editors {
		if _, err := ed.State(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnChange registers fn to be called with a replica's state after every
// local edit and every rendered patch. fn runs on that replica's editor
// goroutine and must not block.
//
// Since: v0.1.0
func (s *Session) OnChange(fn func(replica string, state frontend.State)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Watch streams the states of the named replica until cancel is called.
// A slow reader skips intermediate states.
//
// Since: v0.2.0
func (s *Session) Watch(replica string) (<-chan frontend.State, func(), error) {
	side, err := replication.ParseSide(replica)
	if err != nil {
		return nil, nil, fmt.Errorf("%w '%s'", ErrUnknownReplica, replica)
	}

	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	if s.watchers == nil {
		return nil, nil, ErrClosed
	}
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan frontend.State, watchBuffer)
	s.watchers[id] = watcher{side: side, ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.hooksMu.Lock()
			delete(s.watchers, id)
			s.hooksMu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Status returns the loop counters and a view of both replicas
//
// Since: v0.1.0
func (s *Session) Status(ctx context.Context) (Status, error) {
	s.mu.RLock()
	st := Status{Started: s.started, Closed: s.closed}
	s.mu.RUnlock()
	if !st.Started || st.Closed {
		return st, nil
	}

	st.Loop = s.loop.Status()
	replicas := []*ReplicaStatus{&st.A, &st.B}
	err := s.loop.Inspect(ctx, func(a, b *backend.Store) {
		for i, store := range []*backend.Store{a, b} {
			replicas[i].Name = store.Name()
			replicas[i].Changes = store.Len()
			replicas[i].Buffered = store.Buffered()
			replicas[i].Clock = store.Clock()
		}
	})
	if err != nil && !errors.Is(err, replication.ErrStopped) {
		return st, err
	}

	for i, ed := range s.editors {
		state, err := ed.State(ctx)
		if err != nil && !frontend.IsClosed(err) {
			return st, err
		}
		replicas[i].Actor = ed.Actor()
		replicas[i].State = state
	}
	return st, nil
}

// Info returns flat key/value information about the session
//
// Example:
//
//	info := session.Info()
//	fmt.Printf("Processed: %v\n", info["loop_processed"])
//
// Since: v0.1.0
func (s *Session) Info() map[string]interface{} {
	info := map[string]interface{}{
		"version": Version,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := s.Status(ctx)
	info["started"] = st.Started
	info["closed"] = st.Closed
	if !st.Started || st.Closed {
		return info
	}
	if err != nil {
		info["status_error"] = err.Error()
	}

	info["loop_running"] = st.Loop.Running
	info["loop_processed"] = st.Loop.Processed
	info["loop_rejected"] = st.Loop.Rejected
	info["loop_delivered"] = st.Loop.Delivered
	info["loop_dropped"] = st.Loop.Dropped
	info["loop_remote_errors"] = st.Loop.RemoteErrors
	for prefix, r := range map[string]ReplicaStatus{"a": st.A, "b": st.B} {
		info[prefix+"_actor"] = r.Actor.String()
		info[prefix+"_changes"] = r.Changes
		info[prefix+"_buffered"] = r.Buffered
		info[prefix+"_counter"] = r.State.Counter
		info[prefix+"_text_length"] = len([]rune(r.State.Text))
		info[prefix+"_pending"] = r.State.Pending
	}
	if s.config.storage != nil {
		info["persistent"] = true
	}
	return info
}

// LoopStats returns the synchronization loop counters. It is the zero
// Stats before Start.
func (s *Session) LoopStats() replication.Stats {
	s.mu.RLock()
	loop := s.loop
	s.mu.RUnlock()
	if loop == nil {
		return replication.Stats{}
	}
	return loop.Status()
}

// ShellAddr returns the address the editing shell listens on, or ""
func (s *Session) ShellAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shell == nil {
		return ""
	}
	return s.shell.Addr()
}

// Done is closed once the synchronization loop ended, either through Close
// or because a request channel closed. It is nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loop == nil {
		return nil
	}
	return s.loop.Done()
}

// Err returns why the loop ended on its own, or nil
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loop == nil {
		return nil
	}
	return s.loop.Err()
}

// Close gracefully shuts down the session
//
// The shell stops first, then the loop is told to stop and joined; requests
// it had not processed yet are discarded. The editors finish their queued
// work and the change logs are closed.
//
// Example:
//
//	defer session.Close()
//
// Since: v0.1.0
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	shell := s.shell
	s.mu.Unlock()

	// shell clients may be waiting on mu; stop them without holding it
	if shell != nil {
		if err := shell.Stop(); err != nil {
			s.config.logger.Error("Error stopping editing shell", Field{Key: "error", Value: err})
		}
	}

	var err error
	if started {
		s.stopLocked()
		st := s.loop.Status()
		s.config.logger.Info("Session closed",
			Field{Key: "processed", Value: st.Processed},
			Field{Key: "discarded", Value: st.Discarded})
	}

	if s.config.storage != nil {
		if cerr := s.config.storage.Close(); cerr != nil {
			err = &StorageError{Replica: "*", Op: "close", Err: cerr}
		}
	}

	s.hooksMu.Lock()
	for _, w := range s.watchers {
		close(w.ch)
	}
	s.watchers = nil
	s.hooksMu.Unlock()
	return err
}

// stopLocked stops the loop and the editors and closes the change logs.
// Callers either hold mu or have marked the session closed.
func (s *Session) stopLocked() {
	if err := s.loop.Stop(); err != nil {
		s.config.logger.Error("Error stopping synchronization loop", Field{Key: "error", Value: err})
	}
	for _, ed := range s.editors {
		if ed != nil {
			ed.Close()
		}
	}
	if err := s.closeLogs(); err != nil {
		s.config.logger.Error("Error closing change log", Field{Key: "error", Value: err})
	}
}

func (s *Session) closeLogs() error {
	var errs []error
	for _, log := range s.logs {
		errs = append(errs, log.Close())
	}
	s.logs = nil
	return errors.Join(errs...)
}

// isStarted returns true if the session is started (thread-safe)
func (s *Session) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed
}
