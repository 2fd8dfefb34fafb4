package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raniellyferreira/localfirst-replica/internal/mailbox"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// ErrEditorClosed is returned for work submitted after Close
var ErrEditorClosed = mailbox.ErrClosed

// RequestSender carries change requests to the backend side of a replica
type RequestSender interface {
	Send(req protocol.ChangeRequest) error
}

// SenderFunc adapts a function to RequestSender
type SenderFunc func(protocol.ChangeRequest) error

// Send calls f(req)
func (f SenderFunc) Send(req protocol.ChangeRequest) error {
	return f(req)
}

// Editor runs a Replica on its own goroutine. Every access to the replica,
// edits and patch deliveries alike, is a job in the editor's mailbox, so
// the replica is never touched concurrently.
type Editor struct {
	replica *Replica
	init    protocol.ChangeRequest
	sender  RequestSender
	logger  Logger

	box  *mailbox.Queue[func()]
	done chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu        sync.RWMutex
	listeners []func(State)
}

// NewEditor creates an editor for a fresh replica. view may be nil.
func NewEditor(view View, sender RequestSender, opts ...Option) *Editor {
	o := options{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Editor{
		sender: sender,
		logger: o.logger,
		box:    mailbox.New[func()](),
		done:   make(chan struct{}),
	}
	e.replica, e.init = New(ViewFunc(func(s State) {
		if view != nil {
			view.Render(s)
		}
		e.notify(s)
	}), opts...)
	return e
}

// Actor returns the replica identity
func (e *Editor) Actor() protocol.ActorID {
	return e.replica.actor
}

// Start sends the replica's initial request and starts processing the
// mailbox. Work submitted before Start runs after the initial request.
func (e *Editor) Start() error {
	var err error
	e.startOnce.Do(func() {
		if err = e.sender.Send(e.init); err != nil {
			err = fmt.Errorf("send initial request: %w", err)
			close(e.done)
			return
		}
		e.logger.Debug("Editor started", "actor", e.replica.actor.Short())
		go e.run()
	})
	return err
}

func (e *Editor) run() {
	defer close(e.done)
	for range e.box.Ready() {
		for {
			job, ok := e.box.Pop()
			if !ok {
				break
			}
			job()
		}
	}
	// closed: finish what was accepted before Close
	for _, job := range e.box.Drain() {
		job()
	}
}

// Close stops accepting work, runs what is queued and waits for the editor
// goroutine to exit
func (e *Editor) Close() error {
	e.closeOnce.Do(func() {
		e.box.Close()
		e.startOnce.Do(func() { close(e.done) })
	})
	<-e.done
	return nil
}

// Done is closed once the editor goroutine exited
func (e *Editor) Done() <-chan struct{} {
	return e.done
}

// OnChange registers fn to be called with the projection after every local
// edit and every render. fn runs on the editor goroutine.
func (e *Editor) OnChange(fn func(State)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Editor) notify(s State) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Do runs fn on the editor goroutine and waits for its result
func (e *Editor) Do(ctx context.Context, fn func(r *Replica) error) error {
	errc := make(chan error, 1)
	if err := e.box.Push(func() { errc <- fn(e.replica) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Edit applies edits locally and sends the resulting request. It returns
// the projection after the edits.
func (e *Editor) Edit(ctx context.Context, edits ...Edit) (State, error) {
	return e.Transact(ctx, func(tx *Txn) error {
		return tx.Edit(edits...)
	})
}

// Txn is the view of the replica handed to a Transact callback. It is only
// valid during the callback.
type Txn struct {
	editor  *Editor
	replica *Replica
	sent    int
}

// Edit applies edits and sends their request immediately
func (tx *Txn) Edit(edits ...Edit) error {
	req, err := tx.replica.LocalEdit(edits...)
	if err != nil || req == nil {
		return err
	}
	tx.editor.notify(tx.replica.State())
	if err := tx.editor.sender.Send(*req); err != nil {
		return fmt.Errorf("send change request: %w", err)
	}
	tx.sent++
	return nil
}

// State returns the projection including the edits made so far
func (tx *Txn) State() State {
	return tx.replica.State()
}

// Sent returns how many requests the transaction sent
func (tx *Txn) Sent() int {
	return tx.sent
}

// Transact runs fn on the editor goroutine. No patch is applied between the
// edits fn makes, so every edit sees the projection left by the previous
// one. Edits made before fn fails stay applied.
func (e *Editor) Transact(ctx context.Context, fn func(tx *Txn) error) (State, error) {
	var state State
	err := e.Do(ctx, func(r *Replica) error {
		tx := &Txn{editor: e, replica: r}
		err := fn(tx)
		state = r.State()
		return err
	})
	return state, err
}

// State returns the current projection
func (e *Editor) State(ctx context.Context) (State, error) {
	var state State
	err := e.Do(ctx, func(r *Replica) error {
		state = r.State()
		return nil
	})
	return state, err
}

// Deliver queues a backend patch for the replica. It does not wait for the
// patch to be applied.
func (e *Editor) Deliver(p protocol.Patch) error {
	return e.box.Push(func() {
		if err := e.replica.ApplyPatch(p); err != nil {
			e.logger.Error("Patch apply failed", "actor", e.replica.actor.Short(), "error", err)
		}
	})
}

// Reject queues a rejection notice for the replica
func (e *Editor) Reject(rej protocol.Rejection) error {
	return e.box.Push(func() {
		e.replica.Reject(rej)
	})
}

// IsClosed reports whether err means the editor no longer accepts work
func IsClosed(err error) bool {
	return errors.Is(err, ErrEditorClosed)
}
