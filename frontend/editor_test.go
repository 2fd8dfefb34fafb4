package frontend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// loopbackSender applies requests to a store and delivers the patch straight
// back to the editor, the way a one-sided synchronization loop would
type loopbackSender struct {
	mu     sync.Mutex
	store  *backend.Store
	editor *frontend.Editor
	sent   []protocol.ChangeRequest
}

func (s *loopbackSender) Send(req protocol.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, req)
	p, err := s.store.ApplyLocalChange(req)
	if err != nil {
		return s.editor.Reject(err.(*backend.RejectedError).Rejection())
	}
	return s.editor.Deliver(p)
}

func (s *loopbackSender) requests() []protocol.ChangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChangeRequest(nil), s.sent...)
}

func TestEditorRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender := &loopbackSender{store: backend.New("A")}
	ed := frontend.NewEditor(nil, sender, frontend.WithActor("a"))
	sender.editor = ed

	require.NoError(t, ed.Start())
	defer ed.Close()

	state, err := ed.Edit(ctx, frontend.Insert(0, "go"), frontend.Increment(1))
	require.NoError(t, err)
	assert.Equal(t, "go", state.Text)
	assert.Equal(t, int64(1), state.Counter)

	// the patch was queued behind the edit; State runs after it
	state, err = ed.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Pending)

	reqs := sender.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, protocol.ActionSet, reqs[0].Ops[0].Action, "the initial request goes first")

	text, err := sender.store.Text(frontend.FieldText)
	require.NoError(t, err)
	assert.Equal(t, "go", text)
}

func TestEditorOnChange(t *testing.T) {
	ctx := context.Background()
	sender := &loopbackSender{store: backend.New("A")}
	ed := frontend.NewEditor(nil, sender)
	sender.editor = ed

	var (
		mu     sync.Mutex
		states []frontend.State
	)
	ed.OnChange(func(s frontend.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ed.Start())
	_, err := ed.Edit(ctx, frontend.Increment(2))
	require.NoError(t, err)

	// no-op edits do not notify
	_, err = ed.Edit(ctx, frontend.Increment(0))
	require.NoError(t, err)
	require.NoError(t, ed.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 1)
	assert.Equal(t, int64(2), states[0].Counter)
}

func TestEditorClose(t *testing.T) {
	sender := &loopbackSender{store: backend.New("A")}
	ed := frontend.NewEditor(nil, sender)
	sender.editor = ed
	require.NoError(t, ed.Start())

	require.NoError(t, ed.Close())
	require.NoError(t, ed.Close())

	select {
	case <-ed.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}

	err := ed.Deliver(protocol.Patch{})
	assert.True(t, frontend.IsClosed(err))

	_, err = ed.Edit(context.Background(), frontend.Increment(1))
	assert.ErrorIs(t, err, frontend.ErrEditorClosed)
}

func TestEditorRejection(t *testing.T) {
	ctx := context.Background()
	store := backend.New("A")
	var ed *frontend.Editor
	sender := frontend.SenderFunc(func(req protocol.ChangeRequest) error {
		// drop every edit of the counter
		if req.Ops[0].Action == protocol.ActionIncrement {
			return ed.Reject(protocol.Rejection{Actor: req.Actor, First: req.First(), Last: req.Last(), Reason: "read only"})
		}
		p, err := store.ApplyLocalChange(req)
		if err != nil {
			return err
		}
		return ed.Deliver(p)
	})
	ed = frontend.NewEditor(nil, sender)
	require.NoError(t, ed.Start())
	defer ed.Close()

	state, err := ed.Edit(ctx, frontend.Increment(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Counter)

	state, err = ed.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Counter)
	assert.Equal(t, 0, state.Pending)
}

func TestEditorStartFailure(t *testing.T) {
	ed := frontend.NewEditor(nil, frontend.SenderFunc(func(protocol.ChangeRequest) error {
		return assert.AnError
	}))

	err := ed.Start()
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, ed.Close())
}

func TestEditorTransact(t *testing.T) {
	ctx := context.Background()
	sender := &loopbackSender{store: backend.New("A")}
	ed := frontend.NewEditor(nil, sender)
	sender.editor = ed
	require.NoError(t, ed.Start())
	defer ed.Close()

	state, err := ed.Transact(ctx, func(tx *frontend.Txn) error {
		if err := tx.Edit(frontend.Insert(0, "ab")); err != nil {
			return err
		}
		// the patch of the first request is not applied in between
		assert.Equal(t, 2, tx.State().Pending)
		if err := tx.Edit(frontend.Insert(len(tx.State().Text), "c")); err != nil {
			return err
		}
		assert.Equal(t, 2, tx.Sent())
		return tx.Edit(frontend.Delete(5, 1))
	})
	assert.ErrorIs(t, err, frontend.ErrInvalidEdit)
	assert.Equal(t, "abc", state.Text, "edits before the failure stay applied")

	state, err = ed.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", state.Text)
	assert.Equal(t, 0, state.Pending)
	assert.Len(t, sender.requests(), 3)
}
