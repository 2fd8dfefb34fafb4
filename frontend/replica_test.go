package frontend_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/protocol"
)

type recordingView struct {
	renders  []frontend.State
	onRender func(frontend.State)
}

func (v *recordingView) Render(s frontend.State) {
	v.renders = append(v.renders, s)
	if v.onRender != nil {
		v.onRender(s)
	}
}

func newAttached(t *testing.T, actor protocol.ActorID, view frontend.View) (*frontend.Replica, *backend.Store) {
	t.Helper()
	r, init := frontend.New(view, frontend.WithActor(actor))
	s := backend.New(string(actor))
	p, err := s.ApplyLocalChange(init)
	require.NoError(t, err)
	require.NoError(t, r.ApplyPatch(p))
	return r, s
}

func TestNewDeclaresFields(t *testing.T) {
	r, init := frontend.New(nil)

	assert.NotEmpty(t, r.Actor())
	assert.Equal(t, r.Actor(), init.Actor)
	require.Len(t, init.Ops, 2)
	assert.Equal(t, protocol.ActionSet, init.Ops[0].Action)
	assert.Equal(t, frontend.FieldCounter, init.Ops[0].Field)
	assert.Equal(t, protocol.KindCounter, init.Ops[0].Kind)
	assert.Equal(t, frontend.FieldText, init.Ops[1].Field)
	assert.Equal(t, protocol.KindText, init.Ops[1].Kind)
	require.NoError(t, init.Validate())

	assert.Equal(t, int64(0), r.CounterValue())
	assert.Equal(t, "", r.TextValue())
	assert.Equal(t, 2, r.Pending())
}

func TestLocalEdit(t *testing.T) {
	r, _ := newAttached(t, "a", nil)
	assert.Equal(t, 0, r.Pending())

	req, err := r.LocalEdit(frontend.Insert(0, "hello"))
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Len(t, req.Ops, 5)
	assert.Equal(t, "hello", r.TextValue())
	require.NoError(t, req.Validate())

	// inserts form a chain
	for i := 1; i < len(req.Ops); i++ {
		assert.Equal(t, req.Ops[i-1].ID, req.Ops[i].Ref)
	}

	req, err = r.LocalEdit(frontend.Delete(1, 3), frontend.Increment(2))
	require.NoError(t, err)
	require.Len(t, req.Ops, 4)
	assert.Equal(t, "ho", r.TextValue())
	assert.Equal(t, int64(2), r.CounterValue())
	assert.Equal(t, 9, r.Pending())
}

func TestLocalEditNoChange(t *testing.T) {
	r, _ := newAttached(t, "a", nil)

	req, err := r.LocalEdit(frontend.Insert(0, ""), frontend.Delete(0, 0), frontend.Increment(0))
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Equal(t, 0, r.Pending())
}

func TestLocalEditInvalid(t *testing.T) {
	tests := []struct {
		name string
		edit frontend.Edit
	}{
		{"insert past end", frontend.Insert(5, "x")},
		{"delete past end", frontend.Delete(1, 5)},
		{"negative index", frontend.Delete(-1, 1)},
		{"negative increment", frontend.Increment(-1)},
		{"unknown field", frontend.Increment(1).On("votes")},
		{"invalid utf-8", frontend.Insert(0, "a\xffb")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newAttached(t, "a", nil)
			_, err := r.LocalEdit(frontend.Insert(0, "ab"))
			require.NoError(t, err)

			// a valid edit in the same batch must not be applied either
			req, err := r.LocalEdit(frontend.Insert(0, "z"), tt.edit)
			assert.Nil(t, req)
			assert.True(t, errors.Is(err, frontend.ErrInvalidEdit), "got %v", err)
			assert.Equal(t, "ab", r.TextValue())
			assert.Equal(t, 2, r.Pending())
		})
	}
}

func TestEchoSuppression(t *testing.T) {
	view := &recordingView{}
	r, s := newAttached(t, "a", view)

	req, err := r.LocalEdit(frontend.Insert(0, "hi"))
	require.NoError(t, err)
	p, err := s.ApplyLocalChange(*req)
	require.NoError(t, err)
	assert.Equal(t, r.Actor(), p.Actor)

	require.NoError(t, r.ApplyPatch(p))
	assert.Empty(t, view.renders, "own patches are not rendered")
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, "hi", r.TextValue())

	// the same patch twice changes nothing
	require.NoError(t, r.ApplyPatch(p))
	assert.Equal(t, "hi", r.TextValue())
}

func TestRemotePatchRenders(t *testing.T) {
	view := &recordingView{}
	ra, sa := newAttached(t, "a", view)
	rb, sb := newAttached(t, "b", nil)

	req, err := rb.LocalEdit(frontend.Insert(0, "yo"), frontend.Increment(3))
	require.NoError(t, err)
	_, err = sb.ApplyLocalChange(*req)
	require.NoError(t, err)

	p, err := sa.ApplyRemoteChanges(sb.ChangesSince(protocol.Clock{}))
	require.NoError(t, err)
	assert.Equal(t, rb.Actor(), p.Actor)

	require.NoError(t, ra.ApplyPatch(p))
	require.Len(t, view.renders, 1)
	assert.Equal(t, "yo", view.renders[0].Text)
	assert.Equal(t, int64(3), view.renders[0].Counter)
	assert.Equal(t, "yo", ra.TextValue())
}

func TestPendingEditsSurviveRemotePatch(t *testing.T) {
	ra, sa := newAttached(t, "a", nil)
	rb, sb := newAttached(t, "b", nil)

	reqA, err := ra.LocalEdit(frontend.Increment(1))
	require.NoError(t, err)

	reqB, err := rb.LocalEdit(frontend.Increment(5))
	require.NoError(t, err)
	_, err = sb.ApplyLocalChange(*reqB)
	require.NoError(t, err)

	// b's change reaches a's backend before a's own request does
	p, err := sa.ApplyRemoteChanges(sb.ChangesSince(protocol.Clock{}))
	require.NoError(t, err)
	require.NoError(t, ra.ApplyPatch(p))
	assert.Equal(t, int64(6), ra.CounterValue(), "unacknowledged increment stays visible")
	assert.Equal(t, 1, ra.Pending())

	p, err = sa.ApplyLocalChange(*reqA)
	require.NoError(t, err)
	require.NoError(t, ra.ApplyPatch(p))
	assert.Equal(t, int64(6), ra.CounterValue())
	assert.Equal(t, 0, ra.Pending())
}

func TestRenderDoesNotFeedBack(t *testing.T) {
	var (
		r          *frontend.Replica
		feedback   *protocol.ChangeRequest
		feedbackOK bool
	)
	view := &recordingView{}
	view.onRender = func(s frontend.State) {
		// a UI widget reacting to the programmatic update
		req, err := r.LocalEdit(frontend.Insert(0, s.Text))
		feedback, feedbackOK = req, err == nil
		assert.True(t, r.Rendering())
	}

	r, sa := newAttached(t, "a", view)
	rb, sb := newAttached(t, "b", nil)

	req, err := rb.LocalEdit(frontend.Insert(0, "x"))
	require.NoError(t, err)
	_, err = sb.ApplyLocalChange(*req)
	require.NoError(t, err)
	p, err := sa.ApplyRemoteChanges(sb.ChangesSince(protocol.Clock{}))
	require.NoError(t, err)

	require.NoError(t, r.ApplyPatch(p))
	require.Len(t, view.renders, 1)
	assert.True(t, feedbackOK)
	assert.Nil(t, feedback, "edits during render produce no request")
	assert.Equal(t, "x", r.TextValue())
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.Rendering())
}

func TestReject(t *testing.T) {
	view := &recordingView{}
	r, s := newAttached(t, "a", view)

	good, err := r.LocalEdit(frontend.Insert(0, "ok"))
	require.NoError(t, err)
	p, err := s.ApplyLocalChange(*good)
	require.NoError(t, err)
	require.NoError(t, r.ApplyPatch(p))

	bad, err := r.LocalEdit(frontend.Increment(4))
	require.NoError(t, err)
	bad.Deps = protocol.Clock{"nobody": 9}
	_, err = s.ApplyLocalChange(*bad)

	var rej *backend.RejectedError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, int64(4), r.CounterValue())

	r.Reject(rej.Rejection())
	assert.Equal(t, int64(0), r.CounterValue())
	assert.Equal(t, "ok", r.TextValue())
	assert.Equal(t, 0, r.Pending())
	require.Len(t, view.renders, 1)
	assert.Equal(t, int64(0), view.renders[0].Counter)

	// later requests still go through
	next, err := r.LocalEdit(frontend.Increment(1))
	require.NoError(t, err)
	_, err = s.ApplyLocalChange(*next)
	require.NoError(t, err)
}

func TestRejectForOtherActorIgnored(t *testing.T) {
	r, _ := newAttached(t, "a", nil)
	_, err := r.LocalEdit(frontend.Increment(1))
	require.NoError(t, err)

	r.Reject(protocol.Rejection{
		Actor: "b",
		First: protocol.OpID{Counter: 1, Actor: "b"},
		Last:  protocol.OpID{Counter: 99, Actor: "b"},
	})
	assert.Equal(t, int64(1), r.CounterValue())
}

func TestCountersAfterReusedActor(t *testing.T) {
	_, store := newAttached(t, "a", nil)

	// a second incarnation of actor a against the same backend
	stale, init := frontend.New(nil, frontend.WithActor("a"))
	_, err := store.ApplyLocalChange(init)
	require.ErrorIs(t, err, backend.ErrRequestRejected)
	assert.Equal(t, 2, stale.Pending())

	r, init := frontend.New(nil, frontend.WithActor("a"), frontend.WithCountersAfter(store.Clock().Get("a")))
	assert.Equal(t, uint64(3), init.First().Counter)
	p, err := store.ApplyLocalChange(init)
	require.NoError(t, err)
	require.NoError(t, r.ApplyPatch(p))
	assert.Equal(t, 0, r.Pending())
}
