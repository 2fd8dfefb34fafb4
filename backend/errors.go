package backend

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

var (
	// ErrRequestRejected indicates a local change request the store refused.
	// The store is unchanged when it is returned.
	ErrRequestRejected = errors.New("change request rejected")

	// ErrMalformedChange indicates a remote change that cannot be integrated
	ErrMalformedChange = errors.New("malformed change")

	// ErrStalePrepared indicates a prepared change the store moved past
	ErrStalePrepared = errors.New("prepared change is stale")
)

// RejectedError describes why a change request was refused
type RejectedError struct {
	Actor  protocol.ActorID
	First  protocol.OpID
	Last   protocol.OpID
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("change request %s..%s from %s rejected: %s", e.First, e.Last, e.Actor.Short(), e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRequestRejected) hold for every RejectedError
func (e *RejectedError) Is(target error) bool {
	return target == ErrRequestRejected
}

func reject(req protocol.ChangeRequest, reason string, err error) *RejectedError {
	return &RejectedError{
		Actor:  req.Actor,
		First:  req.First(),
		Last:   req.Last(),
		Reason: reason,
		Err:    err,
	}
}

// Rejection returns the notification sent back to the requesting replica
func (e *RejectedError) Rejection() protocol.Rejection {
	reason := e.Reason
	if e.Err != nil {
		reason += ": " + e.Err.Error()
	}
	return protocol.Rejection{Actor: e.Actor, First: e.First, Last: e.Last, Reason: reason}
}
