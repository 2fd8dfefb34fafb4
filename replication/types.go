package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

var (
	// ErrChannelClosed indicates an inbox was closed by something other
	// than Stop
	ErrChannelClosed = errors.New("request channel closed")

	// ErrPatchDelivery wraps errors returned by a Sink
	ErrPatchDelivery = errors.New("patch delivery failed")

	// ErrStopped is returned for work submitted to a stopped loop
	ErrStopped = errors.New("synchronization loop stopped")
)

// Side names one of the two replica groups
type Side uint8

const (
	// SideA is the first replica group
	SideA Side = iota + 1
	// SideB is the second replica group
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Other returns the opposite side
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// ParseSide accepts "A", "B" and their lower-case forms
func ParseSide(name string) (Side, error) {
	switch name {
	case "A", "a":
		return SideA, nil
	case "B", "b":
		return SideB, nil
	default:
		return 0, fmt.Errorf("unknown side %q", name)
	}
}

// Notification is everything one processed request produced. A and B hold
// the patch of each store, when there is one. Rejection is set instead when
// the requesting side's store refused the request; it concerns Origin only.
type Notification struct {
	Origin    Side
	A         *protocol.Patch
	B         *protocol.Patch
	Rejection *protocol.Rejection
}

// Patch returns the patch for side s
func (n Notification) Patch(s Side) *protocol.Patch {
	if s == SideA {
		return n.A
	}
	return n.B
}

func (n *Notification) setPatch(s Side, p protocol.Patch) {
	if s == SideA {
		n.A = &p
	} else {
		n.B = &p
	}
}

// Sink receives notifications. Deliver is called on the loop goroutine and
// must not block on the loop.
type Sink interface {
	Deliver(n Notification) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Notification) error

// Deliver calls f(n)
func (f SinkFunc) Deliver(n Notification) error {
	return f(n)
}

// Event describes one processed request
type Event struct {
	Origin   Side
	Actor    protocol.ActorID
	Ops      int
	Rejected bool
	Reason   string
	A        *protocol.Patch
	B        *protocol.Patch
	Duration time.Duration
	At       time.Time
}

// Observer is told about every processed request, after its notification
// was handed to the sink. OnApplied runs on the loop goroutine.
type Observer interface {
	OnApplied(e Event)
}

// Logger interface for loop logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for loop metrics
type MetricsCollector interface {
	RecordRequestProcessed(side string, duration time.Duration)
	RecordRejection(side string)
	RecordDeliveryFailure()
	RecordQueueDepth(side string, depth int)
	RecordError(errorType string)
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, fields ...interface{}) {}
func (l *defaultLogger) Info(msg string, fields ...interface{})  {}
func (l *defaultLogger) Error(msg string, fields ...interface{}) {}
