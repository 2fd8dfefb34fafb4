package localfirst

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/replication"
)

// Error types for specific failure scenarios
var (
	// ErrRequestRejected indicates a backend refused a change request. The
	// requesting replica drops the rejected edits.
	ErrRequestRejected = backend.ErrRequestRejected

	// ErrChannelClosed indicates a request channel closed while the session
	// was running; the synchronization loop ends with it
	ErrChannelClosed = replication.ErrChannelClosed

	// ErrPatchDelivery indicates a notification could not be handed to an
	// editing context
	ErrPatchDelivery = replication.ErrPatchDelivery

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotStarted indicates the session has not been started
	ErrNotStarted = errors.New("session not started")

	// ErrClosed indicates the session has been closed
	ErrClosed = errors.New("session is closed")

	// ErrUnknownReplica indicates a replica name other than A or B
	ErrUnknownReplica = errors.New("unknown replica")
)

// StorageError represents a failure to open or replay a replica's change log
type StorageError struct {
	Replica string
	Op      string // "open", "replay", "close"
	Err     error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error on replica %s during %s: %v", e.Replica, e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError names the option that was rejected
type ConfigError struct {
	Option string
	Reason string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Option, e.Reason)
}

// Is reports whether target is ErrInvalidConfig
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
