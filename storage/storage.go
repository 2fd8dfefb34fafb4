package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

var (
	// ErrCorrupt indicates a persisted record that failed verification
	ErrCorrupt = errors.New("corrupt change record")

	// ErrClosed indicates use of a closed provider
	ErrClosed = errors.New("storage closed")
)

// ChangeLog is the durable, append-only log of one backend
type ChangeLog interface {
	// Append persists changes in order. Either all of them are stored or none.
	Append(ctx context.Context, changes ...protocol.Change) error

	// Load returns every stored change in append order
	Load(ctx context.Context) ([]protocol.Change, error)

	// Len returns the number of stored changes
	Len(ctx context.Context) (int, error)

	// Close releases the log; the owning provider stays open
	Close() error
}

// Provider hands out named change logs backed by the same medium
type Provider interface {
	Log(name string) (ChangeLog, error)
	Close() error
}

// encodeChange frames a change as an 8-byte checksum followed by its JSON body
func encodeChange(c protocol.Change) ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode change %s: %w", c.Op.ID, err)
	}
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(body))
	copy(buf[8:], body)
	return buf, nil
}

func decodeChange(raw []byte) (protocol.Change, error) {
	var c protocol.Change
	if len(raw) < 8 {
		return c, fmt.Errorf("%w: %d byte record", ErrCorrupt, len(raw))
	}
	body := raw[8:]
	if binary.BigEndian.Uint64(raw) != xxhash.Sum64(body) {
		return c, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return c, nil
}

func cloneChange(c protocol.Change) protocol.Change {
	c.Deps = c.Deps.Clone()
	return c
}
