package storage

import (
	"context"
	"sync"

	"github.com/raniellyferreira/localfirst-replica/protocol"
)

// Memory keeps change logs in process memory
type Memory struct {
	mu     sync.Mutex
	logs   map[string]*memoryLog
	closed bool
}

// NewMemory creates an empty in-memory provider
func NewMemory() *Memory {
	return &Memory{logs: make(map[string]*memoryLog)}
}

// Log returns the named log, creating it on first use. Repeated calls with
// the same name share the underlying records.
func (m *Memory) Log(name string) (ChangeLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.logs[name]
	if !ok {
		l = &memoryLog{}
		m.logs[name] = l
	}
	return l, nil
}

// Close drops every log
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.logs = nil
	return nil
}

type memoryLog struct {
	mu      sync.RWMutex
	changes []protocol.Change
}

func (l *memoryLog) Append(ctx context.Context, changes ...protocol.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, c := range changes {
		l.changes = append(l.changes, cloneChange(c))
	}
	return nil
}

func (l *memoryLog) Load(ctx context.Context) ([]protocol.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]protocol.Change, len(l.changes))
	for i, c := range l.changes {
		out[i] = cloneChange(c)
	}
	return out, nil
}

func (l *memoryLog) Len(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.changes), nil
}

func (l *memoryLog) Close() error {
	return nil
}
