package transport

import (
	"context"
	"sync"
)

// MemorySender captures outgoing items in memory. Used by tests and by the
// loopback path that echoes batches between accounts of one process.
type MemorySender struct {
	mu    sync.Mutex
	items []OutboundItem
	fail  error
}

// NewMemorySender constructs an empty capture sender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// Send records the item, or returns the injected failure.
func (m *MemorySender) Send(_ context.Context, item OutboundItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	copied := item
	copied.Payload = append([]byte(nil), item.Payload...)
	m.items = append(m.items, copied)
	return nil
}

// Items returns a snapshot of everything sent so far.
func (m *MemorySender) Items() []OutboundItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutboundItem(nil), m.items...)
}

// FailWith makes subsequent sends return err; nil restores normal behavior.
func (m *MemorySender) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
