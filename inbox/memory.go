package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// userInbox holds one recipient's sequenced entries.
// Lock discipline is per recipient so appends for different users never
// contend with each other.
type userInbox struct {
	mu      sync.Mutex
	head    uint64
	entries []Entry
}

// Memory is an in-memory Store for single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	inboxes map[string]*userInbox
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory inbox store
func NewMemory() *Memory {
	return &Memory{inboxes: make(map[string]*userInbox)}
}

func (m *Memory) inbox(userID string) *userInbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	ib, ok := m.inboxes[userID]
	if !ok {
		ib = &userInbox{}
		m.inboxes[userID] = ib
	}
	return ib
}

// Append records a new entry for the recipient and returns its sequence
func (m *Memory) Append(_ context.Context, userID, frameType string, data json.RawMessage) (uint64, error) {
	ib := m.inbox(userID)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	ib.head++
	entry := Entry{
		Seq:       ib.head,
		Type:      frameType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	ib.entries = append(ib.entries, entry)
	return entry.Seq, nil
}

// After returns up to limit entries with sequence > seq, ascending
func (m *Memory) After(_ context.Context, userID string, seq uint64, limit int) ([]Entry, error) {
	ib := m.inbox(userID)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if limit <= 0 {
		limit = len(ib.entries)
	}

	out := make([]Entry, 0, limit)
	// Entries are stored in append order, which is sequence order
	for _, e := range ib.entries {
		if e.Seq <= seq {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
