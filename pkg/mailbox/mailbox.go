// Package mailbox hands agent-initiated mutations to a polling client.
// Each session owns one queue; tool handlers publish into it and the
// client's poll drains it in a single atomic swap.
package mailbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeType tags the kind of mutation an entry describes.
type ChangeType string

const (
	DestinationAdded   ChangeType = "destination_added"
	DestinationRemoved ChangeType = "destination_removed"
	DestinationUpdated ChangeType = "destination_updated"
)

// Entry is one pending mutation notification.
type Entry struct {
	ID        string         `json:"id"`
	Type      ChangeType     `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Mailbox is a many-writer, one-reader-per-poll queue set keyed by
// session. Delivery is at-most-once: an entry handed to one Drain call is
// never visible to another. Entries lost between a drain and the client
// applying them are an accepted tradeoff; the underlying mutations are
// re-derivable by re-running the research flow.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[string][]Entry
	limit   int // per-session cap; 0 means unbounded
	dropped int64
}

// New creates a mailbox. limit bounds each session queue (oldest entries
// are dropped at capacity); 0 disables the bound.
func New(limit int) *Mailbox {
	return &Mailbox{
		queues: make(map[string][]Entry),
		limit:  limit,
	}
}

// Publish appends an entry to the session's queue. Safe for concurrent
// use by multiple tool-execution handlers.
func (m *Mailbox) Publish(sessionID string, changeType ChangeType, payload map[string]any) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Type:      changeType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	queue := append(m.queues[sessionID], entry)
	if m.limit > 0 && len(queue) > m.limit {
		m.dropped += int64(len(queue) - m.limit)
		queue = queue[len(queue)-m.limit:]
	}
	m.queues[sessionID] = queue
	return entry
}

// Drain atomically returns and clears all pending entries for the
// session. Implemented as a swap under the lock, never read-then-delete,
// so two concurrent drains can never both observe the same entry.
func (m *Mailbox) Drain(sessionID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.queues[sessionID]
	delete(m.queues, sessionID)
	return entries
}

// Pending reports the queue length without consuming anything.
func (m *Mailbox) Pending(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[sessionID])
}

// Dropped reports how many entries were discarded by the capacity bound.
func (m *Mailbox) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
