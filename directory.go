package mqttmesh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Directory errors.
var ErrDirectoryClosed = errors.New("directory closed")

// SessionEntry records which node currently owns a client session.
type SessionEntry struct {
	ClientID    string    `json:"client_id"`
	NodeID      NodeID    `json:"node_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory tracks which broker node owns each client's live connection.
// It is shared across the fleet and eventually consistent: readers may
// briefly observe a stale owner after a takeover. Writers resolve
// conflicting claims by last-writer-wins on connect.
//
// Directory failures never fail the caller's connect or disconnect flow;
// the router logs them and moves on.
type Directory interface {
	// RecordConnect unconditionally overwrites any prior owner entry for
	// clientID. Idempotent under retry.
	RecordConnect(ctx context.Context, clientID string, nodeID NodeID) error

	// RecordDisconnect removes the entry only if it is absent or still
	// attributes clientID to nodeID. A reconnect to another node between
	// disconnect detection and this call leaves the new owner intact.
	RecordDisconnect(ctx context.Context, clientID string, nodeID NodeID) error

	// Lookup returns the current owner entry for clientID, if any.
	Lookup(ctx context.Context, clientID string) (SessionEntry, bool, error)

	// Close releases directory resources.
	Close() error
}

// MemoryDirectory is an in-memory Directory for tests and single-process
// fleets sharing one directory instance.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]SessionEntry
	closed  bool
}

// NewMemoryDirectory creates a new in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]SessionEntry),
	}
}

// RecordConnect overwrites the owner entry for clientID.
func (d *MemoryDirectory) RecordConnect(_ context.Context, clientID string, nodeID NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDirectoryClosed
	}

	d.entries[clientID] = SessionEntry{
		ClientID:    clientID,
		NodeID:      nodeID,
		ConnectedAt: time.Now(),
	}
	return nil
}

// RecordDisconnect removes the entry unless another node took ownership.
func (d *MemoryDirectory) RecordDisconnect(_ context.Context, clientID string, nodeID NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDirectoryClosed
	}

	entry, ok := d.entries[clientID]
	if !ok {
		return nil
	}
	if entry.NodeID != nodeID {
		// Session reconnected elsewhere, the new owner wins.
		return nil
	}

	delete(d.entries, clientID)
	return nil
}

// Lookup returns the owner entry for clientID.
func (d *MemoryDirectory) Lookup(_ context.Context, clientID string) (SessionEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return SessionEntry{}, false, ErrDirectoryClosed
	}

	entry, ok := d.entries[clientID]
	return entry, ok, nil
}

// Len returns the number of owner entries.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Close marks the directory closed.
func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
