package mqttmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"
)

const oxiaSessionKeyPrefix = "sessions/"

// OxiaDirectoryConfig configures the Oxia-backed session directory.
type OxiaDirectoryConfig struct {
	// ServiceAddress is the Oxia service endpoint (e.g. "localhost:6648").
	ServiceAddress string

	// Namespace scopes all directory keys (e.g. "mqttmesh/fleet-1").
	Namespace string

	// RequestTimeout is the timeout for individual requests.
	RequestTimeout time.Duration

	// SessionTimeout is the Oxia client session timeout.
	SessionTimeout time.Duration
}

// OxiaDirectory is a fleet-shared Directory backed by Oxia.
//
// Connect records are plain last-writer-wins puts. The disconnect guard
// uses a version-checked delete: if the entry changed between the read
// and the delete, a reconnect elsewhere won the race and the delete is
// silently abandoned.
type OxiaDirectory struct {
	client oxiaclient.SyncClient

	mu     sync.RWMutex
	closed bool
}

// NewOxiaDirectory connects to Oxia and returns a directory scoped to
// the configured namespace.
func NewOxiaDirectory(cfg OxiaDirectoryConfig) (*OxiaDirectory, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia directory: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia directory: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia directory: create client: %w", err)
	}

	return &OxiaDirectory{client: client}, nil
}

func sessionKey(clientID string) string {
	return oxiaSessionKeyPrefix + clientID
}

// RecordConnect overwrites the owner entry for clientID.
func (d *OxiaDirectory) RecordConnect(ctx context.Context, clientID string, nodeID NodeID) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	entry := SessionEntry{
		ClientID:    clientID,
		NodeID:      nodeID,
		ConnectedAt: time.Now().UTC(),
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("oxia directory: encode entry: %w", err)
	}

	if _, _, err := d.client.Put(ctx, sessionKey(clientID), value); err != nil {
		return fmt.Errorf("oxia directory: put: %w", err)
	}
	return nil
}

// RecordDisconnect removes the entry unless another node took ownership.
func (d *OxiaDirectory) RecordDisconnect(ctx context.Context, clientID string, nodeID NodeID) error {
	if err := d.checkOpen(); err != nil {
		return err
	}

	key := sessionKey(clientID)

	_, value, version, err := d.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("oxia directory: get: %w", err)
	}

	var entry SessionEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return fmt.Errorf("oxia directory: decode entry: %w", err)
	}
	if entry.NodeID != nodeID {
		// Session reconnected elsewhere, the new owner wins.
		return nil
	}

	err = d.client.Delete(ctx, key, oxiaclient.ExpectedVersionId(version.VersionId))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) || errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			// Entry was overwritten by a takeover between the read and
			// the delete. The takeover wins.
			return nil
		}
		return fmt.Errorf("oxia directory: delete: %w", err)
	}
	return nil
}

// Lookup returns the owner entry for clientID.
func (d *OxiaDirectory) Lookup(ctx context.Context, clientID string) (SessionEntry, bool, error) {
	if err := d.checkOpen(); err != nil {
		return SessionEntry{}, false, err
	}

	_, value, _, err := d.client.Get(ctx, sessionKey(clientID))
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return SessionEntry{}, false, nil
		}
		return SessionEntry{}, false, fmt.Errorf("oxia directory: get: %w", err)
	}

	var entry SessionEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return SessionEntry{}, false, fmt.Errorf("oxia directory: decode entry: %w", err)
	}
	return entry, true, nil
}

// Close closes the underlying Oxia client.
func (d *OxiaDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	return d.client.Close()
}

func (d *OxiaDirectory) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDirectoryClosed
	}
	return nil
}
