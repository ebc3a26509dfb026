// Package blobstore implements the persistence boundary: a byte-blob
// key/value interface behind which the core keeps its three identity
// keys (identity/clearnet, identity/overlay, overlay/destination_keys)
// and the store-and-forward outbox keeps its messages/ key family.
// Adapted from the teacher's pkg/swarm Storage interface and its
// pluggable memory/RocksDB backends.
package blobstore

import (
	"errors"
	"sync"
)

// Well-known identity keys. Beyond these, the only other writer is the
// swarm outbox, which owns the messages/ prefix; DHT records and link
// metrics stay process-lifetime.
const (
	KeyClearnetIdentity    = "identity/clearnet"
	KeyOverlayIdentity     = "identity/overlay"
	KeyOverlayDestinations = "overlay/destination_keys"
)

// Storage is the pluggable byte-blob backend every persisted key/value
// goes through.
type Storage interface {
	Store(key string, value []byte) error
	Retrieve(key string) ([]byte, error)
	Delete(key string) error
	List(prefix string) ([]string, error)
	Close() error
}

// ErrNotFound is returned by Retrieve for a missing key.
var ErrNotFound = errors.New("blobstore: key not found")

// MemoryStorage is an in-memory backend, useful for tests and for nodes
// that deliberately don't persist identities across restarts.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Store(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryStorage) Retrieve(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for key := range m.data {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryStorage) Close() error { return nil }

var _ Storage = (*MemoryStorage)(nil)
