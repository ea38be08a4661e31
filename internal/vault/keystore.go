package vault

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// WrappedKey is a data key sealed under the master key.
type WrappedKey struct {
	Version   uint32
	Wrapped   []byte
	CreatedAt time.Time
}

// KeyStore persists wrapped data keys. SaveKey must refuse to overwrite an existing version.
type KeyStore interface {
	LoadKeys(ctx context.Context) ([]WrappedKey, error)
	SaveKey(ctx context.Context, key WrappedKey) error
}

// ErrKeyExists is returned by SaveKey when the version is already stored.
var ErrKeyExists = errors.New("vault: key version already exists")

// MemoryKeyStore keeps wrapped keys in process memory.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[uint32]WrappedKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[uint32]WrappedKey)}
}

func (m *MemoryKeyStore) LoadKeys(_ context.Context) ([]WrappedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WrappedKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryKeyStore) SaveKey(_ context.Context, key WrappedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.Version]; ok {
		return ErrKeyExists
	}
	m.keys[key.Version] = key
	return nil
}
