package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ledgerguard/internal/vault"
)

var (
	ErrNotFound = errors.New("wallet: not found")
	ErrExists   = errors.New("wallet: already exists")
)

// Record is a custodial wallet. The secret never leaves it in clear form.
type Record struct {
	UserID    string
	Address   string
	Secret    vault.EncryptedBlob
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store interface {
	Get(ctx context.Context, userID string) (Record, error)
	Create(ctx context.Context, rec Record) error
	UpdateSecret(ctx context.Context, userID string, blob vault.EncryptedBlob, updatedAt time.Time) error
	List(ctx context.Context) ([]Record, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[rec.UserID]; ok {
		return ErrExists
	}
	m.data[rec.UserID] = rec
	return nil
}

func (m *MemoryStore) UpdateSecret(_ context.Context, userID string, blob vault.EncryptedBlob, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[userID]
	if !ok {
		return ErrNotFound
	}
	rec.Secret = blob
	rec.UpdatedAt = updatedAt
	m.data[userID] = rec
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.data))
	for _, rec := range m.data {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
