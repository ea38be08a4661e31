package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("transfer: record not found")
	ErrDuplicateHash = errors.New("transfer: tx hash already recorded")
)

type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Record, error)
	// Finalize applies u only to a PENDING record and returns the stored record either way.
	Finalize(ctx context.Context, id string, u Update) (Record, error)
	FlagReconcile(ctx context.Context, id string, at time.Time) error
	// ListReconcilable returns PENDING records that are flagged for reconciliation or were
	// created before staleBefore, oldest first.
	ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]Record, error)
	// ListBySender returns a sender's records, newest first.
	ListBySender(ctx context.Context, senderID string, limit int) ([]Record, error)
}

func applyUpdate(rec *Record, u Update) bool {
	if rec.Status != StatusPending {
		return false
	}
	rec.Status = u.Status
	rec.ErrorReason = u.ErrorReason
	rec.NeedsReconcile = false
	rec.UpdatedAt = u.At
	if u.LedgerIndex != 0 {
		rec.LedgerIndex = u.LedgerIndex
	}
	if u.Status == StatusConfirmed {
		at := u.At
		rec.ConfirmedAt = &at
	}
	return true
}

type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Record
	byHash map[string]string
	byKey  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]Record),
		byHash: make(map[string]string),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ID]; ok {
		return errors.New("transfer: record id already exists")
	}
	if rec.TxHash != "" {
		if _, ok := m.byHash[rec.TxHash]; ok {
			return ErrDuplicateHash
		}
		m.byHash[rec.TxHash] = rec.ID
	}
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = rec.ID
	}
	m.byID[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Finalize(_ context.Context, id string, u Update) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if applyUpdate(&rec, u) {
		m.byID[id] = rec
	}
	return rec, nil
}

func (m *MemoryStore) FlagReconcile(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return nil
	}
	rec.NeedsReconcile = true
	rec.UpdatedAt = at
	m.byID[id] = rec
	return nil
}

func (m *MemoryStore) ListReconcilable(_ context.Context, staleBefore time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.byID {
		if rec.Status == StatusPending && (rec.NeedsReconcile || rec.CreatedAt.Before(staleBefore)) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListBySender(_ context.Context, senderID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.byID {
		if rec.SenderID == senderID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
