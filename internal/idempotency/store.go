package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Record is the persisted state of one idempotency key.
type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	// ExpiresAt is zero while the record is PENDING.
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Final is the terminal state written by Finalize.
type Final struct {
	Status    Status
	Result    json.RawMessage
	Reason    string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

var ErrNotFound = errors.New("idempotency: record not found")

// Store abstracts idempotency persistence.
type Store interface {
	// Create inserts rec unless the key exists. It returns the stored record and whether
	// this call created it; the check and insert are atomic.
	Create(ctx context.Context, rec Record) (Record, bool, error)
	// Get returns nil when the key is unknown.
	Get(ctx context.Context, key string) (*Record, error)
	// Finalize applies f only to a PENDING record and returns the stored record either way.
	Finalize(ctx context.Context, key string, f Final) (Record, error)
	// Purge deletes terminal records whose ExpiresAt is before now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

func applyFinal(rec *Record, f Final) bool {
	if rec.Status != StatusPending {
		return false
	}
	rec.Status = f.Status
	rec.Result = f.Result
	rec.Reason = f.Reason
	rec.UpdatedAt = f.UpdatedAt
	rec.ExpiresAt = f.ExpiresAt
	return true
}

func expired(rec Record, now time.Time) bool {
	return rec.Terminal() && !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[rec.Key]; ok {
		return existing, false, nil
	}
	m.data[rec.Key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Finalize(_ context.Context, key string, f Final) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if applyFinal(&rec, f) {
		m.data[key] = rec
	}
	return rec, nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, rec := range m.data {
		if expired(rec, now) {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

// FileStore persists records to a JSON file. Suitable for a single local process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist writes through a temp file so a crash never leaves a torn file behind.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Create(_ context.Context, rec Record) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.data[rec.Key]; ok {
		return existing, false, nil
	}
	f.data[rec.Key] = rec
	if err := f.persist(); err != nil {
		delete(f.data, rec.Key)
		return Record{}, false, err
	}
	return rec, true, nil
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Finalize(_ context.Context, key string, fin Final) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	prev := rec
	if !applyFinal(&rec, fin) {
		return rec, nil
	}
	f.data[key] = rec
	if err := f.persist(); err != nil {
		f.data[key] = prev
		return Record{}, err
	}
	return rec, nil
}

func (f *FileStore) Purge(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key, rec := range f.data {
		if expired(rec, now) {
			delete(f.data, key)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}
