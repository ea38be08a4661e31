// Package idempotency guarantees that a client-supplied key is acted on at most once and
// that every later request with the same key sees the first outcome.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

var (
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrKeyReused means the key was first used for a different request.
	ErrKeyReused = errors.New("idempotency: key reused with a different request")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidateKey checks the key format: 1 to 255 characters of letters, digits, '_' and '-'.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, truncate(key, 32))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Acquisition is the answer to Acquire. When Acquired is false, Record is the existing state
// of the key, which may still be PENDING.
type Acquisition struct {
	Acquired bool
	Record   Record
}

// Ledger wraps a Store with the key contract and the terminal-record retention window.
type Ledger struct {
	store  Store
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// NewLedger keeps terminal records for window before they become purgeable.
func NewLedger(store Store, window time.Duration, opts ...Option) *Ledger {
	l := &Ledger{store: store, window: window, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// Acquire creates a PENDING record for key or returns the existing one.
func (l *Ledger) Acquire(ctx context.Context, key, fingerprint string) (Acquisition, error) {
	if err := ValidateKey(key); err != nil {
		return Acquisition{}, err
	}
	now := l.now().UTC()
	rec, created, err := l.store.Create(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Acquisition{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if created {
		l.log.Debug("idempotency key acquired", "key", key)
		return Acquisition{Acquired: true, Record: rec}, nil
	}
	if rec.Fingerprint != "" && fingerprint != "" && rec.Fingerprint != fingerprint {
		l.log.Warn("idempotency key reused for a different request", "key", key)
		return Acquisition{Record: rec}, ErrKeyReused
	}
	return Acquisition{Record: rec}, nil
}

// Complete marks key COMPLETED with result. On a terminal record it changes nothing and
// returns the stored value.
func (l *Ledger) Complete(ctx context.Context, key string, result any) (Record, error) {
	return l.finalize(ctx, key, StatusCompleted, "", result)
}

// Fail marks key FAILED with reason and an optional result payload.
func (l *Ledger) Fail(ctx context.Context, key, reason string, result any) (Record, error) {
	return l.finalize(ctx, key, StatusFailed, reason, result)
}

func (l *Ledger) finalize(ctx context.Context, key string, status Status, reason string, result any) (Record, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return Record{}, fmt.Errorf("encode result for %s: %w", key, err)
		}
		raw = b
	}
	now := l.now().UTC()
	rec, err := l.store.Finalize(ctx, key, Final{
		Status:    status,
		Result:    raw,
		Reason:    reason,
		UpdatedAt: now,
		ExpiresAt: now.Add(l.window),
	})
	if err != nil {
		return Record{}, fmt.Errorf("finalize %s: %w", key, err)
	}
	if rec.Status != status {
		l.log.Debug("idempotency key already terminal", "key", key, "status", rec.Status)
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, key string) (*Record, error) {
	return l.store.Get(ctx, key)
}

// Purge removes terminal records older than the retention window.
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	n, err := l.store.Purge(ctx, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	if n > 0 {
		l.log.Info("purged idempotency records", "count", n)
	}
	return n, nil
}
