// Package wallet creates and imports custodial wallets. Imports pass the safety validator
// before anything is stored.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ledgerguard/internal/ledger"
	"ledgerguard/internal/safety"
	"ledgerguard/internal/vault"
)

// ErrImportRejected wraps a REJECT verdict.
var ErrImportRejected = errors.New("wallet: import rejected")

type Cipher interface {
	Encrypt(secret vault.Secret) (vault.EncryptedBlob, error)
	Reencrypt(blob vault.EncryptedBlob) (vault.EncryptedBlob, bool, error)
}

type Assessor interface {
	Assess(ctx context.Context, secret vault.Secret) (safety.Verdict, error)
}

type Service struct {
	store    Store
	cipher   Cipher
	assessor Assessor
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, cipher Cipher, assessor Assessor, opts ...Option) *Service {
	s := &Service{store: store, cipher: cipher, assessor: assessor, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Create generates a fresh seed for userID and stores it encrypted.
func (s *Service) Create(ctx context.Context, userID string) (Record, error) {
	seed, err := ledger.GenerateSeed()
	if err != nil {
		return Record{}, err
	}
	secret := vault.NewSecret([]byte(seed))
	defer secret.Wipe()
	return s.save(ctx, userID, secret)
}

// Import assesses secret and stores it unless the verdict is REJECT. The secret is wiped
// before Import returns. A WARN verdict is returned alongside the stored record.
func (s *Service) Import(ctx context.Context, userID string, secret vault.Secret) (Record, safety.Verdict, error) {
	defer secret.Wipe()

	if _, err := s.store.Get(ctx, userID); err == nil {
		return Record{}, safety.Verdict{}, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, safety.Verdict{}, err
	}

	verdict, err := s.assessor.Assess(ctx, secret)
	if err != nil {
		return Record{}, safety.Verdict{}, err
	}
	if verdict.Blocks() {
		s.log.Warn("wallet import rejected", "user_id", userID, "address", verdict.Address, "reason", verdict.Reason)
		return Record{}, verdict, fmt.Errorf("%w: %s", ErrImportRejected, verdict.Message())
	}

	rec, err := s.save(ctx, userID, secret)
	if err != nil {
		return Record{}, verdict, err
	}
	return rec, verdict, nil
}

func (s *Service) save(ctx context.Context, userID string, secret vault.Secret) (Record, error) {
	if userID == "" {
		return Record{}, fmt.Errorf("wallet: user id is required")
	}
	address, err := ledger.DeriveAddress(secret.Bytes())
	if err != nil {
		return Record{}, err
	}
	blob, err := s.cipher.Encrypt(secret)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt wallet secret: %w", err)
	}
	now := s.now().UTC()
	rec := Record{UserID: userID, Address: address, Secret: blob, CreatedAt: now, UpdatedAt: now}
	if err := s.store.Create(ctx, rec); err != nil {
		return Record{}, err
	}
	s.log.Info("wallet stored", "user_id", userID, "address", address, "key_version", blob.KeyVersion)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, userID string) (Record, error) {
	return s.store.Get(ctx, userID)
}

// ReencryptAll moves every wallet secret to the vault's active key version and reports how
// many records changed.
func (s *Service) ReencryptAll(ctx context.Context) (int, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}
	changed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		blob, moved, err := s.cipher.Reencrypt(rec.Secret)
		if err != nil {
			return changed, fmt.Errorf("reencrypt wallet %s: %w", rec.UserID, err)
		}
		if !moved {
			continue
		}
		if err := s.store.UpdateSecret(ctx, rec.UserID, blob, s.now().UTC()); err != nil {
			return changed, fmt.Errorf("update wallet %s: %w", rec.UserID, err)
		}
		changed++
	}
	s.log.Info("wallets reencrypted", "changed", changed, "total", len(records))
	return changed, nil
}
