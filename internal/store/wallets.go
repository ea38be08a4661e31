package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerguard/internal/vault"
	"ledgerguard/internal/wallet"
)

// Wallets implements wallet.Store. Secrets are stored in their lg1 text form.
type Wallets struct {
	d *DB
}

const selectWalletSQL = `SELECT user_id, address, secret, created_at, updated_at FROM wallets `

func (w *Wallets) Get(ctx context.Context, userID string) (wallet.Record, error) {
	rec, err := scanWallet(w.d.queryRow(ctx, selectWalletSQL+`WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Record{}, wallet.ErrNotFound
	}
	if err != nil {
		return wallet.Record{}, fmt.Errorf("get wallet: %w", err)
	}
	return rec, nil
}

func (w *Wallets) Create(ctx context.Context, rec wallet.Record) error {
	res, err := w.d.exec(ctx, `
INSERT INTO wallets (user_id, address, secret, key_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO NOTHING
`, rec.UserID, rec.Address, rec.Secret.String(), rec.Secret.KeyVersion, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wallet.ErrExists
	}
	return nil
}

func (w *Wallets) UpdateSecret(ctx context.Context, userID string, blob vault.EncryptedBlob, updatedAt time.Time) error {
	res, err := w.d.exec(ctx, `
UPDATE wallets SET secret = ?, key_version = ?, updated_at = ?
WHERE user_id = ?
`, blob.String(), blob.KeyVersion, updatedAt.UTC(), userID)
	if err != nil {
		return fmt.Errorf("update wallet secret: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wallet.ErrNotFound
	}
	return nil
}

func (w *Wallets) List(ctx context.Context) ([]wallet.Record, error) {
	rows, err := w.d.query(ctx, selectWalletSQL+`ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []wallet.Record
	for rows.Next() {
		rec, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (wallet.Record, error) {
	var (
		rec    wallet.Record
		secret string
	)
	if err := row.Scan(&rec.UserID, &rec.Address, &secret, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return wallet.Record{}, err
	}
	blob, err := vault.ParseBlob(secret)
	if err != nil {
		return wallet.Record{}, fmt.Errorf("wallet %s: %w", rec.UserID, err)
	}
	rec.Secret = blob
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
