package store

import (
	"context"
	"fmt"

	"ledgerguard/internal/vault"
)

// Keys implements vault.KeyStore.
type Keys struct {
	d *DB
}

func (k *Keys) LoadKeys(ctx context.Context) ([]vault.WrappedKey, error) {
	rows, err := k.d.query(ctx, `SELECT version, wrapped, created_at FROM vault_keys ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	defer rows.Close()

	var out []vault.WrappedKey
	for rows.Next() {
		var wk vault.WrappedKey
		if err := rows.Scan(&wk.Version, &wk.Wrapped, &wk.CreatedAt); err != nil {
			return nil, fmt.Errorf("load keys: %w", err)
		}
		wk.CreatedAt = wk.CreatedAt.UTC()
		out = append(out, wk)
	}
	return out, rows.Err()
}

func (k *Keys) SaveKey(ctx context.Context, wk vault.WrappedKey) error {
	res, err := k.d.exec(ctx, `
INSERT INTO vault_keys (version, wrapped, created_at) VALUES (?, ?, ?)
ON CONFLICT (version) DO NOTHING
`, wk.Version, wk.Wrapped, wk.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return vault.ErrKeyExists
	}
	return nil
}
