package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledgerguard/internal/idempotency"
)

// Idempotency implements idempotency.Store on SQLite. PostgreSQL uses
// idempotency.PostgresStore on the shared pool instead.
type Idempotency struct {
	d *DB
}

const selectIdempotencySQL = `
SELECT key, fingerprint, status, result, reason, created_at, updated_at, expires_at
FROM idempotency_records
`

func (s *Idempotency) Create(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	res, err := s.d.exec(ctx, `
INSERT INTO idempotency_records (key, fingerprint, status, result, reason, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO NOTHING
`, rec.Key, rec.Fingerprint, string(rec.Status), nullText(rec.Result), rec.Reason,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), nullTime(rec.ExpiresAt))
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("create idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if n == 1 {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if existing == nil {
		return idempotency.Record{}, false, idempotency.ErrNotFound
	}
	return *existing, false, nil
}

func (s *Idempotency) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec, err := scanIdempotency(s.d.queryRow(ctx, selectIdempotencySQL+`WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *Idempotency) Finalize(ctx context.Context, key string, f idempotency.Final) (idempotency.Record, error) {
	_, err := s.d.exec(ctx, `
UPDATE idempotency_records
SET status = ?, result = ?, reason = ?, updated_at = ?, expires_at = ?
WHERE key = ? AND status = 'PENDING'
`, string(f.Status), nullText(f.Result), f.Reason, f.UpdatedAt.UTC(), nullTime(f.ExpiresAt), key)
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("finalize idempotency record: %w", err)
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return idempotency.Record{}, err
	}
	if existing == nil {
		return idempotency.Record{}, idempotency.ErrNotFound
	}
	return *existing, nil
}

func (s *Idempotency) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.d.exec(ctx, `
DELETE FROM idempotency_records
WHERE status <> 'PENDING' AND expires_at IS NOT NULL AND expires_at < ?
`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanIdempotency(row scanner) (idempotency.Record, error) {
	var (
		rec     idempotency.Record
		status  string
		result  sql.NullString
		expires sql.NullTime
	)
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &status, &result, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt, &expires); err != nil {
		return idempotency.Record{}, err
	}
	rec.Status = idempotency.Status(status)
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
