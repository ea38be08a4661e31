package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    result JSONB,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idempotency_records_expiry ON idempotency_records (expires_at)
    WHERE status <> 'PENDING';
`

const selectRecordSQL = `
SELECT key, fingerprint, status, result, reason, created_at, updated_at, expires_at
FROM idempotency_records
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewPostgresStoreFromPool shares an existing pool; Close leaves it open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil && p.owned {
		p.pool.Close()
	}
}

func (p *PostgresStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (key, fingerprint, status, result, reason, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO NOTHING
`, rec.Key, rec.Fingerprint, string(rec.Status), nullJSON(rec.Result), rec.Reason, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.ExpiresAt))
	if err != nil {
		return Record{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}
	existing, err := p.Get(ctx, rec.Key)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		// purged between the insert and the read
		return Record{}, false, ErrNotFound
	}
	return *existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, selectRecordSQL+`WHERE key = $1`, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, key string, f Final) (Record, error) {
	row := p.pool.QueryRow(ctx, `
UPDATE idempotency_records
SET status = $2, result = $3, reason = $4, updated_at = $5, expires_at = $6
WHERE key = $1 AND status = 'PENDING'
RETURNING key, fingerprint, status, result, reason, created_at, updated_at, expires_at
`, key, string(f.Status), nullJSON(f.Result), f.Reason, f.UpdatedAt, nullTime(f.ExpiresAt))
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, err
	}
	existing, err := p.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if existing == nil {
		return Record{}, ErrNotFound
	}
	return *existing, nil
}

func (p *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
DELETE FROM idempotency_records
WHERE status <> 'PENDING' AND expires_at IS NOT NULL AND expires_at < $1
`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		status  string
		result  []byte
		expires *time.Time
	)
	if err := row.Scan(&rec.Key, &rec.Fingerprint, &status, &result, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt, &expires); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.Result = result
	if expires != nil {
		rec.ExpiresAt = expires.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
