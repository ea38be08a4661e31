package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerguard/internal/transfer"
)

// Transfers implements transfer.Store.
type Transfers struct {
	d *DB
}

const transferColumns = `id, idempotency_key, sender_id, sender_address, recipient, amount, fee, tx_hash,
ledger_index, sequence, last_ledger_sequence, status, error_reason, needs_reconcile,
created_at, updated_at, confirmed_at`

const selectTransferSQL = `SELECT ` + transferColumns + ` FROM transactions `

func (t *Transfers) Create(ctx context.Context, rec transfer.Record) error {
	_, err := t.d.exec(ctx, `
INSERT INTO transactions (`+transferColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.IdempotencyKey,
		rec.SenderID,
		rec.SenderAddress,
		rec.Recipient,
		rec.Amount.String(),
		rec.Fee.String(),
		rec.TxHash,
		rec.LedgerIndex,
		rec.Sequence,
		rec.LastLedgerSequence,
		string(rec.Status),
		rec.ErrorReason,
		rec.NeedsReconcile,
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
		nullTimePtr(rec.ConfirmedAt),
	)
	if err == nil {
		return nil
	}
	if ok, which := uniqueViolation(err); ok && strings.Contains(which, "tx_hash") {
		return transfer.ErrDuplicateHash
	}
	return fmt.Errorf("create transaction: %w", err)
}

func (t *Transfers) Get(ctx context.Context, id string) (transfer.Record, error) {
	return t.getOne(ctx, `WHERE id = ?`, id)
}

func (t *Transfers) GetByIdempotencyKey(ctx context.Context, key string) (transfer.Record, error) {
	return t.getOne(ctx, `WHERE idempotency_key = ?`, key)
}

func (t *Transfers) getOne(ctx context.Context, where string, arg any) (transfer.Record, error) {
	rec, err := scanTransfer(t.d.queryRow(ctx, selectTransferSQL+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Record{}, transfer.ErrNotFound
	}
	if err != nil {
		return transfer.Record{}, fmt.Errorf("get transaction: %w", err)
	}
	return rec, nil
}

// Finalize updates only a PENDING row, then reads back whatever is stored.
func (t *Transfers) Finalize(ctx context.Context, id string, u transfer.Update) (transfer.Record, error) {
	var confirmedAt any
	if u.Status == transfer.StatusConfirmed {
		confirmedAt = u.At.UTC()
	}
	_, err := t.d.exec(ctx, `
UPDATE transactions
SET status = ?, error_reason = ?, needs_reconcile = ?, updated_at = ?,
    ledger_index = CASE WHEN ? = 0 THEN ledger_index ELSE ? END,
    confirmed_at = ?
WHERE id = ? AND status = 'PENDING'
`,
		string(u.Status), u.ErrorReason, false, u.At.UTC(),
		u.LedgerIndex, u.LedgerIndex,
		confirmedAt,
		id,
	)
	if err != nil {
		return transfer.Record{}, fmt.Errorf("finalize transaction: %w", err)
	}
	return t.Get(ctx, id)
}

func (t *Transfers) FlagReconcile(ctx context.Context, id string, at time.Time) error {
	res, err := t.d.exec(ctx, `
UPDATE transactions SET needs_reconcile = ?, updated_at = ?
WHERE id = ? AND status = 'PENDING'
`, true, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("flag transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// terminal records are left alone; only a missing id is an error
		if _, err := t.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListReconcilable also picks up unflagged PENDING rows left behind by a crash or a failed
// flag write once they are older than staleBefore.
func (t *Transfers) ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]transfer.Record, error) {
	return t.list(ctx, `WHERE status = 'PENDING' AND (needs_reconcile = ? OR created_at < ?) ORDER BY created_at, id`,
		limit, true, staleBefore.UTC())
}

func (t *Transfers) ListBySender(ctx context.Context, senderID string, limit int) ([]transfer.Record, error) {
	return t.list(ctx, `WHERE sender_id = ? ORDER BY created_at DESC, id DESC`, limit, senderID)
}

func (t *Transfers) list(ctx context.Context, where string, limit int, args ...any) ([]transfer.Record, error) {
	q := selectTransferSQL + where
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []transfer.Record
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTransfer(row scanner) (transfer.Record, error) {
	var (
		rec       transfer.Record
		status    string
		confirmed sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.IdempotencyKey,
		&rec.SenderID,
		&rec.SenderAddress,
		&rec.Recipient,
		&rec.Amount,
		&rec.Fee,
		&rec.TxHash,
		&rec.LedgerIndex,
		&rec.Sequence,
		&rec.LastLedgerSequence,
		&status,
		&rec.ErrorReason,
		&rec.NeedsReconcile,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&confirmed,
	)
	if err != nil {
		return transfer.Record{}, err
	}
	rec.Status = transfer.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if confirmed.Valid {
		at := confirmed.Time.UTC()
		rec.ConfirmedAt = &at
	}
	return rec, nil
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
