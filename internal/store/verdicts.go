package store

import (
	"context"
	"encoding/json"
	"fmt"

	"ledgerguard/internal/safety"
)

// Verdicts implements safety.AuditLog. Rows are only ever inserted.
type Verdicts struct {
	d *DB
}

func (v *Verdicts) Append(ctx context.Context, verdict safety.Verdict) error {
	balances, err := json.Marshal(verdict.Balances)
	if err != nil {
		return fmt.Errorf("append verdict: %w", err)
	}
	_, err = v.d.exec(ctx, `
INSERT INTO safety_verdicts (id, address, decision, reason, balances, assessed_at)
VALUES (?, ?, ?, ?, ?, ?)
`, verdict.ID, verdict.Address, string(verdict.Decision), verdict.Reason, string(balances), verdict.AssessedAt.UTC())
	if err != nil {
		return fmt.Errorf("append verdict: %w", err)
	}
	return nil
}

// ByAddress returns the verdicts recorded for address, oldest first.
func (v *Verdicts) ByAddress(ctx context.Context, address string) ([]safety.Verdict, error) {
	rows, err := v.d.query(ctx, `
SELECT id, address, decision, reason, balances, assessed_at
FROM safety_verdicts WHERE address = ? ORDER BY assessed_at, id
`, address)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	defer rows.Close()

	var out []safety.Verdict
	for rows.Next() {
		var (
			verdict  safety.Verdict
			decision string
			balances []byte
		)
		if err := rows.Scan(&verdict.ID, &verdict.Address, &decision, &verdict.Reason, &balances, &verdict.AssessedAt); err != nil {
			return nil, fmt.Errorf("list verdicts: %w", err)
		}
		if err := json.Unmarshal(balances, &verdict.Balances); err != nil {
			return nil, fmt.Errorf("verdict %s balances: %w", verdict.ID, err)
		}
		verdict.Decision = safety.Decision(decision)
		verdict.AssessedAt = verdict.AssessedAt.UTC()
		out = append(out, verdict)
	}
	return out, rows.Err()
}
