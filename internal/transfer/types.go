package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Intent is one requested payment. It is consumed by Submit and not stored on its own.
type Intent struct {
	SenderID  string
	Recipient string
	Amount    decimal.Decimal
	Memo      string
}

// Fingerprint identifies the request behind an idempotency key.
func (i Intent) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{i.SenderID, strings.TrimSpace(i.Recipient), i.Amount.String(), i.Memo} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record is the audit row for one signed payment. Records are never deleted.
type Record struct {
	ID                 string
	IdempotencyKey     string
	SenderID           string
	SenderAddress      string
	Recipient          string
	Amount             decimal.Decimal
	Fee                decimal.Decimal
	TxHash             string
	LedgerIndex        uint32
	Sequence           uint32
	LastLedgerSequence uint32
	Status             Status
	ErrorReason        string
	NeedsReconcile     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ConfirmedAt        *time.Time
}

func (r Record) Terminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusFailed
}

// Update is the terminal transition written by Finalize.
type Update struct {
	Status      Status
	LedgerIndex uint32
	ErrorReason string
	At          time.Time
}

// Outcome is what a caller of Submit sees. It is also the payload stored with the
// idempotency record, so replays return the same value.
type Outcome struct {
	Status         Status          `json:"status"`
	TxID           string          `json:"txId,omitempty"`
	TxHash         string          `json:"txHash,omitempty"`
	LedgerIndex    uint32          `json:"ledgerIndex,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Reason         Code            `json:"reason,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	NeedsReconcile bool            `json:"needsReconcile,omitempty"`
	Replayed       bool            `json:"-"`
}

func outcomeFromRecord(r Record) Outcome {
	out := Outcome{
		Status:         r.Status,
		TxID:           r.ID,
		TxHash:         r.TxHash,
		LedgerIndex:    r.LedgerIndex,
		Amount:         r.Amount,
		Fee:            r.Fee,
		NeedsReconcile: r.NeedsReconcile,
	}
	if r.Status == StatusFailed {
		code, detail, _ := strings.Cut(r.ErrorReason, ":")
		out.Reason = Code(code)
		out.Detail = strings.TrimSpace(detail)
	}
	return out
}

func reasonString(code Code, detail string) string {
	if detail == "" {
		return string(code)
	}
	return string(code) + ": " + detail
}
