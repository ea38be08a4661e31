package safety

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerguard/internal/ledger"
)

type Decision string

const (
	Admit  Decision = "ADMIT"
	Warn   Decision = "WARN"
	Reject Decision = "REJECT"
)

// Reason codes carried by a Verdict.
const (
	ReasonHighValue        = "high_value_wallet"
	ReasonProductionFunds  = "production_funds"
	ReasonLargeTestBalance = "large_test_balance"
	ReasonOK               = "ok"
)

var reasonMessages = map[string]string{
	ReasonHighValue:        "high-value wallet",
	ReasonProductionFunds:  "non-zero production funds",
	ReasonLargeTestBalance: "unusually large test balance",
	ReasonOK:               "ok",
}

// Verdict is the immutable result of one import assessment.
type Verdict struct {
	ID         string
	Address    string
	Decision   Decision
	Reason     string
	Balances   map[ledger.Environment]decimal.Decimal
	AssessedAt time.Time
}

// Message is the human-readable form of Reason.
func (v Verdict) Message() string {
	if m, ok := reasonMessages[v.Reason]; ok {
		return m
	}
	return v.Reason
}

// Blocks reports whether the import must not proceed.
func (v Verdict) Blocks() bool {
	return v.Decision == Reject
}

// AuditLog is an append-only sink for verdicts.
type AuditLog interface {
	Append(ctx context.Context, v Verdict) error
}

type MemoryAuditLog struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) Append(_ context.Context, v Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, v)
	return nil
}

func (m *MemoryAuditLog) Verdicts() []Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Verdict(nil), m.verdicts...)
}
