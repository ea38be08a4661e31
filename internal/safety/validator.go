// Package safety decides whether a secret presented for import is safe to hold in custody,
// based on what the derived account holds on the test and production networks.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerguard/internal/ledger"
	"ledgerguard/internal/metrics"
	"ledgerguard/internal/vault"
)

// ErrValidationUnavailable means a balance could not be read. It is never an admission.
var ErrValidationUnavailable = errors.New("safety: validation unavailable")

// Thresholds are evaluated in order: High, Low, Suspicious.
type Thresholds struct {
	// High rejects a production balance at or above it.
	High decimal.Decimal
	// Low rejects a production balance above it. Invalid disables the rule.
	Low decimal.NullDecimal
	// Suspicious warns on a target balance above it.
	Suspicious decimal.Decimal
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		High:       decimal.NewFromInt(20),
		Low:        decimal.NewNullDecimal(decimal.RequireFromString("0.1")),
		Suspicious: decimal.NewFromInt(10_000),
	}
}

func (t Thresholds) Validate() error {
	if !t.High.IsPositive() {
		return fmt.Errorf("safety: high threshold must be positive")
	}
	if t.Low.Valid && (t.Low.Decimal.IsNegative() || t.Low.Decimal.GreaterThanOrEqual(t.High)) {
		return fmt.Errorf("safety: low threshold must be in [0, high)")
	}
	if !t.Suspicious.IsPositive() {
		return fmt.Errorf("safety: suspicious threshold must be positive")
	}
	return nil
}

// Evaluate applies the ordered rules to observed balances.
func (t Thresholds) Evaluate(production, target decimal.Decimal) (Decision, string) {
	switch {
	case production.GreaterThanOrEqual(t.High):
		return Reject, ReasonHighValue
	case t.Low.Valid && production.GreaterThan(t.Low.Decimal):
		return Reject, ReasonProductionFunds
	case target.GreaterThan(t.Suspicious):
		return Warn, ReasonLargeTestBalance
	default:
		return Admit, ReasonOK
	}
}

type Config struct {
	Thresholds   Thresholds
	Target       ledger.Environment
	Production   ledger.Environment
	QueryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Thresholds:   DefaultThresholds(),
		Target:       ledger.Testnet,
		Production:   ledger.Mainnet,
		QueryTimeout: 5 * time.Second,
	}
}

// BalanceSource reads a balance on one environment. ledger.Network implements it.
type BalanceSource interface {
	GetBalance(ctx context.Context, address string, env ledger.Environment) (decimal.Decimal, error)
}

type Validator struct {
	cfg      Config
	balances BalanceSource
	audit    AuditLog
	log      *slog.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

type Option func(*Validator)

func WithLogger(l *slog.Logger) Option       { return func(v *Validator) { v.log = l } }
func WithMetrics(m *metrics.Registry) Option { return func(v *Validator) { v.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(v *Validator) { v.now = now } }

func NewValidator(cfg Config, balances BalanceSource, audit AuditLog, opts ...Option) (*Validator, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if balances == nil || audit == nil {
		return nil, fmt.Errorf("safety: balance source and audit log are required")
	}
	if cfg.Target == cfg.Production {
		return nil, fmt.Errorf("safety: target and production environments must differ")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	v := &Validator{
		cfg:      cfg,
		balances: balances,
		audit:    audit,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v, nil
}

// Assess derives the account behind secret, reads its balances and returns the verdict.
// The verdict is appended to the audit log before it is returned.
func (v *Validator) Assess(ctx context.Context, secret vault.Secret) (Verdict, error) {
	address, err := ledger.DeriveAddress(secret.Bytes())
	if err != nil {
		return Verdict{}, fmt.Errorf("derive address: %w", err)
	}

	production, err := v.balance(ctx, address, v.cfg.Production)
	if err != nil {
		return Verdict{}, err
	}
	target, err := v.balance(ctx, address, v.cfg.Target)
	if err != nil {
		return Verdict{}, err
	}

	decision, reason := v.cfg.Thresholds.Evaluate(production, target)
	verdict := Verdict{
		ID:       newID(),
		Address:  address,
		Decision: decision,
		Reason:   reason,
		Balances: map[ledger.Environment]decimal.Decimal{
			v.cfg.Production: production,
			v.cfg.Target:     target,
		},
		AssessedAt: v.now().UTC(),
	}

	v.log.Info("safety verdict",
		"verdict_id", verdict.ID,
		"address", address,
		"decision", decision,
		"reason", reason,
		string(v.cfg.Production), production.String(),
		string(v.cfg.Target), target.String(),
	)
	v.metrics.IncVerdict(string(decision))

	if err := v.audit.Append(ctx, verdict); err != nil {
		return Verdict{}, fmt.Errorf("record verdict: %w", err)
	}
	return verdict, nil
}

func (v *Validator) balance(ctx context.Context, address string, env ledger.Environment) (decimal.Decimal, error) {
	qctx, cancel := context.WithTimeout(ctx, v.cfg.QueryTimeout)
	defer cancel()

	bal, err := v.balances.GetBalance(qctx, address, env)
	switch {
	case err == nil:
		return bal, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		return decimal.Zero, nil
	default:
		v.log.Warn("safety balance query failed", "address", address, "environment", env, "err", err)
		v.metrics.IncVerdict("unavailable")
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrValidationUnavailable, env, err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
