package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Environment names a ledger network, e.g. "testnet" or "mainnet".
type Environment string

const (
	Testnet Environment = "testnet"
	Mainnet Environment = "mainnet"
)

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrTxNotFound      = errors.New("ledger: transaction not found")
	ErrRejected        = errors.New("ledger: transaction rejected")
	ErrInvalidAddress  = errors.New("ledger: invalid address")
	ErrInvalidSecret   = errors.New("ledger: invalid secret")
	ErrUnavailable     = errors.New("ledger: network unavailable")
)

// Client abstracts one ledger network.
type Client interface {
	AccountInfo(ctx context.Context, address string) (AccountInfo, error)
	ServerInfo(ctx context.Context) (ServerInfo, error)
	Submit(ctx context.Context, blob string) (SubmitResult, error)
	GetTransaction(ctx context.Context, hash string) (TxStatus, error)
}

// HealthChecker is implemented by clients that can report connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type AccountInfo struct {
	Address    string
	Balance    decimal.Decimal
	Sequence   uint32
	OwnerCount uint32
}

type ServerInfo struct {
	ReserveBase      decimal.Decimal
	ReserveIncrement decimal.Decimal
	BaseFee          decimal.Decimal
	ValidatedLedger  uint32
}

// Reserve is the balance an account owning ownerCount objects must retain.
func (s ServerInfo) Reserve(ownerCount uint32) decimal.Decimal {
	return s.ReserveBase.Add(s.ReserveIncrement.Mul(decimal.NewFromInt(int64(ownerCount))))
}

type SubmitResult struct {
	EngineResult string
	Message      string
	TxHash       string
}

type TxStatus struct {
	Hash        string
	Validated   bool
	Result      string
	LedgerIndex uint32
}

// Succeeded reports whether the transaction is in a validated ledger with tesSUCCESS.
func (t TxStatus) Succeeded() bool {
	return t.Validated && t.Result == ResultSuccess
}

const ResultSuccess = "tesSUCCESS"

// RejectedError is a definitive refusal: the transaction was not applied and never will be.
type RejectedError struct {
	EngineResult string
	Message      string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger rejected transaction: %s", e.EngineResult)
	}
	return fmt.Sprintf("ledger rejected transaction: %s: %s", e.EngineResult, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// classifyEngineResult maps a provisional submit result to an error when the result is final.
// tem (malformed), tef (failure) and tel (local) codes mean the blob can never be applied.
// tes, ter and tec codes may still end up in a validated ledger, so they are left to
// confirmation.
func classifyEngineResult(code, message string) error {
	switch {
	case strings.HasPrefix(code, "tem"), strings.HasPrefix(code, "tef"), strings.HasPrefix(code, "tel"):
		return &RejectedError{EngineResult: code, Message: message}
	default:
		return nil
	}
}
