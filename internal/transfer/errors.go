package transfer

import (
	"errors"
	"fmt"
)

// Code is a stable reason code safe to show to a front end.
type Code string

const (
	CodeDecryption          Code = "decryption_failed"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeInvalidAddress      Code = "invalid_address"
	CodeReserveViolation    Code = "reserve_violation"
	CodeLedgerTimeout       Code = "ledger_timeout"
	CodeLedgerRejected      Code = "ledger_rejected"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeSelfTransfer        Code = "self_transfer"
	CodeLedgerUnavailable   Code = "ledger_unavailable"
	CodeWalletNotFound      Code = "wallet_not_found"
	CodeInProgress          Code = "in_progress"
	CodeExpired             Code = "expired"
	CodeInternal            Code = "internal_error"
)

// Error carries a Code. Two Errors match under errors.Is when their codes are equal, so a
// replayed failure matches the sentinel of the original one.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrDecryption          = &Error{Code: CodeDecryption, Msg: "sender secret could not be decrypted"}
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance, Msg: "insufficient balance"}
	ErrInvalidAddress      = &Error{Code: CodeInvalidAddress, Msg: "invalid recipient address"}
	ErrReserveViolation    = &Error{Code: CodeReserveViolation, Msg: "transfer would breach the account reserve"}
	ErrLedgerTimeout       = &Error{Code: CodeLedgerTimeout, Msg: "ledger did not confirm in time; outcome pending reconciliation"}
	ErrLedgerRejected      = &Error{Code: CodeLedgerRejected, Msg: "ledger rejected the transaction"}
	ErrInvalidAmount       = &Error{Code: CodeInvalidAmount, Msg: "invalid amount"}
	ErrSelfTransfer        = &Error{Code: CodeSelfTransfer, Msg: "cannot transfer to own address"}
	ErrLedgerUnavailable   = &Error{Code: CodeLedgerUnavailable, Msg: "ledger unavailable"}
	ErrWalletNotFound      = &Error{Code: CodeWalletNotFound, Msg: "sender has no wallet"}
	ErrInProgress          = &Error{Code: CodeInProgress, Msg: "a submission with this key is still in progress"}
	ErrExpired             = &Error{Code: CodeExpired, Msg: "transaction expired without being validated"}
	ErrInternal            = &Error{Code: CodeInternal, Msg: "internal error"}
)

var byCode = map[Code]*Error{}

func init() {
	for _, e := range []*Error{
		ErrDecryption, ErrInsufficientBalance, ErrInvalidAddress, ErrReserveViolation,
		ErrLedgerTimeout, ErrLedgerRejected, ErrInvalidAmount, ErrSelfTransfer,
		ErrLedgerUnavailable, ErrWalletNotFound, ErrInProgress, ErrExpired, ErrInternal,
	} {
		byCode[e.Code] = e
	}
}

func wrap(sentinel *Error, err error) *Error {
	return &Error{Code: sentinel.Code, Msg: sentinel.Msg, Err: err}
}

func withDetail(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Msg: sentinel.Msg + ": " + fmt.Sprintf(format, args...)}
}

// errorForCode rebuilds the error for a stored reason code.
func errorForCode(code Code) error {
	if e, ok := byCode[code]; ok {
		return e
	}
	return &Error{Code: code, Msg: string(code)}
}

// CodeOf returns the reason code carried by err, or "" when err is not a transfer error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
