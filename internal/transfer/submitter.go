// Package transfer signs and submits payments exactly once per idempotency key and
// reconciles submissions whose outcome was unknown when the caller gave up waiting.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgerguard/internal/idempotency"
	"ledgerguard/internal/ledger"
	"ledgerguard/internal/metrics"
	"ledgerguard/internal/vault"
	"ledgerguard/internal/wallet"
)

// Policy holds the limits and timeouts of the submission path.
type Policy struct {
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	// Fee is the minimum fee offered; the ledger's base fee wins when higher.
	Fee decimal.Decimal
	// LedgerWindow is how many ledgers past the current validated one a payment stays valid.
	LedgerWindow uint32

	QueryTimeout   time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// ReplayWait bounds how long a duplicate caller waits for the first one to finish.
	ReplayWait time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinAmount:      decimal.RequireFromString("0.001"),
		MaxAmount:      decimal.NewFromInt(1_000_000),
		Fee:            decimal.RequireFromString("0.00001"),
		LedgerWindow:   20,
		QueryTimeout:   5 * time.Second,
		SubmitTimeout:  10 * time.Second,
		ConfirmTimeout: 30 * time.Second,
		PollInterval:   2 * time.Second,
		ReplayWait:     30 * time.Second,
	}
}

// Wallets resolves a sender to its custodial wallet.
type Wallets interface {
	Get(ctx context.Context, userID string) (wallet.Record, error)
}

type Decrypter interface {
	Decrypt(blob vault.EncryptedBlob) (vault.Secret, error)
}

type Deps struct {
	Idempotency *idempotency.Ledger
	Store       Store
	Wallets     Wallets
	Vault       Decrypter
	Ledger      ledger.Client
}

type Submitter struct {
	policy  Policy
	idem    *idempotency.Ledger
	store   Store
	wallets Wallets
	vault   Decrypter
	client  ledger.Client
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
	newID   func() string
}

type Option func(*Submitter)

func WithLogger(l *slog.Logger) Option        { return func(s *Submitter) { s.log = l } }
func WithMetrics(m *metrics.Registry) Option  { return func(s *Submitter) { s.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(s *Submitter) { s.now = now } }
func WithIDGenerator(fn func() string) Option { return func(s *Submitter) { s.newID = fn } }

func NewSubmitter(policy Policy, deps Deps, opts ...Option) (*Submitter, error) {
	if deps.Idempotency == nil || deps.Store == nil || deps.Wallets == nil || deps.Vault == nil || deps.Ledger == nil {
		return nil, errors.New("transfer: all dependencies are required")
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = time.Second
	}
	s := &Submitter{
		policy:  policy,
		idem:    deps.Idempotency,
		store:   deps.Store,
		wallets: deps.Wallets,
		vault:   deps.Vault,
		client:  deps.Ledger,
		log:     slog.Default(),
		now:     time.Now,
		newID:   newID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Submit pays intent at most once per key. A duplicate call returns the first call's
// outcome with Replayed set and never signs or submits.
func (s *Submitter) Submit(ctx context.Context, intent Intent, key string) (Outcome, error) {
	acq, err := s.idem.Acquire(ctx, key, intent.Fingerprint())
	if err != nil {
		return Outcome{}, err
	}
	if !acq.Acquired {
		s.metrics.IncReplay()
		return s.replay(ctx, key, acq.Record)
	}

	log := s.log.With("idempotency_key", key, "sender_id", intent.SenderID)
	out, err := s.execute(ctx, log, intent, key)
	s.metrics.IncSubmission(string(out.Status))
	if err != nil {
		log.Warn("transfer not completed", "status", out.Status, "reason", CodeOf(err), "tx_hash", out.TxHash, "err", err)
	} else {
		log.Info("transfer confirmed", "tx_hash", out.TxHash, "ledger_index", out.LedgerIndex)
	}
	return out, err
}

func (s *Submitter) execute(ctx context.Context, log *slog.Logger, intent Intent, key string) (Outcome, error) {
	// bookkeeping must land even if the caller gives up
	bctx := context.WithoutCancel(ctx)

	reject := func(e *Error) (Outcome, error) {
		out := Outcome{Status: StatusFailed, Amount: intent.Amount, Reason: e.Code}
		if _, err := s.idem.Fail(bctx, key, string(e.Code), out); err != nil {
			log.Error("failed to close idempotency slot", "err", err)
		}
		return out, e
	}

	if err := ledger.ValidateAddress(intent.Recipient); err != nil {
		return reject(ErrInvalidAddress)
	}
	if e := s.checkAmount(intent.Amount); e != nil {
		return reject(e)
	}

	w, err := s.wallets.Get(ctx, intent.SenderID)
	if errors.Is(err, wallet.ErrNotFound) {
		return reject(ErrWalletNotFound)
	}
	if err != nil {
		return reject(wrap(ErrInternal, err))
	}
	if w.Address == intent.Recipient {
		return reject(ErrSelfTransfer)
	}

	acct, srv, e := s.accountState(ctx, w.Address)
	if e != nil {
		return reject(e)
	}
	fee := decimal.Max(s.policy.Fee, srv.BaseFee)
	reserve := srv.Reserve(acct.OwnerCount)
	spend := intent.Amount.Add(fee)
	if spend.GreaterThan(acct.Balance) {
		return reject(withDetail(ErrInsufficientBalance, "balance %s, needed %s", acct.Balance, spend))
	}
	if acct.Balance.Sub(spend).LessThan(reserve) {
		return reject(withDetail(ErrReserveViolation, "balance %s, reserve %s, needed %s", acct.Balance, reserve, spend))
	}

	payment, err := ledger.NewPayment(w.Address, intent.Recipient, intent.Amount, fee,
		acct.Sequence, srv.ValidatedLedger+s.policy.LedgerWindow, intent.Memo)
	if err != nil {
		return reject(wrap(ErrInvalidAmount, err))
	}
	signed, e := s.sign(payment, w.Secret)
	if e != nil {
		return reject(e)
	}

	now := s.now().UTC()
	rec := Record{
		ID:                 s.newID(),
		IdempotencyKey:     key,
		SenderID:           intent.SenderID,
		SenderAddress:      w.Address,
		Recipient:          intent.Recipient,
		Amount:             intent.Amount,
		Fee:                fee,
		TxHash:             signed.Hash,
		Sequence:           payment.Sequence,
		LastLedgerSequence: payment.LastLedgerSequence,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(bctx, rec); err != nil {
		return reject(wrap(ErrInternal, err))
	}
	log = log.With("tx_id", rec.ID, "tx_hash", rec.TxHash)

	// once the record exists the caller can no longer abandon the submission half way
	submitCtx, cancel := context.WithTimeout(bctx, s.policy.SubmitTimeout)
	start := time.Now()
	res, err := s.client.Submit(submitCtx, signed.Blob)
	s.metrics.ObserveLedgerCall("submit", start)
	cancel()

	var rejected *ledger.RejectedError
	switch {
	case errors.As(err, &rejected):
		return s.finish(bctx, log, rec, key, StatusFailed, 0, withDetail(ErrLedgerRejected, "%s", rejected.EngineResult))
	case err != nil:
		log.Warn("submit outcome unknown", "err", err)
		return s.inDoubt(bctx, rec)
	}
	log.Debug("submitted", "engine_result", res.EngineResult)

	tx, err := s.awaitValidation(bctx, rec.TxHash)
	if err != nil {
		log.Warn("confirmation outcome unknown", "err", err)
		return s.inDoubt(bctx, rec)
	}
	if !tx.Succeeded() {
		return s.finish(bctx, log, rec, key, StatusFailed, tx.LedgerIndex, withDetail(ErrLedgerRejected, "%s", tx.Result))
	}
	return s.finish(bctx, log, rec, key, StatusConfirmed, tx.LedgerIndex, nil)
}

func (s *Submitter) checkAmount(amount decimal.Decimal) *Error {
	switch {
	case !amount.IsPositive():
		return withDetail(ErrInvalidAmount, "must be positive")
	case amount.LessThan(s.policy.MinAmount):
		return withDetail(ErrInvalidAmount, "below minimum %s", s.policy.MinAmount)
	case s.policy.MaxAmount.IsPositive() && amount.GreaterThan(s.policy.MaxAmount):
		return withDetail(ErrInvalidAmount, "above maximum %s", s.policy.MaxAmount)
	case amount.Exponent() < -6 && !amount.Equal(amount.Truncate(6)):
		return withDetail(ErrInvalidAmount, "more than 6 decimal places")
	}
	return nil
}

// accountState reads balance, sequence and reserve at submission time; nothing is cached.
func (s *Submitter) accountState(ctx context.Context, address string) (ledger.AccountInfo, ledger.ServerInfo, *Error) {
	qctx, cancel := context.WithTimeout(ctx, s.policy.QueryTimeout)
	defer cancel()

	start := time.Now()
	acct, err := s.client.AccountInfo(qctx, address)
	s.metrics.ObserveLedgerCall("account_info", start)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return acct, ledger.ServerInfo{}, withDetail(ErrInsufficientBalance, "sender account is not funded")
	}
	if err != nil {
		return acct, ledger.ServerInfo{}, wrap(ErrLedgerUnavailable, err)
	}

	start = time.Now()
	srv, err := s.client.ServerInfo(qctx)
	s.metrics.ObserveLedgerCall("server_info", start)
	if err != nil {
		return acct, srv, wrap(ErrLedgerUnavailable, err)
	}
	return acct, srv, nil
}

// sign decrypts the sender secret only for the duration of signing.
func (s *Submitter) sign(p ledger.Payment, blob vault.EncryptedBlob) (ledger.Signed, *Error) {
	secret, err := s.vault.Decrypt(blob)
	if err != nil {
		return ledger.Signed{}, wrap(ErrDecryption, err)
	}
	key, err := ledger.ParseSecret(secret.Bytes())
	secret.Wipe()
	if err != nil {
		return ledger.Signed{}, wrap(ErrDecryption, err)
	}
	defer key.Wipe()

	signed, err := ledger.Sign(p, key)
	if err != nil {
		return ledger.Signed{}, wrap(ErrInternal, err)
	}
	return signed, nil
}

func (s *Submitter) awaitValidation(ctx context.Context, hash string) (ledger.TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.policy.PollInterval)
	defer ticker.Stop()

	for {
		start := time.Now()
		tx, err := s.client.GetTransaction(ctx, hash)
		s.metrics.ObserveLedgerCall("tx", start)
		if err == nil && tx.Validated {
			return tx, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrTxNotFound) {
			s.log.Debug("transaction lookup failed", "tx_hash", hash, "err", err)
		}

		select {
		case <-ctx.Done():
			return ledger.TxStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// inDoubt leaves both records PENDING and flags the transaction for reconciliation.
func (s *Submitter) inDoubt(ctx context.Context, rec Record) (Outcome, error) {
	if err := s.store.FlagReconcile(ctx, rec.ID, s.now().UTC()); err != nil {
		s.log.Error("failed to flag transaction for reconciliation", "tx_id", rec.ID, "err", err)
	}
	rec.NeedsReconcile = true
	return outcomeFromRecord(rec), ErrLedgerTimeout
}

func (s *Submitter) finish(ctx context.Context, log *slog.Logger, rec Record, key string, status Status, ledgerIndex uint32, cause *Error) (Outcome, error) {
	u := Update{Status: status, LedgerIndex: ledgerIndex, At: s.now().UTC()}
	if cause != nil {
		u.ErrorReason = reasonString(cause.Code, detailOf(cause))
	}
	stored, err := s.store.Finalize(ctx, rec.ID, u)
	if err != nil {
		log.Error("failed to record transaction outcome", "err", err)
		stored = rec
		applyUpdate(&stored, u)
	}
	out := outcomeFromRecord(stored)
	if err := finalizeIdempotency(ctx, s.idem, key, out); err != nil {
		log.Error("failed to close idempotency slot", "err", err)
	}
	if out.Status != StatusFailed {
		return out, nil
	}
	if cause != nil && cause.Code == out.Reason {
		return out, cause
	}
	return out, errorForCode(out.Reason)
}

func finalizeIdempotency(ctx context.Context, idem *idempotency.Ledger, key string, out Outcome) error {
	var err error
	if out.Status == StatusConfirmed {
		_, err = idem.Complete(ctx, key, out)
	} else {
		_, err = idem.Fail(ctx, key, string(out.Reason), out)
	}
	return err
}

// detailOf strips the sentinel message prefix added by withDetail.
func detailOf(e *Error) string {
	base, ok := byCode[e.Code]
	if !ok || len(e.Msg) <= len(base.Msg)+2 {
		return ""
	}
	return e.Msg[len(base.Msg)+2:]
}

// replay waits for the first caller to finish, then returns its outcome.
func (s *Submitter) replay(ctx context.Context, key string, rec idempotency.Record) (Outcome, error) {
	deadline := time.NewTimer(s.policy.ReplayWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.policy.PollInterval)
	defer ticker.Stop()

	for {
		if rec.Terminal() {
			return replayedOutcome(rec)
		}
		if tr, err := s.store.GetByIdempotencyKey(ctx, key); err == nil {
			switch {
			case tr.Status != StatusPending:
				return s.settled(ctx, key, tr)
			case tr.NeedsReconcile || s.now().Sub(tr.CreatedAt) > s.policy.SubmitTimeout+s.policy.ConfirmTimeout:
				out := outcomeFromRecord(tr)
				out.Replayed = true
				return out, ErrLedgerTimeout
			}
		}

		select {
		case <-ctx.Done():
			return Outcome{Status: StatusPending, Replayed: true}, ctx.Err()
		case <-deadline.C:
			return Outcome{Status: StatusPending, Replayed: true}, ErrInProgress
		case <-ticker.C:
		}

		latest, err := s.idem.Get(ctx, key)
		if err != nil {
			return Outcome{}, fmt.Errorf("replay %s: %w", key, err)
		}
		if latest != nil {
			rec = *latest
		}
	}
}

// settled returns the outcome of a transaction that reached a final status while its
// idempotency slot stayed open, and closes the slot.
func (s *Submitter) settled(ctx context.Context, key string, tr Record) (Outcome, error) {
	out := outcomeFromRecord(tr)
	if err := finalizeIdempotency(context.WithoutCancel(ctx), s.idem, key, out); err != nil {
		s.log.Warn("failed to close idempotency slot", "idempotency_key", key, "err", err)
	}
	out.Replayed = true
	if out.Status == StatusFailed {
		return out, errorForCode(out.Reason)
	}
	return out, nil
}

func replayedOutcome(rec idempotency.Record) (Outcome, error) {
	var out Outcome
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &out); err != nil {
			return Outcome{}, fmt.Errorf("decode stored outcome for %s: %w", rec.Key, err)
		}
	}
	out.Replayed = true
	if rec.Status == idempotency.StatusFailed {
		if out.Status == "" {
			out.Status = StatusFailed
		}
		if out.Reason == "" {
			out.Reason = Code(rec.Reason)
		}
		return out, errorForCode(out.Reason)
	}
	return out, nil
}

// History lists a sender's transactions, newest first.
func (s *Submitter) History(ctx context.Context, senderID string, limit int) ([]Record, error) {
	return s.store.ListBySender(ctx, senderID, limit)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
