package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ledgerguard/internal/idempotency"
	"ledgerguard/internal/ledger"
	"ledgerguard/internal/metrics"
)

// Reconciler resolves transactions whose submission or confirmation timed out. It never
// resubmits; it only asks the ledger what happened.
type Reconciler struct {
	store   Store
	idem    *idempotency.Ledger
	client  ledger.Client
	batch   int
	timeout time.Duration
	stale   time.Duration
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	// outcomes recorded on the transaction whose idempotency slot could not be closed
	mu        sync.Mutex
	unsettled map[string]Outcome
}

type ReconcilerConfig struct {
	Batch        int
	QueryTimeout time.Duration
	// StaleAfter is the age past which an unflagged PENDING record is reconciled anyway.
	// It should exceed the submitter's submit plus confirm timeouts.
	StaleAfter time.Duration
}

// Report summarises one reconciliation pass.
type Report struct {
	Checked   int
	Confirmed int
	Failed    int
	Pending   int
}

func NewReconciler(cfg ReconcilerConfig, store Store, idem *idempotency.Ledger, client ledger.Client, opts ...ReconcilerOption) *Reconciler {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	r := &Reconciler{
		store:     store,
		idem:      idem,
		client:    client,
		batch:     cfg.Batch,
		timeout:   cfg.QueryTimeout,
		stale:     cfg.StaleAfter,
		log:       slog.Default(),
		now:       time.Now,
		unsettled: make(map[string]Outcome),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

type ReconcilerOption func(*Reconciler)

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = l }
}

func WithReconcilerMetrics(m *metrics.Registry) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// RunOnce checks every flagged or stale PENDING transaction once, after retrying any
// idempotency slots a previous pass failed to close.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	r.settle(ctx)
	records, err := r.store.ListReconcilable(ctx, r.now().Add(-r.stale), r.batch)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		status, err := r.reconcile(ctx, rec)
		if err != nil {
			r.log.Warn("reconcile deferred", "tx_id", rec.ID, "tx_hash", rec.TxHash, "err", err)
		}
		switch status {
		case StatusConfirmed:
			rep.Confirmed++
		case StatusFailed:
			rep.Failed++
		default:
			rep.Pending++
		}
		r.metrics.IncReconcile(string(status))
	}
	r.metrics.SetPendingReconcile(rep.Pending)
	if rep.Checked > 0 {
		r.log.Info("reconcile pass", "checked", rep.Checked, "confirmed", rep.Confirmed, "failed", rep.Failed, "pending", rep.Pending)
	}
	return rep, nil
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reconcile pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, rec Record) (Status, error) {
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Ledger position and account sequence are read before the hash lookup so that a miss
	// against them is final.
	srv, err := r.client.ServerInfo(qctx)
	if err != nil {
		return StatusPending, err
	}
	acct, err := r.client.AccountInfo(qctx, rec.SenderAddress)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return StatusPending, err
	}

	tx, err := r.client.GetTransaction(qctx, rec.TxHash)
	switch {
	case err == nil && tx.Validated:
		if tx.Succeeded() {
			return r.finish(ctx, rec, Update{Status: StatusConfirmed, LedgerIndex: tx.LedgerIndex})
		}
		return r.finish(ctx, rec, Update{
			Status:      StatusFailed,
			LedgerIndex: tx.LedgerIndex,
			ErrorReason: reasonString(CodeLedgerRejected, tx.Result),
		})
	case err != nil && !errors.Is(err, ledger.ErrTxNotFound):
		return StatusPending, err
	}

	expired := rec.LastLedgerSequence != 0 && srv.ValidatedLedger > rec.LastLedgerSequence
	consumed := acct.Sequence > rec.Sequence
	if expired || consumed {
		return r.finish(ctx, rec, Update{Status: StatusFailed, ErrorReason: string(CodeExpired)})
	}
	return StatusPending, nil
}

func (r *Reconciler) finish(ctx context.Context, rec Record, u Update) (Status, error) {
	u.At = r.now().UTC()
	stored, err := r.store.Finalize(ctx, rec.ID, u)
	if err != nil {
		return StatusPending, err
	}
	out := outcomeFromRecord(stored)
	if err := finalizeIdempotency(ctx, r.idem, rec.IdempotencyKey, out); err != nil {
		r.mu.Lock()
		r.unsettled[rec.IdempotencyKey] = out
		r.mu.Unlock()
		return stored.Status, err
	}
	r.log.Info("transaction reconciled", "tx_id", rec.ID, "tx_hash", rec.TxHash, "status", stored.Status, "reason", stored.ErrorReason)
	return stored.Status, nil
}

// settle retries closing idempotency slots whose transaction already reached a final status.
func (r *Reconciler) settle(ctx context.Context) {
	r.mu.Lock()
	pending := make(map[string]Outcome, len(r.unsettled))
	for key, out := range r.unsettled {
		pending[key] = out
	}
	r.mu.Unlock()

	for key, out := range pending {
		if err := finalizeIdempotency(ctx, r.idem, key, out); err != nil {
			r.log.Warn("idempotency slot still open", "idempotency_key", key, "err", err)
			continue
		}
		r.mu.Lock()
		delete(r.unsettled, key)
		r.mu.Unlock()
		r.log.Info("idempotency slot closed", "idempotency_key", key, "status", out.Status)
	}
}
