package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerguard/internal/idempotency"
	"ledgerguard/internal/ledger"
)

// unflaggableStore loses every FlagReconcile write, as a crash right after Create would.
type unflaggableStore struct {
	*MemoryStore
}

func (unflaggableStore) FlagReconcile(context.Context, string, time.Time) error {
	return errors.New("database is locked")
}

// flakyIdemStore fails the next n Finalize calls.
type flakyIdemStore struct {
	*idempotency.MemoryStore
	failures atomic.Int32
}

func (s *flakyIdemStore) Finalize(ctx context.Context, key string, f idempotency.Final) (idempotency.Record, error) {
	if s.failures.Add(-1) >= 0 {
		return idempotency.Record{}, errors.New("connection reset by peer")
	}
	return s.MemoryStore.Finalize(ctx, key, f)
}

// cancelOnSubmit cancels the caller's context as the blob goes out.
type cancelOnSubmit struct {
	ledger.Client
	cancel context.CancelFunc
}

func (c cancelOnSubmit) Submit(ctx context.Context, blob string) (ledger.SubmitResult, error) {
	c.cancel()
	return c.Client.Submit(ctx, blob)
}

func (f *fixture) submitter(t *testing.T, store Store, idem *idempotency.Ledger, client ledger.Client) *Submitter {
	t.Helper()
	sub, err := NewSubmitter(testPolicy(), Deps{
		Idempotency: idem,
		Store:       store,
		Wallets:     f.wallets,
		Vault:       f.vault,
		Ledger:      client,
	})
	require.NoError(t, err)
	return sub
}

func TestUnflaggedPendingIsReconciledOnceStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	sub := f.submitter(t, unflaggableStore{f.store}, f.idem, f.sim)
	f.sim.DropNextSubmitResponse()

	out, err := sub.Submit(ctx, intent("alice", to, "10"), "lost-flag")
	require.ErrorIs(t, err, ErrLedgerTimeout)

	rec, err := f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.NeedsReconcile)

	// still inside the submitter's own timeouts
	rep, err := f.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	later := func() time.Time { return time.Now().Add(2 * time.Minute) }
	r := NewReconciler(ReconcilerConfig{Batch: 10, QueryTimeout: time.Second, StaleAfter: time.Minute},
		f.store, f.idem, f.sim, WithReconcilerClock(later))
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Confirmed: 1}, rep)

	rec, err = f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	idem, err := f.idem.Get(ctx, "lost-flag")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, idem.Status)
	assert.Equal(t, 1, f.sim.SubmitCount())
}

func TestReconcilerRetriesIdempotencyClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	flaky := &flakyIdemStore{MemoryStore: f.idemStore}
	idem := idempotency.NewLedger(flaky, time.Hour)
	sub := f.submitter(t, f.store, idem, f.sim)
	f.sim.DropNextSubmitResponse()

	_, err := sub.Submit(ctx, intent("alice", to, "10"), "close-later")
	require.ErrorIs(t, err, ErrLedgerTimeout)

	flaky.failures.Store(1)
	r := NewReconciler(ReconcilerConfig{Batch: 10, QueryTimeout: time.Second}, f.store, idem, f.sim)
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)

	slot, err := idem.Get(ctx, "close-later")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusPending, slot.Status)

	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked)

	slot, err = idem.Get(ctx, "close-later")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, slot.Status)
}

func TestReplayClosesSlotOfSettledTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	flaky := &flakyIdemStore{MemoryStore: f.idemStore}
	idem := idempotency.NewLedger(flaky, time.Hour)
	sub := f.submitter(t, f.store, idem, f.sim)

	flaky.failures.Store(1)
	first, err := sub.Submit(ctx, intent("alice", to, "10"), "open-slot")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, first.Status)

	slot, err := idem.Get(ctx, "open-slot")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusPending, slot.Status)

	start := time.Now()
	again, err := sub.Submit(ctx, intent("alice", to, "10"), "open-slot")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), testPolicy().ReplayWait)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.TxHash, again.TxHash)
	assert.Equal(t, StatusConfirmed, again.Status)
	assert.Equal(t, 1, f.sim.SubmitCount())

	slot, err = idem.Get(ctx, "open-slot")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, slot.Status)
}

func TestCallerCancelAfterCreateStillSettles(t *testing.T) {
	f := newFixture(t, "100")
	to := newAddress(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := f.submitter(t, f.store, f.idem, cancelOnSubmit{Client: f.sim, cancel: cancel})

	out, err := sub.Submit(ctx, intent("alice", to, "10"), "walked-away")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	require.Error(t, ctx.Err())

	rec, err := f.store.Get(context.Background(), out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.False(t, rec.NeedsReconcile)
}
