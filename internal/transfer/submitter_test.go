package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerguard/internal/idempotency"
	"ledgerguard/internal/ledger"
	"ledgerguard/internal/vault"
	"ledgerguard/internal/wallet"
)

type fixture struct {
	sim       *ledger.Simulator
	vault     *vault.Vault
	wallets   *wallet.MemoryStore
	store     *MemoryStore
	idemStore *idempotency.MemoryStore
	idem      *idempotency.Ledger
	sub       *Submitter
	sender    wallet.Record
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.QueryTimeout = time.Second
	p.SubmitTimeout = 30 * time.Millisecond
	p.ConfirmTimeout = 200 * time.Millisecond
	p.PollInterval = 2 * time.Millisecond
	p.ReplayWait = 2 * time.Second
	return p
}

func newFixture(t *testing.T, funded string) *fixture {
	t.Helper()
	ctx := context.Background()

	kek := make([]byte, vault.KeySize)
	v, err := vault.Open(ctx, kek, vault.NewMemoryKeyStore())
	require.NoError(t, err)

	f := &fixture{
		sim:       ledger.NewSimulator(),
		vault:     v,
		wallets:   wallet.NewMemoryStore(),
		store:     NewMemoryStore(),
		idemStore: idempotency.NewMemoryStore(),
	}
	f.idem = idempotency.NewLedger(f.idemStore, time.Hour)

	f.sender, err = wallet.NewService(f.wallets, v, nil).Create(ctx, "alice")
	require.NoError(t, err)
	if funded != "" {
		f.sim.Fund(f.sender.Address, decimal.RequireFromString(funded))
	}

	f.sub, err = NewSubmitter(testPolicy(), Deps{
		Idempotency: f.idem,
		Store:       f.store,
		Wallets:     f.wallets,
		Vault:       v,
		Ledger:      f.sim,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(ReconcilerConfig{Batch: 10, QueryTimeout: time.Second}, f.store, f.idem, f.sim)
}

func newAddress(t *testing.T) string {
	t.Helper()
	seed, err := ledger.GenerateSeed()
	require.NoError(t, err)
	addr, err := ledger.DeriveAddress([]byte(seed))
	require.NoError(t, err)
	return addr
}

func intent(sender, to, amount string) Intent {
	return Intent{SenderID: sender, Recipient: to, Amount: decimal.RequireFromString(amount)}
}

func TestSubmitConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)

	out, err := f.sub.Submit(ctx, intent("alice", to, "10"), "transfer-confirm")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.False(t, out.Replayed)
	assert.NotEmpty(t, out.TxHash)
	assert.NotZero(t, out.LedgerIndex)

	rec, err := f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, out.TxHash, rec.TxHash)
	assert.NotNil(t, rec.ConfirmedAt)

	idem, err := f.idem.Get(ctx, "transfer-confirm")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusCompleted, idem.Status)

	bal, err := ledger.Network{ledger.Testnet: f.sim}.GetBalance(ctx, to, ledger.Testnet)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10)))
}

func TestScenarioDuplicateReturnsSameHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)

	first, err := f.sub.Submit(ctx, intent("alice", to, "10"), "key-1")
	require.NoError(t, err)
	second, err := f.sub.Submit(ctx, intent("alice", to, "10"), "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, first.TxID, second.TxID)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.sim.SubmitCount())
}

func TestConcurrentDuplicatesSubmitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.sub.Submit(ctx, intent("alice", to, "10"), "concurrent-key")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.sim.SubmitCount())
	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusConfirmed, outcomes[i].Status)
		assert.Equal(t, outcomes[0].TxHash, outcomes[i].TxHash)
		if !outcomes[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestScenarioTimeoutLeavesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	f.sim.HangNextSubmit()

	out, err := f.sub.Submit(ctx, intent("alice", to, "10"), "timeout-key")
	assert.ErrorIs(t, err, ErrLedgerTimeout)
	assert.Equal(t, StatusPending, out.Status)
	assert.True(t, out.NeedsReconcile)

	rec, err := f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.True(t, rec.NeedsReconcile)

	idem, err := f.idem.Get(ctx, "timeout-key")
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusPending, idem.Status)

	// a retry of the same key must not resubmit
	again, err := f.sub.Submit(ctx, intent("alice", to, "10"), "timeout-key")
	assert.ErrorIs(t, err, ErrLedgerTimeout)
	assert.True(t, again.Replayed)
	assert.Equal(t, out.TxHash, again.TxHash)
	assert.Equal(t, 1, f.sim.SubmitCount())

	// the blob never reached the ledger; still in its validity window
	rep, err := f.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Pending: 1}, rep)

	f.sim.AdvanceLedger(testPolicy().LedgerWindow + 1)
	rep, err = f.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Failed: 1}, rep)

	rec, err = f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, string(CodeExpired), rec.ErrorReason)
	assert.False(t, rec.NeedsReconcile)

	_, err = f.sub.Submit(ctx, intent("alice", to, "10"), "timeout-key")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestDroppedResponseReconcilesToConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	f.sim.DropNextSubmitResponse()

	out, err := f.sub.Submit(ctx, intent("alice", to, "10"), "dropped-key")
	require.ErrorIs(t, err, ErrLedgerTimeout)

	rep, err := f.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)

	replayed, err := f.sub.Submit(ctx, intent("alice", to, "10"), "dropped-key")
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, StatusConfirmed, replayed.Status)
	assert.Equal(t, out.TxHash, replayed.TxHash)
	assert.Equal(t, 1, f.sim.SubmitCount())
}

func TestReconcileExpiresWhenSequenceConsumed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	to := newAddress(t)
	f.sim.HangNextSubmit()

	stuck, err := f.sub.Submit(ctx, intent("alice", to, "5"), "stuck-key")
	require.ErrorIs(t, err, ErrLedgerTimeout)

	// different amount, so a different blob for the same sequence
	_, err = f.sub.Submit(ctx, intent("alice", to, "6"), "next-key")
	require.NoError(t, err)

	rep, err := f.reconciler().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	rec, err := f.store.Get(ctx, stuck.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestReserveNeverBreached(t *testing.T) {
	cases := []struct {
		name    string
		balance string
		amount  string
		owners  uint32
		want    *Error
	}{
		{"breaches base reserve", "12", "11", 0, ErrReserveViolation},
		{"breaches owner reserve", "12", "10", 5, ErrReserveViolation},
		{"exceeds balance", "12", "20", 0, ErrInsufficientBalance},
		{"fee tips it over", "12", "12", 0, ErrInsufficientBalance},
		{"unfunded sender", "", "5", 0, ErrInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, tc.balance)
			if tc.owners > 0 {
				f.sim.SetOwnerCount(f.sender.Address, tc.owners)
			}

			out, err := f.sub.Submit(ctx, intent("alice", newAddress(t), tc.amount), "reserve-key")
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, StatusFailed, out.Status)
			assert.Equal(t, 0, f.sim.SubmitCount())

			idem, err := f.idem.Get(ctx, "reserve-key")
			require.NoError(t, err)
			assert.Equal(t, idempotency.StatusFailed, idem.Status)
			assert.Equal(t, string(tc.want.Code), idem.Reason)

			_, err = f.store.GetByIdempotencyKey(ctx, "reserve-key")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReserveExactlyMetIsAccepted(t *testing.T) {
	f := newFixture(t, "12")
	// 12 - 10.99999 - 0.00001 leaves exactly the 1 unit base reserve
	out, err := f.sub.Submit(context.Background(), intent("alice", newAddress(t), "10.99999"), "exact-reserve")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)

	acct, err := f.sim.AccountInfo(context.Background(), f.sender.Address)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1)), acct.Balance.String())
}

func TestInputValidation(t *testing.T) {
	cases := []struct {
		name   string
		to     func(f *fixture) string
		amount string
		want   *Error
	}{
		{"malformed recipient", func(*fixture) string { return "rNotAnAddress" }, "1", ErrInvalidAddress},
		{"seed as recipient", func(*fixture) string { s, _ := ledger.GenerateSeed(); return s }, "1", ErrInvalidAddress},
		{"self transfer", func(f *fixture) string { return f.sender.Address }, "1", ErrSelfTransfer},
		{"zero", nil, "0", ErrInvalidAmount},
		{"negative", nil, "-3", ErrInvalidAmount},
		{"below minimum", nil, "0.0005", ErrInvalidAmount},
		{"sub-drop precision", nil, "1.0000001", ErrInvalidAmount},
		{"above maximum", nil, "1000000.5", ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "100")
			to := newAddress(t)
			if tc.to != nil {
				to = tc.to(f)
			}
			_, err := f.sub.Submit(context.Background(), intent("alice", to, tc.amount), "input-key")
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.want.Code, CodeOf(err))
			assert.Equal(t, 0, f.sim.SubmitCount())
		})
	}
}

func TestUnknownSender(t *testing.T) {
	f := newFixture(t, "100")
	_, err := f.sub.Submit(context.Background(), intent("mallory", newAddress(t), "1"), "nobody-key")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestLedgerRejectionIsFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	f.sim.RejectNextSubmit()

	out, err := f.sub.Submit(ctx, intent("alice", newAddress(t), "10"), "rejected-key")
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "tefFAILURE", out.Detail)

	rec, err := f.store.Get(ctx, out.TxID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "ledger_rejected: tefFAILURE", rec.ErrorReason)

	replayed, err := f.sub.Submit(ctx, intent("alice", newAddress(t), "10"), "rejected-key")
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
	assert.False(t, replayed.Replayed)

	replayed, err = f.sub.Submit(ctx, Intent{SenderID: "alice", Recipient: rec.Recipient, Amount: rec.Amount}, "rejected-key")
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, 1, f.sim.SubmitCount())
}

func TestValidatedFailureMarksFailed(t *testing.T) {
	f := newFixture(t, "100")
	// an unfunded destination needs at least the base reserve
	out, err := f.sub.Submit(context.Background(), intent("alice", newAddress(t), "0.5"), "dst-insuf")
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, "tecNO_DST_INSUF_XRP", out.Detail)
	assert.NotZero(t, out.LedgerIndex)
}

func TestLedgerUnavailableBeforeSubmit(t *testing.T) {
	f := newFixture(t, "100")
	f.sim.SetUnavailable(true)
	_, err := f.sub.Submit(context.Background(), intent("alice", newAddress(t), "1"), "down-key")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.True(t, errors.Is(err, ledger.ErrUnavailable))
}

func TestDecryptionFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	broken := f.sender.Secret
	broken.Tag = append([]byte(nil), broken.Tag...)
	broken.Tag[0] ^= 0xff
	require.NoError(t, f.wallets.UpdateSecret(ctx, "alice", broken, time.Now()))

	_, err := f.sub.Submit(ctx, intent("alice", newAddress(t), "1"), "decrypt-key")
	assert.ErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, vault.ErrDecryption)
	assert.Equal(t, 0, f.sim.SubmitCount())
}

func TestInvalidIdempotencyKey(t *testing.T) {
	f := newFixture(t, "100")
	_, err := f.sub.Submit(context.Background(), intent("alice", newAddress(t), "1"), "bad key!")
	assert.ErrorIs(t, err, idempotency.ErrInvalidKey)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "100")
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.sub.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	to := newAddress(t)
	for _, key := range []string{"history-1", "history-2", "history-3"} {
		_, err := f.sub.Submit(ctx, intent("alice", to, "2"), key)
		require.NoError(t, err)
	}

	recs, err := f.sub.History(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "history-3", recs[0].IdempotencyKey)
	assert.Equal(t, "history-2", recs[1].IdempotencyKey)
}

func TestFingerprintDistinguishesIntents(t *testing.T) {
	a := intent("alice", "rAddr", "10")
	b := intent("alice", "rAddr", "10.0")
	c := intent("alice", "rAddr", "11")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	// decimal.String normalises trailing zeros
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestReplayedFailureMatchesSentinel(t *testing.T) {
	out := Outcome{Status: StatusFailed, Reason: CodeReserveViolation}
	rec := idempotency.Record{Key: "k", Status: idempotency.StatusFailed, Reason: string(CodeReserveViolation)}
	var err error
	rec.Result, err = json.Marshal(out)
	require.NoError(t, err)

	got, err := replayedOutcome(rec)
	assert.ErrorIs(t, err, ErrReserveViolation)
	assert.True(t, got.Replayed)
}
