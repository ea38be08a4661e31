package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerguard/internal/ledger"
	"ledgerguard/internal/safety"
	"ledgerguard/internal/vault"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	vault   *vault.Vault
	mainnet *ledger.Simulator
	testnet *ledger.Simulator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	kek := make([]byte, vault.KeySize)
	for i := range kek {
		kek[i] = byte(i)
	}
	v, err := vault.Open(ctx, kek, vault.NewMemoryKeyStore())
	require.NoError(t, err)

	testnet, mainnet := ledger.NewSimulator(), ledger.NewSimulator()
	validator, err := safety.NewValidator(safety.DefaultConfig(),
		ledger.Network{ledger.Testnet: testnet, ledger.Mainnet: mainnet},
		safety.NewMemoryAuditLog())
	require.NoError(t, err)

	store := NewMemoryStore()
	return &fixture{
		svc:     NewService(store, v, validator),
		store:   store,
		vault:   v,
		mainnet: mainnet,
		testnet: testnet,
	}
}

func seedFor(t *testing.T) (string, string) {
	t.Helper()
	seed, err := ledger.GenerateSeed()
	require.NoError(t, err)
	addr, err := ledger.DeriveAddress([]byte(seed))
	require.NoError(t, err)
	return seed, addr
}

func TestCreateStoresEncryptedSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Create(ctx, "user-1")
	require.NoError(t, err)
	assert.NoError(t, ledger.ValidateAddress(rec.Address))

	secret, err := f.vault.Decrypt(rec.Secret)
	require.NoError(t, err)
	addr, err := ledger.DeriveAddress(secret.Bytes())
	require.NoError(t, err)
	assert.Equal(t, rec.Address, addr)

	_, err = f.svc.Create(ctx, "user-1")
	assert.ErrorIs(t, err, ErrExists)
}

func TestImportAdmitted(t *testing.T) {
	f := newFixture(t)
	seed, addr := seedFor(t)
	f.testnet.Fund(addr, decimal.NewFromInt(500))

	raw := []byte(seed)
	rec, verdict, err := f.svc.Import(context.Background(), "user-2", vault.NewSecret(raw))
	require.NoError(t, err)
	assert.Equal(t, safety.Admit, verdict.Decision)
	assert.Equal(t, addr, rec.Address)
	assert.Equal(t, make([]byte, len(seed)), raw, "secret must be wiped")

	stored, err := f.svc.Get(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, addr, stored.Address)
}

func TestImportRejectedStoresNothing(t *testing.T) {
	f := newFixture(t)
	seed, addr := seedFor(t)
	f.mainnet.Fund(addr, decimal.NewFromInt(25))

	_, verdict, err := f.svc.Import(context.Background(), "user-3", vault.NewSecret([]byte(seed)))
	assert.ErrorIs(t, err, ErrImportRejected)
	assert.Equal(t, safety.ReasonHighValue, verdict.Reason)

	_, err = f.svc.Get(context.Background(), "user-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportUnavailableStoresNothing(t *testing.T) {
	f := newFixture(t)
	seed, _ := seedFor(t)
	f.mainnet.SetUnavailable(true)

	_, _, err := f.svc.Import(context.Background(), "user-4", vault.NewSecret([]byte(seed)))
	assert.ErrorIs(t, err, safety.ErrValidationUnavailable)

	_, err = f.svc.Get(context.Background(), "user-4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReencryptAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.Create(ctx, id)
		require.NoError(t, err)
	}

	n, err := f.svc.ReencryptAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.vault.RotateKey(ctx)
	require.NoError(t, err)

	n, err = f.svc.ReencryptAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records, err := f.store.List(ctx)
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, uint32(2), rec.Secret.KeyVersion)
		secret, err := f.vault.Decrypt(rec.Secret)
		require.NoError(t, err)
		addr, err := ledger.DeriveAddress(secret.Bytes())
		require.NoError(t, err)
		assert.Equal(t, rec.Address, addr)
	}
}
