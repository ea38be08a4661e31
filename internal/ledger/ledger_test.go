package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T) (seed, address string) {
	t.Helper()
	seed, err := GenerateSeed()
	require.NoError(t, err)
	address, err = DeriveAddress([]byte(seed))
	require.NoError(t, err)
	return seed, address
}

func TestGenerateSeedDerivesStableAddress(t *testing.T) {
	seed, err := GenerateSeed()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(seed, "s"), "seed %q", seed)

	a1, err := DeriveAddress([]byte(seed))
	require.NoError(t, err)
	a2, err := DeriveAddress([]byte(" " + seed + "\n"))
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.True(t, strings.HasPrefix(a1, "r"))
	assert.NoError(t, ValidateAddress(a1))
}

func TestFamilySeedKnownVectors(t *testing.T) {
	cases := []struct {
		name, seed, address, publicKey string
		typ                            KeyType
	}{
		{
			name:      "secp256k1 genesis",
			seed:      "snoPBrXtMeMyMHUVTgbuqAfg1SUTb",
			address:   "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
			publicKey: "0330E7FC9D56BB25D6893BA3F317AE5BCF33B3291BD63DB32654A313222F7FD020",
			typ:       Secp256k1,
		},
		{
			name:      "ed25519",
			seed:      "sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r",
			address:   "rLUEXYuLiQptky37CqLcm9USQpPiz5rkpD",
			publicKey: "ED01FA53FA5A7E77798F882ECE20B1ABC00BB358A9E55A202D0D0676BD0CE37A63",
			typ:       Ed25519,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ParseSecret([]byte(tc.seed))
			require.NoError(t, err)
			defer key.Wipe()
			assert.Equal(t, tc.typ, key.Type())
			assert.Equal(t, tc.publicKey, upperHex(key.PublicKey()))
			assert.Equal(t, tc.address, key.Address())

			addr, err := DeriveAddress([]byte(tc.seed))
			require.NoError(t, err)
			assert.Equal(t, tc.address, addr)
		})
	}
}

func TestParseSecretAcceptsHex(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	for _, text := range []string{hex.EncodeToString(key.Serialize()), "0x" + hex.EncodeToString(key.Serialize())} {
		parsed, err := ParseSecret([]byte(text))
		require.NoError(t, err)
		assert.Equal(t, key.PubKey().SerializeCompressed(), parsed.PublicKey())
	}
}

func TestParseSecretRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "hello", "sNotAValidSeed", strings.Repeat("z", 64), strings.Repeat("f", 64)} {
		_, err := ParseSecret([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidSecret, "input %q", in)
	}
}

func TestValidateAddress(t *testing.T) {
	_, addr := newAccount(t)

	assert.NoError(t, ValidateAddress(addr))
	assert.ErrorIs(t, ValidateAddress(""), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("x"+addr[1:]), ErrInvalidAddress)

	// flip one character to break the checksum
	mutated := []byte(addr)
	if mutated[5] == 'p' {
		mutated[5] = 's'
	} else {
		mutated[5] = 'p'
	}
	assert.ErrorIs(t, ValidateAddress(string(mutated)), ErrInvalidAddress)

	seed, _ := newAccount(t)
	assert.ErrorIs(t, ValidateAddress(seed), ErrInvalidAddress)
	assert.ErrorIs(t, ValidateAddress("sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r"), ErrInvalidAddress)
}

func TestSignAndDecodeRoundTrip(t *testing.T) {
	for _, seed := range []string{"snoPBrXtMeMyMHUVTgbuqAfg1SUTb", "sEdSKaCy2JT7JaM7v95H9SxkhP9wS2r"} {
		key, err := ParseSecret([]byte(seed))
		require.NoError(t, err)
		_, to := newAccount(t)

		p, err := NewPayment(key.Address(), to, decimal.RequireFromString("12.5"), decimal.RequireFromString("0.00001"), 7, 1020, "rent")
		require.NoError(t, err)
		assert.Equal(t, "12500000", p.Amount)
		assert.Equal(t, "10", p.Fee)

		signed, err := Sign(p, key)
		require.NoError(t, err)
		require.Len(t, signed.Hash, 64)

		again, err := Sign(p, key)
		require.NoError(t, err)
		assert.Equal(t, signed, again, "signatures are deterministic")

		sp, hash, err := DecodeSigned(signed.Blob)
		require.NoError(t, err)
		assert.Equal(t, signed.Hash, hash)
		assert.Equal(t, p, sp.Payment)
		assert.Equal(t, upperHex(key.PublicKey()), sp.SigningPubKey)
	}
}

func TestEncodePaymentCanonicalLayout(t *testing.T) {
	key, err := ParseSecret([]byte("snoPBrXtMeMyMHUVTgbuqAfg1SUTb"))
	require.NoError(t, err)
	const dest = "rLUEXYuLiQptky37CqLcm9USQpPiz5rkpD"
	destID, err := decodeAccountID(dest)
	require.NoError(t, err)

	p, err := NewPayment(key.Address(), dest, decimal.NewFromInt(1), decimal.RequireFromString("0.00001"), 1, 1005, "")
	require.NoError(t, err)
	body, err := encodePayment(SignedPayment{Payment: p, SigningPubKey: upperHex(key.PublicKey())}, true)
	require.NoError(t, err)

	want := "120000" + // TransactionType Payment
		"2200000000" + // Flags
		"2400000001" + // Sequence
		"201B000003ED" + // LastLedgerSequence 1005
		"6140000000000F4240" + // Amount 1,000,000 drops
		"68400000000000000A" + // Fee 10 drops
		"7321" + "0330E7FC9D56BB25D6893BA3F317AE5BCF33B3291BD63DB32654A313222F7FD020" +
		"8114" + "B5F762798A53D543A014CAF8B297CFF8F2F937E8" +
		"8314" + upperHex(destID)
	assert.Equal(t, want, upperHex(body))

	p.MemoData = upperHex([]byte("hi"))
	body, err = encodePayment(SignedPayment{Payment: p, SigningPubKey: upperHex(key.PublicKey())}, true)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(upperHex(body), "F9EA7D026869E1F1"), upperHex(body))
}

func TestLongMemoUsesTwoByteLength(t *testing.T) {
	e := &encoder{}
	require.NoError(t, e.blob(fieldMemoData, make([]byte, 200)))
	assert.Equal(t, []byte{0x7D, 0xC1, 0x07}, e.buf[:3])

	d := &decoder{buf: e.buf[1:]}
	assert.Len(t, d.blob(), 200)
	assert.NoError(t, d.err)
}

func TestDecodeSignedRejectsTampering(t *testing.T) {
	seed, from := newAccount(t)
	_, to := newAccount(t)
	key, err := ParseSecret([]byte(seed))
	require.NoError(t, err)
	p, err := NewPayment(from, to, decimal.NewFromInt(1), decimal.RequireFromString("0.00001"), 1, 0, "")
	require.NoError(t, err)
	signed, err := Sign(p, key)
	require.NoError(t, err)

	sp, _, err := DecodeSigned(signed.Blob)
	require.NoError(t, err)

	// same signature, different destination
	forged := sp
	_, forged.Destination = newAccount(t)
	raw, err := encodePayment(forged, false)
	require.NoError(t, err)
	_, _, err = DecodeSigned(upperHex(raw))
	assert.ErrorIs(t, err, ErrBadSignature)

	// signature from a key that does not own the source account
	otherSeed, _ := newAccount(t)
	other, err := ParseSecret([]byte(otherSeed))
	require.NoError(t, err)
	_, err = Sign(p, other)
	assert.Error(t, err)
	forged = sp
	forged.SigningPubKey = upperHex(other.PublicKey())
	raw, err = encodePayment(forged, false)
	require.NoError(t, err)
	_, _, err = DecodeSigned(upperHex(raw))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, _, err = DecodeSigned(signed.Blob[:len(signed.Blob)-8])
	assert.Error(t, err)
}

func TestToDrops(t *testing.T) {
	d, err := ToDrops(decimal.RequireFromString("1.000001"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_001), d)

	_, err = ToDrops(decimal.RequireFromString("0.0000001"))
	assert.Error(t, err)

	assert.True(t, FromDrops(2_500_000).Equal(decimal.RequireFromString("2.5")))
}

func TestServerInfoReserve(t *testing.T) {
	info := ServerInfo{
		ReserveBase:      decimal.NewFromInt(1),
		ReserveIncrement: decimal.RequireFromString("0.2"),
	}
	assert.True(t, info.Reserve(3).Equal(decimal.RequireFromString("1.6")))
}

func TestClassifyEngineResult(t *testing.T) {
	for _, code := range []string{"tesSUCCESS", "terQUEUED", "tecUNFUNDED_PAYMENT"} {
		assert.NoError(t, classifyEngineResult(code, ""), code)
	}
	for _, code := range []string{"temMALFORMED", "tefPAST_SEQ", "telINSUF_FEE_P"} {
		err := classifyEngineResult(code, "nope")
		assert.ErrorIs(t, err, ErrRejected, code)
		var rej *RejectedError
		require.True(t, errors.As(err, &rej))
		assert.Equal(t, code, rej.EngineResult)
	}
}

func signedPayment(t *testing.T, sim *Simulator, seed, from, to string, amount string) Signed {
	t.Helper()
	ctx := context.Background()
	info, err := sim.AccountInfo(ctx, from)
	require.NoError(t, err)
	srv, err := sim.ServerInfo(ctx)
	require.NoError(t, err)
	key, err := ParseSecret([]byte(seed))
	require.NoError(t, err)
	p, err := NewPayment(from, to, decimal.RequireFromString(amount), srv.BaseFee, info.Sequence, srv.ValidatedLedger+5, "")
	require.NoError(t, err)
	signed, err := Sign(p, key)
	require.NoError(t, err)
	return signed
}

func TestSimulatorAppliesPayment(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	seed, from := newAccount(t)
	_, to := newAccount(t)
	sim.Fund(from, decimal.NewFromInt(50))

	signed := signedPayment(t, sim, seed, from, to, "10")
	res, err := sim.Submit(ctx, signed.Blob)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, res.EngineResult)
	assert.Equal(t, signed.Hash, res.TxHash)

	tx, err := sim.GetTransaction(ctx, signed.Hash)
	require.NoError(t, err)
	assert.True(t, tx.Succeeded())

	src, err := sim.AccountInfo(ctx, from)
	require.NoError(t, err)
	assert.True(t, src.Balance.Equal(decimal.RequireFromString("39.99999")), src.Balance.String())
	assert.Equal(t, uint32(2), src.Sequence)

	dst, err := sim.AccountInfo(ctx, to)
	require.NoError(t, err)
	assert.True(t, dst.Balance.Equal(decimal.NewFromInt(10)))

	_, err = sim.Submit(ctx, signed.Blob)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSimulatorDropResponseStillApplies(t *testing.T) {
	sim := NewSimulator()
	seed, from := newAccount(t)
	_, to := newAccount(t)
	sim.Fund(from, decimal.NewFromInt(50))
	signed := signedPayment(t, sim, seed, from, to, "5")

	sim.DropNextSubmitResponse()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sim.Submit(ctx, signed.Blob)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tx, err := sim.GetTransaction(context.Background(), signed.Hash)
	require.NoError(t, err)
	assert.True(t, tx.Succeeded())
}

func TestSimulatorReserveFailureClaimsFee(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	seed, from := newAccount(t)
	_, to := newAccount(t)
	sim.Fund(from, decimal.NewFromInt(5))
	sim.Fund(to, decimal.NewFromInt(5))

	signed := signedPayment(t, sim, seed, from, to, "4.5")
	res, err := sim.Submit(ctx, signed.Blob)
	require.NoError(t, err)
	assert.Equal(t, "tecUNFUNDED_PAYMENT", res.EngineResult)

	tx, err := sim.GetTransaction(ctx, signed.Hash)
	require.NoError(t, err)
	assert.True(t, tx.Validated)
	assert.False(t, tx.Succeeded())
}

func TestNetworkGetBalance(t *testing.T) {
	ctx := context.Background()
	test, main := NewSimulator(), NewSimulator()
	_, addr := newAccount(t)
	test.Fund(addr, decimal.NewFromInt(500))

	n := Network{Testnet: test, Mainnet: main}
	bal, err := n.GetBalance(ctx, addr, Testnet)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(500)))

	_, err = n.GetBalance(ctx, addr, Mainnet)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = n.GetBalance(ctx, addr, "devnet")
	assert.Error(t, err)

	main.SetUnavailable(true)
	assert.Error(t, n.Ping(ctx))
}

func TestDecodeRejectsNonCanonicalOrder(t *testing.T) {
	e := &encoder{}
	e.uint16(fieldTransactionType, txTypePayment)
	e.uint32(fieldSequence, 1)
	e.uint32(fieldFlags, 0)
	_, err := decodePayment(e.buf)
	assert.ErrorIs(t, err, errMalformed)
}
