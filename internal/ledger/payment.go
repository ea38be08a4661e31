package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// DropsPerUnit is the number of indivisible drops in one unit of the native asset.
const DropsPerUnit = 1_000_000

var (
	prefixSigning = []byte("STX\x00")
	prefixTxID    = []byte("TXN\x00")

	ErrBadSignature = errors.New("ledger: bad signature")
)

// Payment is the unsigned transfer of native units between two accounts.
type Payment struct {
	TransactionType    string `json:"TransactionType"`
	Account            string `json:"Account"`
	Destination        string `json:"Destination"`
	Amount             string `json:"Amount"`
	Fee                string `json:"Fee"`
	Sequence           uint32 `json:"Sequence"`
	LastLedgerSequence uint32 `json:"LastLedgerSequence"`
	MemoData           string `json:"MemoData,omitempty"`
}

// SignedPayment is the decoded form of a signed blob. Amounts are in drops and binary
// fields in upper-case hex, as the network renders them in JSON.
type SignedPayment struct {
	Payment
	SigningPubKey string `json:"SigningPubKey"`
	TxnSignature  string `json:"TxnSignature"`
}

// Signed holds the hex blob and the hash it will be known by on the ledger.
type Signed struct {
	Blob string
	Hash string
}

// NewPayment builds a payment; amount and fee are in units and must be whole drops.
func NewPayment(from, to string, amount, fee decimal.Decimal, sequence, lastLedger uint32, memo string) (Payment, error) {
	amountDrops, err := ToDrops(amount)
	if err != nil {
		return Payment{}, fmt.Errorf("amount: %w", err)
	}
	feeDrops, err := ToDrops(fee)
	if err != nil {
		return Payment{}, fmt.Errorf("fee: %w", err)
	}
	p := Payment{
		TransactionType:    "Payment",
		Account:            from,
		Destination:        to,
		Amount:             strconv.FormatInt(amountDrops, 10),
		Fee:                strconv.FormatInt(feeDrops, 10),
		Sequence:           sequence,
		LastLedgerSequence: lastLedger,
	}
	if memo != "" {
		p.MemoData = upperHex([]byte(memo))
	}
	return p, nil
}

// Sign signs the payment with key and returns the submittable blob and its hash.
func Sign(p Payment, key *KeyPair) (Signed, error) {
	if p.Account != key.Address() {
		return Signed{}, fmt.Errorf("sign payment: key does not control %s", p.Account)
	}
	sp := SignedPayment{Payment: p, SigningPubKey: upperHex(key.pub)}
	body, err := encodePayment(sp, true)
	if err != nil {
		return Signed{}, fmt.Errorf("encode payment: %w", err)
	}
	sp.TxnSignature = upperHex(key.sign(append(append([]byte{}, prefixSigning...), body...)))
	raw, err := encodePayment(sp, false)
	if err != nil {
		return Signed{}, fmt.Errorf("encode payment: %w", err)
	}
	return Signed{Blob: upperHex(raw), Hash: txHash(raw)}, nil
}

// DecodeSigned parses a blob and verifies that its signature matches its source account.
func DecodeSigned(blob string) (SignedPayment, string, error) {
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return SignedPayment{}, "", fmt.Errorf("decode blob: %w", err)
	}
	sp, err := decodePayment(raw)
	if err != nil {
		return SignedPayment{}, "", err
	}
	pub, _ := hex.DecodeString(sp.SigningPubKey)
	sig, _ := hex.DecodeString(sp.TxnSignature)
	if len(sig) == 0 || AddressFromPublicKey(pub) != sp.Account {
		return SignedPayment{}, "", ErrBadSignature
	}
	body, err := encodePayment(sp, true)
	if err != nil {
		return SignedPayment{}, "", err
	}
	if !verify(pub, append(append([]byte{}, prefixSigning...), body...), sig) {
		return SignedPayment{}, "", ErrBadSignature
	}
	return sp, txHash(raw), nil
}

func txHash(raw []byte) string {
	return upperHex(sha512Half(prefixTxID, raw))
}

// ToDrops converts units to drops, refusing sub-drop precision.
func ToDrops(units decimal.Decimal) (int64, error) {
	drops := units.Shift(6)
	if !drops.Equal(drops.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than 6 decimal places", units.String())
	}
	return drops.IntPart(), nil
}

// FromDrops converts drops to units.
func FromDrops(drops int64) decimal.Decimal {
	return decimal.New(drops, -6)
}
