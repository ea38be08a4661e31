package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Canonical binary encoding of the Payment fields this service signs. Fields are written
// in (type code, field code) order; the decoder refuses anything else so a blob has exactly
// one encoding and therefore one hash.

type fieldID struct{ typ, code byte }

const (
	typeUInt16  byte = 1
	typeUInt32  byte = 2
	typeAmount  byte = 6
	typeBlob    byte = 7
	typeAccount byte = 8
	typeObject  byte = 14
	typeArray   byte = 15
)

var (
	fieldTransactionType    = fieldID{typeUInt16, 2}
	fieldFlags              = fieldID{typeUInt32, 2}
	fieldSequence           = fieldID{typeUInt32, 4}
	fieldLastLedgerSequence = fieldID{typeUInt32, 27}
	fieldAmount             = fieldID{typeAmount, 1}
	fieldFee                = fieldID{typeAmount, 8}
	fieldSigningPubKey      = fieldID{typeBlob, 3}
	fieldTxnSignature       = fieldID{typeBlob, 4}
	fieldMemoData           = fieldID{typeBlob, 13}
	fieldAccount            = fieldID{typeAccount, 1}
	fieldDestination        = fieldID{typeAccount, 3}
	fieldObjectEnd          = fieldID{typeObject, 1}
	fieldMemo               = fieldID{typeObject, 10}
	fieldArrayEnd           = fieldID{typeArray, 1}
	fieldMemos              = fieldID{typeArray, 9}
)

const (
	txTypePayment uint16 = 0

	// native amounts carry the "positive" bit and never the "issued currency" bit
	amountPositive uint64 = 0x4000000000000000
	maxDrops       uint64 = 100_000_000_000_000_000
)

var errMalformed = errors.New("ledger: malformed transaction blob")

func (f fieldID) less(o fieldID) bool {
	return f.typ < o.typ || (f.typ == o.typ && f.code < o.code)
}

type encoder struct{ buf []byte }

func (e *encoder) field(f fieldID) {
	switch {
	case f.typ < 16 && f.code < 16:
		e.buf = append(e.buf, f.typ<<4|f.code)
	case f.typ < 16:
		e.buf = append(e.buf, f.typ<<4, f.code)
	case f.code < 16:
		e.buf = append(e.buf, f.code, f.typ)
	default:
		e.buf = append(e.buf, 0, f.typ, f.code)
	}
}

func (e *encoder) uint16(f fieldID, v uint16) {
	e.field(f)
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) uint32(f fieldID, v uint32) {
	e.field(f)
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) amount(f fieldID, drops string) error {
	n, err := strconv.ParseUint(drops, 10, 64)
	if err != nil || n > maxDrops {
		return fmt.Errorf("ledger: invalid drops amount %q", drops)
	}
	e.field(f)
	e.buf = binary.BigEndian.AppendUint64(e.buf, amountPositive|n)
	return nil
}

func (e *encoder) blob(f fieldID, b []byte) error {
	e.field(f)
	n := len(b)
	switch {
	case n <= 192:
		e.buf = append(e.buf, byte(n))
	case n <= 12480:
		n -= 193
		e.buf = append(e.buf, byte(193+n>>8), byte(n))
	default:
		return fmt.Errorf("ledger: field too long (%d bytes)", len(b))
	}
	e.buf = append(e.buf, b...)
	return nil
}

func (e *encoder) account(f fieldID, address string) error {
	id, err := decodeAccountID(address)
	if err != nil {
		return fmt.Errorf("%w: %s", err, address)
	}
	return e.blob(f, id)
}

// encodePayment serializes sp. With signing set the signature is left out, which yields the
// body that gets signed.
func encodePayment(sp SignedPayment, signing bool) ([]byte, error) {
	pub, err := hex.DecodeString(sp.SigningPubKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: signing public key: %w", err)
	}
	memo, err := hex.DecodeString(sp.MemoData)
	if err != nil {
		return nil, fmt.Errorf("ledger: memo: %w", err)
	}

	e := &encoder{buf: make([]byte, 0, 256)}
	e.uint16(fieldTransactionType, txTypePayment)
	e.uint32(fieldFlags, 0)
	e.uint32(fieldSequence, sp.Sequence)
	if sp.LastLedgerSequence != 0 {
		e.uint32(fieldLastLedgerSequence, sp.LastLedgerSequence)
	}
	if err := e.amount(fieldAmount, sp.Amount); err != nil {
		return nil, err
	}
	if err := e.amount(fieldFee, sp.Fee); err != nil {
		return nil, err
	}
	if err := e.blob(fieldSigningPubKey, pub); err != nil {
		return nil, err
	}
	if !signing {
		sig, err := hex.DecodeString(sp.TxnSignature)
		if err != nil {
			return nil, fmt.Errorf("ledger: signature: %w", err)
		}
		if err := e.blob(fieldTxnSignature, sig); err != nil {
			return nil, err
		}
	}
	if err := e.account(fieldAccount, sp.Account); err != nil {
		return nil, err
	}
	if err := e.account(fieldDestination, sp.Destination); err != nil {
		return nil, err
	}
	if len(memo) > 0 {
		e.field(fieldMemos)
		e.field(fieldMemo)
		if err := e.blob(fieldMemoData, memo); err != nil {
			return nil, err
		}
		e.field(fieldObjectEnd)
		e.field(fieldArrayEnd)
	}
	return e.buf, nil
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = errMalformed
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) byte() byte {
	b := d.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) field() fieldID {
	b := d.byte()
	f := fieldID{typ: b >> 4, code: b & 0x0f}
	if f.typ == 0 {
		f.typ = d.byte()
	}
	if f.code == 0 {
		f.code = d.byte()
	}
	return f
}

func (d *decoder) uint16() uint16 {
	b := d.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) amount() string {
	b := d.next(8)
	if b == nil {
		return ""
	}
	v := binary.BigEndian.Uint64(b)
	if v&^amountPositive > maxDrops || v&amountPositive == 0 {
		d.err = errMalformed
		return ""
	}
	return strconv.FormatUint(v&^amountPositive, 10)
}

func (d *decoder) blob() []byte {
	b0 := int(d.byte())
	n := b0
	switch {
	case b0 > 240:
		d.err = errMalformed
		return nil
	case b0 > 192:
		n = 193 + (b0-193)<<8 + int(d.byte())
	}
	return d.next(n)
}

func (d *decoder) account() string {
	id := d.blob()
	if len(id) != accountIDSize {
		d.err = errMalformed
		return ""
	}
	return encodeCheck(accountIDPrefix, id)
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// decodePayment parses a canonical Payment encoding.
func decodePayment(raw []byte) (SignedPayment, error) {
	d := &decoder{buf: raw}
	sp := SignedPayment{Payment: Payment{TransactionType: "Payment"}}
	var last fieldID
	for d.err == nil && d.pos < len(raw) {
		f := d.field()
		if d.err != nil {
			break
		}
		if !last.less(f) {
			return SignedPayment{}, fmt.Errorf("%w: field %d/%d out of order", errMalformed, f.typ, f.code)
		}
		last = f
		switch f {
		case fieldTransactionType:
			if d.uint16() != txTypePayment {
				return SignedPayment{}, fmt.Errorf("%w: not a payment", errMalformed)
			}
		case fieldFlags:
			d.uint32()
		case fieldSequence:
			sp.Sequence = d.uint32()
		case fieldLastLedgerSequence:
			sp.LastLedgerSequence = d.uint32()
		case fieldAmount:
			sp.Amount = d.amount()
		case fieldFee:
			sp.Fee = d.amount()
		case fieldSigningPubKey:
			sp.SigningPubKey = upperHex(d.blob())
		case fieldTxnSignature:
			sp.TxnSignature = upperHex(d.blob())
		case fieldAccount:
			sp.Account = d.account()
		case fieldDestination:
			sp.Destination = d.account()
		case fieldMemos:
			if d.field() != fieldMemo || d.field() != fieldMemoData {
				return SignedPayment{}, fmt.Errorf("%w: unsupported memo layout", errMalformed)
			}
			sp.MemoData = upperHex(d.blob())
			if d.field() != fieldObjectEnd || d.field() != fieldArrayEnd {
				return SignedPayment{}, fmt.Errorf("%w: unsupported memo layout", errMalformed)
			}
		default:
			return SignedPayment{}, fmt.Errorf("%w: unsupported field %d/%d", errMalformed, f.typ, f.code)
		}
	}
	if d.err != nil {
		return SignedPayment{}, d.err
	}
	if sp.Account == "" || sp.Destination == "" || sp.Amount == "" || sp.Fee == "" {
		return SignedPayment{}, fmt.Errorf("%w: missing required field", errMalformed)
	}
	return sp, nil
}
