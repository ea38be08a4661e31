package ledger

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // account ids are defined over RIPEMD-160
)

const (
	accountIDPrefix byte = 0x00
	accountIDSize        = 20
)

var xrpAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

// AddressFromPublicKey encodes RIPEMD160(SHA256(pub)) as a classic address.
func AddressFromPublicKey(pub []byte) string {
	return encodeCheck(accountIDPrefix, accountID(pub))
}

func accountID(pub []byte) []byte {
	sha := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

// decodeAccountID returns the 20-byte account id behind a classic address.
func decodeAccountID(address string) ([]byte, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	_, id, _ := decodeCheck(address)
	return id, nil
}

// ValidateAddress checks prefix, alphabet, checksum and account id length.
func ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "r") || len(address) < 25 || len(address) > 35 {
		return ErrInvalidAddress
	}
	prefix, payload, err := decodeCheck(address)
	if err != nil || prefix != accountIDPrefix || len(payload) != accountIDSize {
		return ErrInvalidAddress
	}
	return nil
}

func encodeCheck(prefix byte, payload []byte) string {
	return encodeChecked([]byte{prefix}, payload)
}

func encodeChecked(prefix, payload []byte) string {
	body := make([]byte, 0, len(prefix)+len(payload)+4)
	body = append(body, prefix...)
	body = append(body, payload...)
	body = append(body, checksum(body)...)
	return base58.EncodeAlphabet(body, xrpAlphabet)
}

// decodeCheck splits a base58check string into its one-byte prefix and payload.
func decodeCheck(s string) (byte, []byte, error) {
	raw, err := decodeChecked(s)
	if err != nil {
		return 0, nil, fmt.Errorf("base58check: %w", err)
	}
	return raw[0], raw[1:], nil
}

// decodeChecked verifies the checksum and returns prefix and payload together.
func decodeChecked(s string) ([]byte, error) {
	raw, err := base58.DecodeAlphabet(s, xrpAlphabet)
	if err != nil {
		return nil, err
	}
	if len(raw) < 5 {
		return nil, fmt.Errorf("too short")
	}
	body, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if !bytes.Equal(checksum(body), sum) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return body, nil
}

func checksum(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:4]
}

func sha512Half(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:32]
}
