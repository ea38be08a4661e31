package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// KeyType is the signature scheme of an account key.
type KeyType string

const (
	Secp256k1 KeyType = "secp256k1"
	Ed25519   KeyType = "ed25519"
)

const seedEntropySize = 16

var (
	secpSeedPrefix = []byte{0x21}
	edSeedPrefix   = []byte{0x01, 0xE1, 0x4B}
)

// ed25519 public keys are prefixed with this byte on the ledger.
const edKeyPrefix byte = 0xED

// KeyPair is a decoded account key. Call Wipe once signing is done.
type KeyPair struct {
	typ  KeyType
	secp *secp256k1.PrivateKey
	ed   ed25519.PrivateKey
	pub  []byte
}

func (k *KeyPair) Type() KeyType { return k.typ }

// PublicKey is the 33-byte ledger encoding: compressed secp256k1, or 0xED followed by the
// ed25519 key.
func (k *KeyPair) PublicKey() []byte { return append([]byte(nil), k.pub...) }

func (k *KeyPair) Address() string { return AddressFromPublicKey(k.pub) }

// Wipe zeroes the private key material.
func (k *KeyPair) Wipe() {
	if k == nil {
		return
	}
	if k.secp != nil {
		k.secp.Zero()
	}
	clear(k.ed)
}

// sign signs a prefixed transaction body. secp256k1 signs SHA512Half(msg) with a canonical
// DER signature; ed25519 signs msg itself.
func (k *KeyPair) sign(msg []byte) []byte {
	if k.typ == Ed25519 {
		return ed25519.Sign(k.ed, msg)
	}
	return ecdsa.Sign(k.secp, sha512Half(msg)).Serialize()
}

func verify(pub, msg, sig []byte) bool {
	if len(pub) == ed25519.PublicKeySize+1 && pub[0] == edKeyPrefix {
		return ed25519.Verify(ed25519.PublicKey(pub[1:]), msg, sig)
	}
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(sha512Half(msg), key)
}

// GenerateSeed returns a new secp256k1 family seed ("s...") backed by 128 bits of entropy.
func GenerateSeed() (string, error) {
	entropy := make([]byte, seedEntropySize)
	if _, err := io.ReadFull(rand.Reader, entropy); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	defer clear(entropy)
	return encodeChecked(secpSeedPrefix, entropy), nil
}

// ParseSecret decodes a custodial secret: a secp256k1 family seed ("s..."), an ed25519
// seed ("sEd..."), or a 64-char hex secp256k1 private key used as the account key as is.
func ParseSecret(secret []byte) (*KeyPair, error) {
	text := strings.TrimSpace(string(secret))
	if strings.HasPrefix(text, "s") {
		return keyPairFromSeed(text)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(text, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidSecret
	}
	defer clear(raw)
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, ErrInvalidSecret
	}
	return newSecpKeyPair(&scalar), nil
}

func keyPairFromSeed(seed string) (*KeyPair, error) {
	raw, err := decodeChecked(seed)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	defer clear(raw)
	switch {
	case len(raw) == len(edSeedPrefix)+seedEntropySize && hasPrefix(raw, edSeedPrefix):
		return edKeyPair(raw[len(edSeedPrefix):]), nil
	case len(raw) == len(secpSeedPrefix)+seedEntropySize && hasPrefix(raw, secpSeedPrefix):
		return secpKeyPair(raw[len(secpSeedPrefix):])
	default:
		return nil, ErrInvalidSecret
	}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func edKeyPair(entropy []byte) *KeyPair {
	seed := sha512Half(entropy)
	defer clear(seed)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := append([]byte{edKeyPrefix}, priv.Public().(ed25519.PublicKey)...)
	return &KeyPair{typ: Ed25519, ed: priv, pub: pub}
}

// secpKeyPair derives the account key of a family seed: the root key from the entropy,
// plus an intermediate key for account index 0 derived from the root public key.
func secpKeyPair(entropy []byte) (*KeyPair, error) {
	root, err := deriveScalar(entropy, nil)
	if err != nil {
		return nil, err
	}
	rootKey := secp256k1.NewPrivateKey(root)
	rootPub := rootKey.PubKey().SerializeCompressed()
	rootKey.Zero()

	intermediate, err := deriveScalar(rootPub, []byte{0, 0, 0, 0})
	if err != nil {
		root.Zero()
		return nil, err
	}
	root.Add(intermediate)
	intermediate.Zero()
	if root.IsZero() {
		return nil, ErrInvalidSecret
	}
	return newSecpKeyPair(root), nil
}

// deriveScalar returns the first SHA512Half(base || extra || seq) that is a valid private
// key.
func deriveScalar(base, extra []byte) (*secp256k1.ModNScalar, error) {
	buf := make([]byte, 0, len(base)+len(extra)+4)
	buf = append(buf, base...)
	buf = append(buf, extra...)
	buf = append(buf, 0, 0, 0, 0)
	defer clear(buf)

	var scalar secp256k1.ModNScalar
	for seq := uint32(0); seq < 1<<16; seq++ {
		binary.BigEndian.PutUint32(buf[len(buf)-4:], seq)
		candidate := sha512Half(buf)
		overflow := scalar.SetByteSlice(candidate)
		clear(candidate)
		if !overflow && !scalar.IsZero() {
			return &scalar, nil
		}
	}
	return nil, ErrInvalidSecret
}

// newSecpKeyPair copies scalar into the key pair and zeroes it.
func newSecpKeyPair(scalar *secp256k1.ModNScalar) *KeyPair {
	key := secp256k1.NewPrivateKey(scalar)
	scalar.Zero()
	return &KeyPair{typ: Secp256k1, secp: key, pub: key.PubKey().SerializeCompressed()}
}

// DeriveAddress returns the classic address controlled by secret.
func DeriveAddress(secret []byte) (string, error) {
	key, err := ParseSecret(secret)
	if err != nil {
		return "", err
	}
	defer key.Wipe()
	return key.Address(), nil
}
