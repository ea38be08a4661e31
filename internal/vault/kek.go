package vault

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length used for both the master key and data keys.
const KeySize = 32

// KDFParams are the Argon2id cost parameters for passphrase-derived master keys.
type KDFParams struct {
	Time        uint32
	Memory      uint32 // KiB
	Parallelism uint8
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 64 * 1024, Parallelism: 4}
}

// MasterKeyFromBase64 decodes a 32-byte master key.
func MasterKeyFromBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(key) != KeySize {
		clear(key)
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// MasterKeyFromPassphrase stretches passphrase with Argon2id.
func MasterKeyFromPassphrase(passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("vault: empty passphrase")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("vault: salt must be at least 16 bytes")
	}
	if p.Time == 0 || p.Memory == 0 || p.Parallelism == 0 {
		p = DefaultKDFParams()
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Parallelism, KeySize), nil
}
