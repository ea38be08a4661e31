package vault

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const blobPrefix = "lg1"

// EncryptedBlob is an AES-GCM ciphertext plus the data key version that sealed it.
type EncryptedBlob struct {
	KeyVersion uint32
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

var b64 = base64.RawURLEncoding

// MarshalText renders lg1.<version>.<nonce>.<ciphertext>.<tag>.
func (b EncryptedBlob) MarshalText() ([]byte, error) {
	if b.KeyVersion == 0 {
		return nil, fmt.Errorf("vault: blob has no key version")
	}
	s := strings.Join([]string{
		blobPrefix,
		strconv.FormatUint(uint64(b.KeyVersion), 10),
		b64.EncodeToString(b.Nonce),
		b64.EncodeToString(b.Ciphertext),
		b64.EncodeToString(b.Tag),
	}, ".")
	return []byte(s), nil
}

func (b *EncryptedBlob) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ".")
	if len(parts) != 5 || parts[0] != blobPrefix {
		return fmt.Errorf("vault: malformed blob")
	}
	version, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || version == 0 {
		return fmt.Errorf("vault: malformed blob version %q", parts[1])
	}
	var out EncryptedBlob
	out.KeyVersion = uint32(version)
	if out.Nonce, err = b64.DecodeString(parts[2]); err != nil {
		return fmt.Errorf("vault: malformed blob nonce: %w", err)
	}
	if out.Ciphertext, err = b64.DecodeString(parts[3]); err != nil {
		return fmt.Errorf("vault: malformed blob ciphertext: %w", err)
	}
	if out.Tag, err = b64.DecodeString(parts[4]); err != nil {
		return fmt.Errorf("vault: malformed blob tag: %w", err)
	}
	*b = out
	return nil
}

// String is the storage form; it contains no plaintext.
func (b EncryptedBlob) String() string {
	text, err := b.MarshalText()
	if err != nil {
		return ""
	}
	return string(text)
}

// ParseBlob is the inverse of String.
func ParseBlob(s string) (EncryptedBlob, error) {
	var b EncryptedBlob
	err := b.UnmarshalText([]byte(s))
	return b, err
}
