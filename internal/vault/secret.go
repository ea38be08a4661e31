package vault

import "log/slog"

const redacted = "[REDACTED]"

// Secret holds plaintext key material. It never formats or logs its contents.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b; callers must not keep using the slice.
func NewSecret(b []byte) Secret {
	return Secret{b: b}
}

// Bytes exposes the plaintext for the duration of a signing call.
func (s Secret) Bytes() []byte { return s.b }

func (s Secret) Len() int { return len(s.b) }

// Wipe zeroes the backing array.
func (s Secret) Wipe() {
	clear(s.b)
}

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
