// Package vault keeps custodial secrets encrypted at rest with versioned data keys that are
// themselves wrapped by a master key.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"ledgerguard/internal/metrics"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// ErrDecryption is returned for an unknown key version or a blob that fails authentication.
var ErrDecryption = errors.New("vault: decryption failed")

// Vault encrypts secrets under the active data key and decrypts under any known version.
type Vault struct {
	mu     sync.RWMutex
	kek    cipher.AEAD
	keys   map[uint32]cipher.AEAD
	active uint32

	store   KeyStore
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

type Option func(*Vault)

func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(v *Vault) { v.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// Open unwraps every data key in store with kek. An empty store is bootstrapped with
// version 1. The highest version becomes active.
func Open(ctx context.Context, kek []byte, store KeyStore, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("vault: key store is required")
	}
	kekAEAD, err := newGCM(kek)
	if err != nil {
		return nil, fmt.Errorf("vault: master key: %w", err)
	}
	v := &Vault{
		kek:   kekAEAD,
		keys:  make(map[uint32]cipher.AEAD),
		store: store,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = slog.Default()
	}

	if err := v.reload(ctx); err != nil {
		return nil, err
	}
	if len(v.keys) == 0 {
		if _, err := v.RotateKey(ctx); err != nil {
			return nil, fmt.Errorf("vault: bootstrap data key: %w", err)
		}
	}
	return v, nil
}

func (v *Vault) reload(ctx context.Context) error {
	wrapped, err := v.store.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("vault: load keys: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, wk := range wrapped {
		if _, ok := v.keys[wk.Version]; ok {
			continue
		}
		aead, err := v.unwrap(wk)
		if err != nil {
			return err
		}
		v.keys[wk.Version] = aead
		if wk.Version > v.active {
			v.active = wk.Version
		}
	}
	return nil
}

func (v *Vault) unwrap(wk WrappedKey) (cipher.AEAD, error) {
	if len(wk.Wrapped) < nonceSize+tagSize {
		return nil, fmt.Errorf("vault: data key v%d is truncated", wk.Version)
	}
	raw, err := v.kek.Open(nil, wk.Wrapped[:nonceSize], wk.Wrapped[nonceSize:], wrapAAD(wk.Version))
	if err != nil {
		return nil, fmt.Errorf("vault: data key v%d does not open under this master key", wk.Version)
	}
	defer clear(raw)
	return newGCM(raw)
}

// ActiveVersion is the data key version new blobs are sealed with.
func (v *Vault) ActiveVersion() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// Encrypt seals secret under the active data key.
func (v *Vault) Encrypt(secret Secret) (EncryptedBlob, error) {
	v.mu.RLock()
	version := v.active
	aead := v.keys[version]
	v.mu.RUnlock()
	if aead == nil {
		v.metrics.IncVaultOp("encrypt", "error")
		return EncryptedBlob{}, fmt.Errorf("vault: no active data key")
	}

	nonce, err := randomBytes(nonceSize)
	if err != nil {
		v.metrics.IncVaultOp("encrypt", "error")
		return EncryptedBlob{}, err
	}
	sealed := aead.Seal(nil, nonce, secret.Bytes(), secretAAD(version))
	v.metrics.IncVaultOp("encrypt", "ok")
	return EncryptedBlob{
		KeyVersion: version,
		Nonce:      nonce,
		Ciphertext: sealed[:len(sealed)-tagSize],
		Tag:        sealed[len(sealed)-tagSize:],
	}, nil
}

// Decrypt opens blob. The caller owns the returned secret and should Wipe it.
func (v *Vault) Decrypt(blob EncryptedBlob) (Secret, error) {
	v.mu.RLock()
	aead := v.keys[blob.KeyVersion]
	v.mu.RUnlock()
	if aead == nil || len(blob.Nonce) != nonceSize || len(blob.Tag) != tagSize {
		v.metrics.IncVaultOp("decrypt", "error")
		v.log.Warn("vault decrypt refused", "key_version", blob.KeyVersion)
		return Secret{}, ErrDecryption
	}

	sealed := make([]byte, 0, len(blob.Ciphertext)+tagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag...)
	plain, err := aead.Open(nil, blob.Nonce, sealed, secretAAD(blob.KeyVersion))
	if err != nil {
		v.metrics.IncVaultOp("decrypt", "error")
		v.log.Warn("vault decrypt failed authentication", "key_version", blob.KeyVersion)
		return Secret{}, ErrDecryption
	}
	v.metrics.IncVaultOp("decrypt", "ok")
	return NewSecret(plain), nil
}

// RotateKey generates a new data key, persists it wrapped, and makes it active.
func (v *Vault) RotateKey(ctx context.Context) (uint32, error) {
	raw, err := randomBytes(KeySize)
	if err != nil {
		return 0, err
	}
	defer clear(raw)

	aead, err := newGCM(raw)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	version := v.active + 1
	nonce, err := randomBytes(nonceSize)
	if err != nil {
		return 0, err
	}
	wrapped := append(nonce, v.kek.Seal(nil, nonce, raw, wrapAAD(version))...)

	err = v.store.SaveKey(ctx, WrappedKey{Version: version, Wrapped: wrapped, CreatedAt: v.now().UTC()})
	if err != nil {
		v.metrics.IncVaultOp("rotate", "error")
		return 0, fmt.Errorf("vault: save data key v%d: %w", version, err)
	}
	v.keys[version] = aead
	v.active = version
	v.metrics.IncVaultOp("rotate", "ok")
	v.log.Info("vault data key rotated", "key_version", version)
	return version, nil
}

// Reencrypt moves blob to the active version. It reports false when blob already uses it.
func (v *Vault) Reencrypt(blob EncryptedBlob) (EncryptedBlob, bool, error) {
	if blob.KeyVersion == v.ActiveVersion() {
		return blob, false, nil
	}
	secret, err := v.Decrypt(blob)
	if err != nil {
		return EncryptedBlob{}, false, err
	}
	defer secret.Wipe()
	out, err := v.Encrypt(secret)
	if err != nil {
		return EncryptedBlob{}, false, err
	}
	return out, true, nil
}

func secretAAD(version uint32) []byte {
	return fmt.Appendf(nil, "ledgerguard/secret/v%d", version)
}

func wrapAAD(version uint32) []byte {
	return fmt.Appendf(nil, "ledgerguard/datakey/v%d", version)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}
