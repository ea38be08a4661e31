// Package hmacauth authenticates adapter requests signed with a shared secret.
//
// The signature is hex(HMAC-SHA256(secret, timestamp "\n" method "\n" path "\n" body)),
// sent with the unix timestamp it covers.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Ledgerguard-Signature"
	HeaderTimestamp = "X-Ledgerguard-Timestamp"

	maxBodyBytes = 64 << 10
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
	log     *slog.Logger
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(v *Verifier) { v.log = l } }

// NewVerifier returns a verifier for secret. An empty secret disables verification, which
// is only meant for local development.
func NewVerifier(secret string, maxSkew time.Duration, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			v.log.Warn("rejected unsigned request", "method", r.Method, "path", r.URL.Path, "err", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := v.now()
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.maxSkew || reqTime.Sub(now) > v.maxSkew {
		return ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}

	expected := signature(v.secret, tsHeader, r.Method, r.URL.Path, body)
	given, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(expected, given) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign sets the signature headers on r for secret at time at. The body is read and restored.
func Sign(r *http.Request, secret string, at time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(at.Unix(), 10)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, hex.EncodeToString(signature([]byte(secret), ts, r.Method, r.URL.Path, body)))
	return nil
}

func signature(secret []byte, timestamp, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, part := range []string{timestamp, method, path} {
		mac.Write([]byte(part))
		mac.Write([]byte{'\n'})
	}
	mac.Write(body)
	return mac.Sum(nil)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
