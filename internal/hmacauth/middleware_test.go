package hmacauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return NewVerifier("secret", time.Minute, WithClock(func() time.Time { return fixedNow }))
}

func signed(t *testing.T, method, path, body, secret string, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if err := Sign(req, secret, at); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"10"}`
	req := signed(t, http.MethodPost, "/api/v1/conversations/alice/amount", body, "secret", fixedNow)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
		w.WriteHeader(http.StatusOK)
	})

	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	cases := map[string]func() *http.Request{
		"wrong secret": func() *http.Request {
			return signed(t, http.MethodPost, "/api/v1/conversations/alice/confirm", `{"yes":true}`, "other", fixedNow)
		},
		"stale": func() *http.Request {
			return signed(t, http.MethodPost, "/api/v1/conversations/alice/confirm", `{"yes":true}`, "secret", fixedNow.Add(-2*time.Minute))
		},
		"future": func() *http.Request {
			return signed(t, http.MethodPost, "/api/v1/conversations/alice/confirm", `{"yes":true}`, "secret", fixedNow.Add(2*time.Minute))
		},
		"path swapped": func() *http.Request {
			req := signed(t, http.MethodPost, "/api/v1/conversations/alice/cancel", ``, "secret", fixedNow)
			req.URL.Path = "/api/v1/conversations/bob/cancel"
			return req
		},
		"body swapped": func() *http.Request {
			req := signed(t, http.MethodPost, "/api/v1/conversations/alice/amount", `{"amount":"1"}`, "secret", fixedNow)
			req.Body = io.NopCloser(strings.NewReader(`{"amount":"1000"}`))
			return req
		},
		"missing signature": func() *http.Request {
			req := signed(t, http.MethodPost, "/x", ``, "secret", fixedNow)
			req.Header.Del(HeaderSignature)
			return req
		},
		"missing timestamp": func() *http.Request {
			req := signed(t, http.MethodPost, "/x", ``, "secret", fixedNow)
			req.Header.Del(HeaderTimestamp)
			return req
		},
		"not hex": func() *http.Request {
			req := signed(t, http.MethodPost, "/x", ``, "secret", fixedNow)
			req.Header.Set(HeaderSignature, "zz")
			return req
		},
		"too large": func() *http.Request {
			req := signed(t, http.MethodPost, "/x", ``, "secret", fixedNow)
			req.Body = io.NopCloser(strings.NewReader(strings.Repeat("a", maxBodyBytes+1)))
			return req
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			req := build()
			rec := httptest.NewRecorder()
			newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			})).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddleware_DisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("", time.Minute)
	if v.Enabled() {
		t.Fatalf("verifier without secret should be disabled")
	}
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
