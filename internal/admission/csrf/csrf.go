// Package csrf issues and verifies stateless CSRF tokens bound to a form
// identifier and an origin.
//
// Wire format: base64url(payload) + "." + base64url(HMAC-SHA256(secret, base64url(payload)))
// where payload is JSON {"s": submitHash, "o": origin, "e": expiresAtEpochMs}.
// Tokens are replay-tolerant: any number of submissions may present the same
// token until it expires.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	dErrors "formgate/pkg/domain-errors"
	"formgate/pkg/requestcontext"
)

// ErrNotConfigured is returned by Issue when no signing secret was configured.
var ErrNotConfigured = dErrors.New(dErrors.CodeNotConfigured, "csrf protection is not configured")

var b64 = base64.RawURLEncoding

type payload struct {
	SubmitHash string `json:"s"`
	Origin     string `json:"o"`
	ExpiresAt  *int64 `json:"e,omitempty"`
}

// Token is an issued token and its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Service signs and checks tokens with a process-wide secret. The zero-secret
// variant built by Disabled refuses issuance and rejects every token.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// New returns an enabled service. An empty secret or non-positive TTL is a
// configuration error.
func New(secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "csrf secret is required")
	}
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "csrf ttl must be positive")
	}
	return &Service{secret: append([]byte(nil), secret...), ttl: ttl}, nil
}

// Disabled returns a service for deployments without a CSRF secret.
func Disabled() *Service {
	return &Service{}
}

func (s *Service) Enabled() bool {
	return len(s.secret) > 0
}

// Issue mints a token for (submitHash, origin) expiring TTL after the request time.
func (s *Service) Issue(ctx context.Context, submitHash, origin string) (Token, error) {
	if !s.Enabled() {
		return Token{}, ErrNotConfigured
	}
	expiresAt := requestcontext.Now(ctx).Add(s.ttl)
	value, err := Sign(s.secret, submitHash, origin, expiresAt)
	if err != nil {
		return Token{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue csrf token")
	}
	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

// Verify reports whether token is valid for (submitHash, origin) at the
// request time. A disabled service never verifies.
func (s *Service) Verify(ctx context.Context, token, submitHash, origin string) bool {
	if !s.Enabled() {
		return false
	}
	return Check(s.secret, token, submitHash, origin, requestcontext.Now(ctx))
}

// Sign builds a token. Expiry is encoded with millisecond precision.
func Sign(secret []byte, submitHash, origin string, expiresAt time.Time) (string, error) {
	exp := expiresAt.UnixMilli()
	raw, err := json.Marshal(payload{SubmitHash: submitHash, Origin: origin, ExpiresAt: &exp})
	if err != nil {
		return "", err
	}
	encoded := b64.EncodeToString(raw)
	return encoded + "." + signature(secret, encoded), nil
}

// Check verifies signature, binding, and expiry. Every failure is reported as
// false with no further detail.
func Check(secret []byte, token, submitHash, origin string, now time.Time) bool {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return false
	}
	encoded, sig := token[:idx], token[idx+1:]

	expected := signature(secret, encoded)
	if len(sig) != len(expected) {
		return false
	}
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return false
	}

	raw, err := b64.DecodeString(encoded)
	if err != nil {
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	if p.SubmitHash != submitHash || p.Origin != origin {
		return false
	}
	if p.ExpiresAt == nil {
		return false
	}
	return now.UnixMilli() <= *p.ExpiresAt
}

func signature(secret []byte, encodedPayload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(encodedPayload))
	return b64.EncodeToString(mac.Sum(nil))
}
