// Package challenge issues and verifies ALTCHA-compatible proof-of-work
// challenges.
//
// A challenge is sha256(salt + n) for a secret n in [0, maxNumber]; the
// client brute-forces n and returns it with the issued fields. The server
// recomputes the hash and the HMAC over it, so no state is kept between
// issuance and verification.
package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	dErrors "formgate/pkg/domain-errors"
	"formgate/pkg/requestcontext"
)

const (
	// AlgorithmSHA256 is the only hash algorithm accepted.
	AlgorithmSHA256 = "SHA-256"

	DefaultMaxNumber int64 = 100_000
	DefaultTTL             = 10 * time.Minute

	saltBytes    = 12
	keyDerivInfo = "formgate challenge v1"
)

// ErrNotConfigured is returned by Issue when the service has no HMAC key.
var ErrNotConfigured = dErrors.New(dErrors.CodeNotConfigured, "proof-of-work challenges are not configured")

// Challenge is the JSON document returned to widgets.
type Challenge struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	MaxNumber int64  `json:"maxnumber"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

// Solution is the decoded client payload.
type Solution struct {
	Algorithm string `json:"algorithm"`
	Challenge string `json:"challenge"`
	Number    int64  `json:"number"`
	Salt      string `json:"salt"`
	Signature string `json:"signature"`
}

type Service struct {
	key       []byte
	maxNumber int64
	ttl       time.Duration
	random    io.Reader
}

type Option func(*Service)

func WithMaxNumber(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxNumber = n
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithRandom replaces the entropy source; tests use it for deterministic salts.
func WithRandom(r io.Reader) Option {
	return func(s *Service) {
		if r != nil {
			s.random = r
		}
	}
}

// New returns a service signing with key. An empty key yields a service that
// refuses issuance and rejects every payload.
func New(key []byte, opts ...Option) *Service {
	s := &Service{
		key:       append([]byte(nil), key...),
		maxNumber: DefaultMaxNumber,
		ttl:       DefaultTTL,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeriveKey expands a master secret into a challenge HMAC key so the CSRF
// secret can be reused without sharing key material between the two MACs.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "secret is required for key derivation")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyDerivInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Service) Enabled() bool {
	return len(s.key) > 0
}

// Issue creates a challenge expiring TTL after the request time.
func (s *Service) Issue(ctx context.Context) (Challenge, error) {
	if !s.Enabled() {
		return Challenge{}, ErrNotConfigured
	}

	raw := make([]byte, saltBytes)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return Challenge{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate challenge salt")
	}
	n, err := rand.Int(s.random, big.NewInt(s.maxNumber+1))
	if err != nil {
		return Challenge{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate challenge number")
	}

	expires := requestcontext.Now(ctx).Add(s.ttl).Unix()
	salt := hex.EncodeToString(raw) + "?expires=" + strconv.FormatInt(expires, 10)
	digest := hashSolution(salt, n.Int64())

	return Challenge{
		Algorithm: AlgorithmSHA256,
		Challenge: digest,
		MaxNumber: s.maxNumber,
		Salt:      salt,
		Signature: s.sign(digest),
	}, nil
}

// Verify decodes a base64 JSON solution and checks algorithm, expiry, the
// hash, and the HMAC binding. Any failure is reported as false.
func (s *Service) Verify(ctx context.Context, payload string) bool {
	if !s.Enabled() {
		return false
	}
	sol, ok := decode(payload)
	if !ok {
		return false
	}
	if sol.Algorithm != AlgorithmSHA256 {
		return false
	}
	if expired(sol.Salt, requestcontext.Now(ctx)) {
		return false
	}
	if sol.Number < 0 || !hmac.Equal([]byte(hashSolution(sol.Salt, sol.Number)), []byte(sol.Challenge)) {
		return false
	}
	return hmac.Equal([]byte(s.sign(sol.Challenge)), []byte(sol.Signature))
}

func (s *Service) sign(digest string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashSolution(salt string, n int64) string {
	sum := sha256.Sum256([]byte(salt + strconv.FormatInt(n, 10)))
	return hex.EncodeToString(sum[:])
}

func decode(payload string) (Solution, bool) {
	payload = strings.TrimSpace(payload)
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(payload)
		if err != nil {
			return Solution{}, false
		}
	}
	var sol Solution
	if err := json.Unmarshal(raw, &sol); err != nil {
		return Solution{}, false
	}
	return sol, true
}

// expired reads the "expires" parameter carried in the salt. Salts without
// one never expire, matching the widget protocol.
func expired(salt string, now time.Time) bool {
	_, query, ok := strings.Cut(salt, "?")
	if !ok {
		return false
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return true
	}
	v := params.Get("expires")
	if v == "" {
		return false
	}
	exp, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return true
	}
	return now.Unix() > exp
}

// Solve brute-forces a challenge and returns the encoded payload a widget
// would submit. Used by tests and the load-test tooling.
func Solve(ch Challenge) (string, bool) {
	for n := int64(0); n <= ch.MaxNumber; n++ {
		if hashSolution(ch.Salt, n) == ch.Challenge {
			raw, err := json.Marshal(Solution{
				Algorithm: ch.Algorithm,
				Challenge: ch.Challenge,
				Number:    n,
				Salt:      ch.Salt,
				Signature: ch.Signature,
			})
			if err != nil {
				return "", false
			}
			return base64.StdEncoding.EncodeToString(raw), true
		}
	}
	return "", false
}
