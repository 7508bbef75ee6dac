package config

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"formgate/internal/admission/settings"
	"formgate/pkg/platform/middleware/metadata"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	defaultCSRFTTL        = 30 * time.Minute
	defaultMaxBodyBytes   = 5 << 20
	defaultChallengeMax   = 100_000
	defaultChallengeTTL   = 10 * time.Minute
	defaultTopic          = "formgate.integration-jobs"
	defaultSweepInterval  = 5 * time.Minute
	ephemeralSecretLength = 32
)

// CSRF is either enabled with a secret or disabled. There is no default
// secret: a disabled service rejects issuance and CSRF-protected forms.
type CSRF struct {
	Enabled   bool
	Secret    []byte
	TTL       time.Duration
	Ephemeral bool
}

// Challenge configures the proof-of-work gate. An empty key means the key is
// derived from the CSRF secret, and with neither the gate is off.
type Challenge struct {
	HMACKey   []byte
	MaxNumber int64         `validate:"min=1"`
	TTL       time.Duration `validate:"min=1s"`
}

// Config is built once at startup and passed explicitly to every component.
type Config struct {
	Addr          string        `validate:"required"`
	Environment   string        `validate:"required"`
	LogLevel      string        `validate:"omitempty,oneof=debug info warn error"`
	MaxBodyBytes  int64         `validate:"min=1"`
	Topic         string        `validate:"required"`
	SweepInterval time.Duration `validate:"min=1s"`
	CSRF          CSRF
	Challenge     Challenge
	DatabaseURL   string
	RedisURL      string
	KafkaBrokers  []string

	// MigrateOnStart applies the embedded schema before serving.
	MigrateOnStart bool

	// AdminJWTSecret mounts the admin surface when non-empty.
	AdminJWTSecret string
	SeedDemoData   bool
	TrustedProxies []netip.Prefix
	Defaults       settings.Defaults

	// Warnings collects values that were ignored in favour of defaults. The
	// logger is configured from this struct so they are reported afterwards.
	Warnings []string
}

func (c Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// FromEnv loads .env (if any) and then reads the process environment.
func FromEnv() (Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional
	return Load(os.Getenv)
}

// Load builds a Config from the given lookup function.
func Load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}

	cfg := Config{
		Addr:           r.str("FORMGATE_ADDR", ":8080"),
		Environment:    strings.ToLower(r.str("ENVIRONMENT", EnvProduction)),
		LogLevel:       strings.ToLower(r.str("LOG_LEVEL", "info")),
		MaxBodyBytes:   r.int64("MAX_BODY_BYTES", defaultMaxBodyBytes),
		DatabaseURL:    getenv("DATABASE_URL"),
		RedisURL:       getenv("REDIS_URL"),
		KafkaBrokers:   r.list("KAFKA_BROKERS"),
		Topic:          r.str("INTEGRATION_TOPIC", defaultTopic),
		SweepInterval:  r.duration("THROTTLE_SWEEP_INTERVAL", defaultSweepInterval),
		AdminJWTSecret: getenv("ADMIN_JWT_SECRET"),
		SeedDemoData:   r.bool("SEED_DEMO_DATA", false),
		MigrateOnStart: r.bool("DATABASE_MIGRATE", false),
		Defaults:       r.defaults(),
		Challenge: Challenge{
			HMACKey:   []byte(getenv("CHALLENGE_HMAC_KEY")),
			MaxNumber: r.int64("CHALLENGE_MAX_NUMBER", defaultChallengeMax),
			TTL:       r.duration("CHALLENGE_TTL", defaultChallengeTTL),
		},
	}

	proxies, err := metadata.ParseTrustedProxies(getenv("TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, err
	}
	cfg.TrustedProxies = proxies

	csrfCfg, err := r.csrf(cfg.Environment)
	if err != nil {
		return Config{}, err
	}
	cfg.CSRF = csrfCfg
	cfg.Warnings = r.warnings

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type reader struct {
	getenv   func(string) string
	warnings []string
}

func (r *reader) warn(key, value string) {
	r.warnings = append(r.warnings, fmt.Sprintf("ignoring invalid %s=%q, using default", key, value))
}

func (r *reader) str(key, fallback string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *reader) int64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		r.warn(key, raw)
		return fallback
	}
	return v
}

func (r *reader) int(key string, fallback int) int {
	return int(r.int64(key, int64(fallback)))
}

func (r *reader) bool(key string, fallback bool) bool {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.warn(key, raw)
		return fallback
	}
	return v
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(r.getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	r.warn(key, raw)
	return fallback
}

func (r *reader) list(key string) []string {
	var out []string
	for part := range strings.SplitSeq(r.getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) defaults() settings.Defaults {
	d := settings.BuiltinDefaults()
	d.RateLimitMaxRequests = r.int("DEFAULT_RATE_LIMIT_MAX_REQUESTS", d.RateLimitMaxRequests)
	d.RateLimitWindowSeconds = r.int("DEFAULT_RATE_LIMIT_WINDOW_SECONDS", d.RateLimitWindowSeconds)
	d.RateLimitMaxRequestsPerHour = r.int("DEFAULT_RATE_LIMIT_MAX_PER_HOUR", d.RateLimitMaxRequestsPerHour)
	d.MinTimeBetweenSubmissionsSeconds = r.int("DEFAULT_MIN_SECONDS_BETWEEN", d.MinTimeBetweenSubmissionsSeconds)
	d.MaxRequestSizeBytes = r.int64("DEFAULT_MAX_REQUEST_BYTES", d.MaxRequestSizeBytes)
	return d
}

func (r *reader) csrf(environment string) (CSRF, error) {
	ttl := time.Duration(r.int("CSRF_TTL_MINUTES", int(defaultCSRFTTL/time.Minute))) * time.Minute
	if secret := r.getenv("CSRF_SECRET"); secret != "" {
		return CSRF{Enabled: true, Secret: []byte(secret), TTL: ttl}, nil
	}
	if environment != EnvDevelopment {
		r.warnings = append(r.warnings, "CSRF_SECRET is not set, CSRF protection is disabled")
		return CSRF{TTL: ttl}, nil
	}

	secret := make([]byte, ephemeralSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return CSRF{}, fmt.Errorf("generate ephemeral csrf secret: %w", err)
	}
	r.warnings = append(r.warnings, "CSRF_SECRET is not set, using an ephemeral secret; tokens will not survive a restart")
	return CSRF{Enabled: true, Secret: secret, TTL: ttl, Ephemeral: true}, nil
}
