// Package config loads and validates application configuration.
//
// Values are resolved in order: built-in defaults, an optional TOML file named
// by HATCHERY_CONFIG_FILE, then environment variables. Validate runs last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int           `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// Store settings. DatabaseURL selects Postgres; otherwise SQLitePath is used.
	DatabaseURL      string `toml:"database_url"`
	DatabaseMaxConns int    `toml:"database_max_conns"`
	SQLitePath       string `toml:"sqlite_path"`

	// Redis settings. When set, trial leases are held in Redis.
	RedisURL string        `toml:"redis_url"`
	LeaseTTL time.Duration `toml:"lease_ttl"`

	// JWT settings.
	JWTPrivateKeyPath string        `toml:"jwt_private_key"` // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string        `toml:"jwt_public_key"`  // Path to Ed25519 public key PEM file.
	AccessTokenTTL    time.Duration `toml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `toml:"refresh_token_ttl"`

	// Credentials exchanged for tokens at POST /auth/token.
	AdminAPIKey string `toml:"admin_api_key"`
	APIKeys     string `toml:"api_keys"` // subject:key:scope|scope,...

	// Dependency services.
	AgentServiceURL        string        `toml:"agent_service_url"`
	EconomyServiceURL      string        `toml:"economy_service_url"`
	WorkflowServiceURL     string        `toml:"workflow_service_url"` // Optional.
	ServiceToken           string        `toml:"service_token"`
	EvolveDeadline         time.Duration `toml:"evolve_deadline"`
	MutationDeadline       time.Duration `toml:"mutation_deadline"`
	ReadDeadline           time.Duration `toml:"read_deadline"`
	ForceIdempotentConsume bool          `toml:"force_idempotent_consume"`

	// Circuit breaker settings.
	BreakerThreshold   int           `toml:"breaker_threshold"`
	BreakerWindow      time.Duration `toml:"breaker_window"`
	BreakerBaseBackoff time.Duration `toml:"breaker_base_backoff"`
	BreakerMaxBackoff  time.Duration `toml:"breaker_max_backoff"`
	ProbeInterval      time.Duration `toml:"probe_interval"`

	// Coordinator settings.
	MaxRetries       int           `toml:"max_retries"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	OpenBreakerGrace time.Duration `toml:"open_breaker_grace"`
	DiversityFloor   float64       `toml:"diversity_floor"`
	DiversityWindow  int           `toml:"diversity_window"`
	ReclaimInterval  time.Duration `toml:"reclaim_interval"`
	SubscriberBuffer int           `toml:"subscriber_buffer"`

	// Idempotency-Key replay records for POST /trials.
	IdempotencyTTL           time.Duration `toml:"idempotency_ttl"`
	IdempotencyInProgressTTL time.Duration `toml:"idempotency_in_progress_ttl"`

	// Rate limiting for trial creation and auth endpoints.
	RateLimitEnabled bool    `toml:"rate_limit_enabled"`
	RateLimitRPS     float64 `toml:"rate_limit_rps"`
	RateLimitBurst   int     `toml:"rate_limit_burst"`

	// OTEL settings.
	OTELEndpoint string `toml:"otel_endpoint"`
	OTELInsecure bool   `toml:"otel_insecure"`
	ServiceName  string `toml:"service_name"`

	// Operational settings.
	LogLevel            string `toml:"log_level"`
	MaxRequestBodyBytes int64  `toml:"max_request_body_bytes"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    90 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		DatabaseMaxConns: 20,
		SQLitePath:       "hatchery.db",
		LeaseTTL:         30 * time.Second,

		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,

		AgentServiceURL:   "http://localhost:8081",
		EconomyServiceURL: "http://localhost:8082",
		EvolveDeadline:    60 * time.Second,
		MutationDeadline:  30 * time.Second,
		ReadDeadline:      10 * time.Second,

		BreakerThreshold:   5,
		BreakerWindow:      60 * time.Second,
		BreakerBaseBackoff: time.Second,
		BreakerMaxBackoff:  60 * time.Second,
		ProbeInterval:      5 * time.Second,

		MaxRetries:       3,
		RetryBaseDelay:   200 * time.Millisecond,
		OpenBreakerGrace: 2 * time.Minute,
		DiversityFloor:   0.1,
		DiversityWindow:  3,
		ReclaimInterval:  30 * time.Second,
		SubscriberBuffer: 64,

		IdempotencyTTL:           24 * time.Hour,
		IdempotencyInProgressTTL: 10 * time.Minute,

		RateLimitEnabled: true,
		RateLimitRPS:     5,
		RateLimitBurst:   20,

		ServiceName:         "hatchery",
		LogLevel:            "info",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	}
}

// Load resolves configuration from defaults, the optional TOML file and the
// environment. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("HATCHERY_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		*dst = envStr(key, *dst)
	}
	num := func(key string, dst *int) {
		v, err := envInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := envDuration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flag := func(key string, dst *bool) {
		v, err := envBool(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	float := func(key string, dst *float64) {
		v, err := envFloat(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	num("HATCHERY_PORT", &cfg.Port)
	dur("HATCHERY_READ_TIMEOUT", &cfg.ReadTimeout)
	dur("HATCHERY_WRITE_TIMEOUT", &cfg.WriteTimeout)
	dur("HATCHERY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	str("DATABASE_URL", &cfg.DatabaseURL)
	num("HATCHERY_DATABASE_MAX_CONNS", &cfg.DatabaseMaxConns)
	str("HATCHERY_SQLITE_PATH", &cfg.SQLitePath)
	str("REDIS_URL", &cfg.RedisURL)
	dur("HATCHERY_LEASE_TTL", &cfg.LeaseTTL)

	str("HATCHERY_JWT_PRIVATE_KEY", &cfg.JWTPrivateKeyPath)
	str("HATCHERY_JWT_PUBLIC_KEY", &cfg.JWTPublicKeyPath)
	dur("HATCHERY_ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL)
	dur("HATCHERY_REFRESH_TOKEN_TTL", &cfg.RefreshTokenTTL)
	str("HATCHERY_ADMIN_API_KEY", &cfg.AdminAPIKey)
	str("HATCHERY_API_KEYS", &cfg.APIKeys)

	str("AGENT_SERVICE_URL", &cfg.AgentServiceURL)
	str("ECONOMY_SERVICE_URL", &cfg.EconomyServiceURL)
	str("WORKFLOW_SERVICE_URL", &cfg.WorkflowServiceURL)
	str("HATCHERY_SERVICE_TOKEN", &cfg.ServiceToken)
	dur("HATCHERY_EVOLVE_DEADLINE", &cfg.EvolveDeadline)
	dur("HATCHERY_MUTATION_DEADLINE", &cfg.MutationDeadline)
	dur("HATCHERY_READ_DEADLINE", &cfg.ReadDeadline)
	flag("HATCHERY_FORCE_IDEMPOTENT_CONSUME", &cfg.ForceIdempotentConsume)

	num("HATCHERY_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	dur("HATCHERY_BREAKER_WINDOW", &cfg.BreakerWindow)
	dur("HATCHERY_BREAKER_BASE_BACKOFF", &cfg.BreakerBaseBackoff)
	dur("HATCHERY_BREAKER_MAX_BACKOFF", &cfg.BreakerMaxBackoff)
	dur("HATCHERY_PROBE_INTERVAL", &cfg.ProbeInterval)

	num("HATCHERY_MAX_RETRIES", &cfg.MaxRetries)
	dur("HATCHERY_RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	dur("HATCHERY_OPEN_BREAKER_GRACE", &cfg.OpenBreakerGrace)
	float("HATCHERY_DIVERSITY_FLOOR", &cfg.DiversityFloor)
	num("HATCHERY_DIVERSITY_WINDOW", &cfg.DiversityWindow)
	dur("HATCHERY_RECLAIM_INTERVAL", &cfg.ReclaimInterval)
	num("HATCHERY_SUBSCRIBER_BUFFER", &cfg.SubscriberBuffer)
	dur("HATCHERY_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	dur("HATCHERY_IDEMPOTENCY_IN_PROGRESS_TTL", &cfg.IdempotencyInProgressTTL)

	flag("HATCHERY_RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	float("HATCHERY_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	num("HATCHERY_RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTELEndpoint)
	flag("HATCHERY_OTEL_INSECURE", &cfg.OTELInsecure)
	str("OTEL_SERVICE_NAME", &cfg.ServiceName)
	str("HATCHERY_LOG_LEVEL", &cfg.LogLevel)
	maxBody := int(cfg.MaxRequestBodyBytes)
	num("HATCHERY_MAX_REQUEST_BODY_BYTES", &maxBody)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "HATCHERY_PORT must be between 1 and 65535")
	check(c.DatabaseURL != "" || c.SQLitePath != "", "one of DATABASE_URL or HATCHERY_SQLITE_PATH is required")
	check(c.AgentServiceURL != "", "AGENT_SERVICE_URL is required")
	check(c.EconomyServiceURL != "", "ECONOMY_SERVICE_URL is required")
	check(c.AccessTokenTTL > 0, "HATCHERY_ACCESS_TOKEN_TTL must be positive")
	check(c.RefreshTokenTTL >= c.AccessTokenTTL, "HATCHERY_REFRESH_TOKEN_TTL must not be shorter than the access token TTL")
	check(c.EvolveDeadline > 0 && c.MutationDeadline > 0 && c.ReadDeadline > 0, "service deadlines must be positive")
	check(c.BreakerThreshold > 0, "HATCHERY_BREAKER_THRESHOLD must be positive")
	check(c.BreakerWindow > 0, "HATCHERY_BREAKER_WINDOW must be positive")
	check(c.BreakerBaseBackoff > 0 && c.BreakerMaxBackoff >= c.BreakerBaseBackoff,
		"breaker backoff must be positive with max >= base")
	check(c.MaxRetries >= 0, "HATCHERY_MAX_RETRIES must not be negative")
	check(c.OpenBreakerGrace >= 0, "HATCHERY_OPEN_BREAKER_GRACE must not be negative")
	check(c.DiversityFloor >= 0 && c.DiversityFloor <= 1, "HATCHERY_DIVERSITY_FLOOR must be within [0, 1]")
	check(c.DiversityWindow > 0, "HATCHERY_DIVERSITY_WINDOW must be positive")
	check(c.SubscriberBuffer >= 2, "HATCHERY_SUBSCRIBER_BUFFER must be at least 2")
	check(c.LeaseTTL >= time.Second, "HATCHERY_LEASE_TTL must be at least 1s")
	check(c.ReclaimInterval > 0, "HATCHERY_RECLAIM_INTERVAL must be positive")
	check(c.ProbeInterval > 0, "HATCHERY_PROBE_INTERVAL must be positive")
	check(c.IdempotencyTTL > 0, "HATCHERY_IDEMPOTENCY_TTL must be positive")
	check(c.IdempotencyInProgressTTL > 0, "HATCHERY_IDEMPOTENCY_IN_PROGRESS_TTL must be positive")
	check(!c.RateLimitEnabled || (c.RateLimitRPS > 0 && c.RateLimitBurst > 0),
		"rate limit rps and burst must be positive when enabled")
	check(c.MaxRequestBodyBytes > 0, "HATCHERY_MAX_REQUEST_BODY_BYTES must be positive")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
