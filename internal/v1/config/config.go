package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	TokenSigningKey string
	DatabaseURL     string
	Port            string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Identity provider (OIDC). When empty, the HS256 validator backed by
	// TokenSigningKey is used instead.
	OIDCDomain      string
	OIDCAudience    string
	DevelopmentMode bool
	AllowedOrigins  string

	// Meeting runtime timing knobs
	HeartbeatCadence    time.Duration // expected client heartbeat interval
	HeartbeatDBCoalesce time.Duration // min interval between lastSeenAt persistence writes
	HeartbeatGrace      time.Duration // per-participant watchdog timeout
	StaleSweep          time.Duration // sweeper stale threshold
	HandRaiseTTL        time.Duration // hand-raise auto-expiry
	SFUTokenTTL         time.Duration // SFU access-token lifetime
	InviteCodeLen       int           // invite-code length

	// Recording file store (S3-compatible, optional)
	RecordingsBucket    string
	RecordingsEndpoint  string
	RecordingsAccessKey string
	RecordingsSecretKey string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIMeetings string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: TOKEN_SIGNING_KEY (minimum 32 characters)
	cfg.TokenSigningKey = os.Getenv("TOKEN_SIGNING_KEY")
	if cfg.TokenSigningKey == "" {
		errs = append(errs, "TOKEN_SIGNING_KEY is required")
	} else if len(cfg.TokenSigningKey) < 32 {
		errs = append(errs, fmt.Sprintf("TOKEN_SIGNING_KEY must be at least 32 characters (got %d)", len(cfg.TokenSigningKey)))
	}

	// Required: DATABASE_URL
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.OIDCDomain = os.Getenv("OIDC_DOMAIN")
	cfg.OIDCAudience = os.Getenv("OIDC_AUDIENCE")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Timing knobs. Seconds in the environment, durations in the config.
	cfg.HeartbeatCadence = secondsOrDefault(&errs, "HEARTBEAT_CADENCE_SEC", 10)
	cfg.HeartbeatDBCoalesce = secondsOrDefault(&errs, "HEARTBEAT_DB_COALESCE_SEC", 30)
	cfg.HeartbeatGrace = secondsOrDefault(&errs, "HEARTBEAT_GRACE_SEC", 45)
	cfg.StaleSweep = secondsOrDefault(&errs, "STALE_SWEEP_SEC", 150)
	cfg.HandRaiseTTL = secondsOrDefault(&errs, "HAND_RAISE_TTL_SEC", 120)
	cfg.SFUTokenTTL = secondsOrDefault(&errs, "SFU_TOKEN_TTL_SEC", 3600)

	if cfg.HeartbeatGrace >= cfg.StaleSweep {
		errs = append(errs, "HEARTBEAT_GRACE_SEC must be smaller than STALE_SWEEP_SEC")
	}

	cfg.InviteCodeLen = intOrDefault(&errs, "INVITE_CODE_LEN", 8)

	// Recording file store (all optional; storage is disabled when bucket is empty)
	cfg.RecordingsBucket = os.Getenv("RECORDINGS_BUCKET")
	cfg.RecordingsEndpoint = os.Getenv("RECORDINGS_ENDPOINT")
	cfg.RecordingsAccessKey = os.Getenv("RECORDINGS_ACCESS_KEY")
	cfg.RecordingsSecretKey = os.Getenv("RECORDINGS_SECRET_KEY")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIMeetings = getEnvOrDefault("RATE_LIMIT_API_MEETINGS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// secondsOrDefault reads an integer-seconds env var as a time.Duration.
func secondsOrDefault(errs *[]string, key string, def int) time.Duration {
	return time.Duration(intOrDefault(errs, key, def)) * time.Second
}

func intOrDefault(errs *[]string, key string, def int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return def
	}
	return v
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// RedactSecret redacts a secret by showing only the first 8 characters
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
