// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	DBPath   string
	LogLevel string

	JWTSecret   string
	RedisURL    string // empty disables join rate limiting
	CORSOrigins []string

	// EnableScenarios mounts the demo loaders, which wipe the database.
	EnableScenarios bool

	AuditInterval time.Duration // 0 disables the auditor

	LedgerChunkSize   int
	LedgerMaxTxWrites int

	JoinRateLimit  int // 0 disables join rate limiting
	JoinRateWindow time.Duration
}

const devJWTSecret = "classfund-dev-secret"

// Load reads configuration from environment variables.
// In development, it loads from .env file if present. ENV defaults to
// production; the local JWT secret is only used with ENV=development.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "production"),
		DBPath:    getEnv("DB_PATH", "classfund.db"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		RedisURL:  os.Getenv("REDIS_URL"),
	}

	for _, origin := range strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	var err error
	if cfg.AuditInterval, err = getDuration("AUDIT_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.JoinRateWindow, err = getDuration("JOIN_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.LedgerChunkSize, err = getInt("LEDGER_CHUNK_SIZE", 400); err != nil {
		return nil, err
	}
	if cfg.LedgerMaxTxWrites, err = getInt("LEDGER_MAX_TX_WRITES", 500); err != nil {
		return nil, err
	}
	if cfg.JoinRateLimit, err = getInt("JOIN_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.EnableScenarios, err = getBool("ENABLE_SCENARIOS", false); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET is required unless ENV=development (ENV=%q)", cfg.Env)
		}
		cfg.JWTSecret = devJWTSecret
	}
	if cfg.EnableScenarios && !cfg.IsDevelopment() {
		return nil, fmt.Errorf("ENABLE_SCENARIOS requires ENV=development (ENV=%q)", cfg.Env)
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// JoinRateLimited reports whether join attempts should be throttled.
func (c *Config) JoinRateLimited() bool {
	return c.RedisURL != "" && c.JoinRateLimit > 0 && c.JoinRateWindow > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, value)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration, got %q", key, value)
	}
	return d, nil
}
