// Package config loads the control plane's runtime configuration from
// the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the control plane reads at startup.
type Config struct {
	HTTPAddr string

	DBHost, DBPort, DBUser, DBPassword, DBName, DBSSLMode string

	RedisHost, RedisPort, RedisPassword string
	RedisDB                             int
	RedisEnabled                        bool

	NATSURL string

	SessionIdleTTL          time.Duration
	SessionWarmupTimeout    time.Duration
	ExtensionDefaultTimeout time.Duration
	SchedulerTick           time.Duration
	SchedulerMissedPolicy   string // "skip-missed" (default) or "fire-once"

	CredentialsEncryptionKey string // any non-empty secret; the server uses its SHA-256 digest as the 32-byte key
	AuthIssuerURL            string
	AuthAudience             string

	LogLevel  string
	LogPretty bool
}

// Load reads Config from the environment, applying documented defaults
// for each option.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "controlplane"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "controlplane"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),

		NATSURL: getEnv("NATS_URL", ""),

		SessionIdleTTL:          getEnvDuration("SESSION_IDLE_TTL", 4*time.Hour),
		SessionWarmupTimeout:    getEnvDuration("SESSION_WARMUP_TIMEOUT", 30*time.Second),
		ExtensionDefaultTimeout: getEnvDuration("EXTENSION_DEFAULT_REQUEST_TIMEOUT", 10*time.Second),
		SchedulerTick:           getEnvDuration("SCHEDULER_TICK", 1*time.Second),
		SchedulerMissedPolicy:   getEnv("SCHEDULER_MISSED_POLICY", "skip-missed"),

		CredentialsEncryptionKey: getEnv("CREDENTIALS_ENCRYPTION_KEY", ""),
		AuthIssuerURL:            getEnv("AUTH_ISSUER_URL", ""),
		AuthAudience:             getEnv("AUTH_AUDIENCE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	if cfg.AuthIssuerURL == "" {
		return nil, fmt.Errorf("AUTH_ISSUER_URL is required")
	}
	if len(cfg.CredentialsEncryptionKey) == 0 {
		return nil, fmt.Errorf("CREDENTIALS_ENCRYPTION_KEY is required")
	}
	if cfg.SchedulerMissedPolicy != "skip-missed" && cfg.SchedulerMissedPolicy != "fire-once" {
		return nil, fmt.Errorf("invalid SCHEDULER_MISSED_POLICY %q", cfg.SchedulerMissedPolicy)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
