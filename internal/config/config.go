// Package config loads process configuration from the environment,
// following navid-fn-radar/server/config's Load-then-getEnv-fallback
// shape: try a .env file via godotenv, then fall back to
// os.LookupEnv with defaults for every option spec §6 names.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every tunable named in spec §6.
type Config struct {
	Port             string
	DatabaseURL      string
	RedisURL         string
	QueueConcurrency int
	MaxRetries       int
	LogLevel         string
	MockSeed         int64
	HasMockSeed      bool
	RateLimit        int
	PingInterval     time.Duration
	PongTimeout      time.Duration
	RequireAuth      bool
	JWTSecret        string
}

// Load reads a .env file if present, then the process environment,
// applying spec §6's defaults for anything unset.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using process environment")
	}

	seed, hasSeed := int64(0), false
	if raw, ok := os.LookupEnv("MOCK_SEED"); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			seed, hasSeed = v, true
		}
	}

	return &Config{
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      getEnv("DATABASE_URL", "orders.db"),
		RedisURL:         getEnv("REDIS_URL", ""),
		QueueConcurrency: getEnvInt("QUEUE_CONCURRENCY", 10),
		MaxRetries:       getEnvInt("MAX_RETRIES", 3),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		MockSeed:         seed,
		HasMockSeed:      hasSeed,
		RateLimit:        getEnvInt("RATE_LIMIT", 30),
		PingInterval:     getEnvDurationMillis("PING_INTERVAL", 20*time.Second),
		PongTimeout:      getEnvDurationMillis("PONG_TIMEOUT", 10*time.Second),
		RequireAuth:      getEnvBool("REQUIRE_AUTH", false),
		JWTSecret:        getEnv("JWT_SECRET", "order-execution-engine-secret"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if raw, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if raw, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return defaultValue
}

// getEnvDurationMillis parses key as a millisecond count (spec §6:
// PING_INTERVAL/PONG_TIMEOUT are documented in milliseconds).
func getEnvDurationMillis(key string, defaultValue time.Duration) time.Duration {
	if raw, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(raw); err == nil {
			return time.Duration(v) * time.Millisecond
		}
	}
	return defaultValue
}
