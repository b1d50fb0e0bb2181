package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env           string
	HTTPPort      string
	MetricsAddr   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GitHubToken   string
	GitHubBaseURL string

	WorkerPollInterval time.Duration
	ClaimBatchSize     int
	MaxAttempts        int
	LeaseTimeout       time.Duration
	BackoffFloor       time.Duration
	BackoffCeiling     time.Duration
	ErrorMaxLen        int

	APIBudgetCapacity int
	APIBudgetRefill   float64
	APIBudgetTTL      time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:           getEnv("APP_ENV", "dev"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		SQLitePath:    getEnv("SQLITE_PATH", "hubsync.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		GitHubToken:   getEnv("GITHUB_TOKEN", ""),
		GitHubBaseURL: getEnv("GITHUB_BASE_URL", ""),

		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		ClaimBatchSize:     getEnvInt("CLAIM_BATCH_SIZE", 5),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 8),
		LeaseTimeout:       getEnvDuration("LEASE_TIMEOUT", 10*time.Minute),
		BackoffFloor:       getEnvDuration("BACKOFF_FLOOR", 5*time.Second),
		BackoffCeiling:     getEnvDuration("BACKOFF_CEILING", 15*time.Minute),
		ErrorMaxLen:        getEnvInt("ERROR_MAX_LEN", 2000),

		APIBudgetCapacity: getEnvInt("API_BUDGET_CAPACITY", 60),
		APIBudgetRefill:   getEnvFloat("API_BUDGET_REFILL_PER_SEC", 1),
		APIBudgetTTL:      getEnvDuration("API_BUDGET_TTL", time.Hour),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
