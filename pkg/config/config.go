// Package config loads daemon configuration from environment variables
// and optional YAML run profiles.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	LogLevel       string
	DatabasePath   string
	EventsFile     string
	TraceID        string
	Seed           int64
	PageSize       int
	ToSlot         int64
	DedupWindow    time.Duration
	RateLimit      float64 // pages per second, 0 disables throttling
	RedisAddr      string  // empty selects the in-memory dedup store
	OTLPEndpoint   string
	MetricsEnabled bool
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("REPLAY_DB_PATH")
	if dbPath == "" {
		dbPath = "replay.db"
	}

	dedupWindow := 5 * time.Minute
	if v := os.Getenv("REPLAY_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			dedupWindow = d
		}
	}

	return &Config{
		LogLevel:       logLevel,
		DatabasePath:   dbPath,
		EventsFile:     os.Getenv("REPLAY_EVENTS_FILE"),
		TraceID:        os.Getenv("REPLAY_TRACE_ID"),
		Seed:           envInt64("REPLAY_SEED", 0),
		PageSize:       int(envInt64("REPLAY_PAGE_SIZE", 1000)),
		ToSlot:         envInt64("REPLAY_TO_SLOT", 0),
		DedupWindow:    dedupWindow,
		RateLimit:      envFloat("REPLAY_RATE_LIMIT", 0),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		MetricsEnabled: os.Getenv("OTLP_ENDPOINT") != "",
	}
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
