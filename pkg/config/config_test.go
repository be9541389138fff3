package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "replay.db", cfg.DatabasePath)
	assert.Equal(t, 1000, cfg.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("REPLAY_DB_PATH", "/tmp/timeline.db")
	t.Setenv("REPLAY_TRACE_ID", "trace-9")
	t.Setenv("REPLAY_PAGE_SIZE", "250")
	t.Setenv("REPLAY_SEED", "42")
	t.Setenv("REPLAY_DEDUP_WINDOW", "30s")
	t.Setenv("REPLAY_RATE_LIMIT", "2.5")
	t.Setenv("OTLP_ENDPOINT", "collector:4317")

	cfg := Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/tmp/timeline.db", cfg.DatabasePath)
	assert.Equal(t, "trace-9", cfg.TraceID)
	assert.Equal(t, 250, cfg.PageSize)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 30*time.Second, cfg.DedupWindow)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	t.Setenv("REPLAY_PAGE_SIZE", "lots")
	t.Setenv("REPLAY_DEDUP_WINDOW", "soon")

	cfg := Load()

	assert.Equal(t, 1000, cfg.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
}
