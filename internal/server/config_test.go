package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":3490", cfg.Port)
	assert.Equal(t, 1024, cfg.MaxFrameSize)
	assert.Equal(t, 16, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("MAX_FRAME_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "32")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("SHUTDOWN_TIMEOUT", "10")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, 2048, cfg.MaxFrameSize)
	assert.Equal(t, 32, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestNewConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_FRAME_SIZE", "not-a-number")
	t.Setenv("RATE_LIMIT_BURST", "-5")

	cfg := NewConfigFromEnv()

	assert.Equal(t, 1024, cfg.MaxFrameSize)
	assert.Equal(t, 16, cfg.RateLimit.Burst)
}

func TestSanitizeConfigRepairsZeroValues(t *testing.T) {
	cfg := sanitizeConfig(Config{})

	assert.Equal(t, ":3490", cfg.Port)
	assert.Equal(t, 1024, cfg.MaxFrameSize)
	assert.Equal(t, 16, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}
