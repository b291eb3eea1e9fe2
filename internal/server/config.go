package server

import (
	"os"
	"strconv"
	"time"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port            string
	MaxFrameSize    int
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:         ":3490",
		MaxFrameSize: 1024,
		RateLimit: RateLimitConfig{
			Burst:          16,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":3490"
	}

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 1024
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 16
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	// Load MAX_FRAME_SIZE
	if maxSize := os.Getenv("MAX_FRAME_SIZE"); maxSize != "" {
		cfg.MaxFrameSize = parseIntValue(maxSize, cfg.MaxFrameSize)
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSecondsValue(interval, cfg.RateLimit.RefillInterval)
	}

	// Load SHUTDOWN_TIMEOUT
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSecondsValue(timeout, cfg.ShutdownTimeout)
	}

	return &cfg
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSecondsValue(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
