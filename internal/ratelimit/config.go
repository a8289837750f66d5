// Package ratelimit provides fixed window rate limiting per caller
// identity, in process or shared through Redis.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the rate limiting configuration
type Config struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`

	Backend   string `json:"backend" yaml:"backend"`
	RedisURL  string `json:"redis_url" yaml:"redis_url"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// CleanupInterval controls how often idle in-process windows are
	// dropped. Zero means once per Window.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns a default rate limiting configuration
func DefaultConfig() *Config {
	return &Config{
		Limit:     100,
		Window:    time.Minute,
		Backend:   BackendMemory,
		KeyPrefix: "mcp:rl:",
	}
}

// Validate validates the rate limiting configuration
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("limit must be positive")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	switch c.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis backend requires a redis url")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.Backend)
	}
	return nil
}

func (c *Config) cleanupInterval() time.Duration {
	if c.CleanupInterval > 0 {
		return c.CleanupInterval
	}
	return c.Window
}
