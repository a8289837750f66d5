package ratelimit

import (
	"context"
	"fmt"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
)

// Limiter decides whether one more request from identity is admitted.
type Limiter interface {
	Check(ctx context.Context, identity string) (*LimitResult, error)
	// Run performs periodic housekeeping until ctx is done.
	Run(ctx context.Context) error
	Close() error
	Name() string
}

// LimitResult represents the result of a rate limit check
type LimitResult struct {
	Allowed    bool          `json:"allowed"`
	Count      int           `json:"count"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetTime  time.Time     `json:"reset_time"`
	Key        string        `json:"key"`
	Window     time.Duration `json:"window"`

	IsFirstRequest bool `json:"is_first_request"`
}

// Err returns nil for an admitted request and a RateLimited error
// carrying limit, window, retry_after and remaining otherwise.
func (r *LimitResult) Err() error {
	if r.Allowed {
		return nil
	}
	return mcperrors.Newf(mcperrors.KindRateLimited,
		"rate limit of %d requests per %s exceeded", r.Limit, r.Window).
		With("limit", r.Limit).
		With("window", r.Window).
		With("retry_after", r.RetryAfter).
		With("remaining", r.Remaining)
}

// New builds the limiter selected by cfg.Backend.
func New(ctx context.Context, cfg *Config) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Backend == BackendRedis {
		return NewRedisLimiter(ctx, cfg)
	}
	return NewFixedWindow(cfg), nil
}

func newResult(key string, count, limit int, window time.Duration, reset, now time.Time) *LimitResult {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := &LimitResult{
		Allowed:        count <= limit,
		Count:          count,
		Limit:          limit,
		Remaining:      remaining,
		ResetTime:      reset,
		Key:            key,
		Window:         window,
		IsFirstRequest: count == 1,
	}
	if !res.Allowed {
		res.RetryAfter = reset.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}
