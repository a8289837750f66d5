package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares fixed windows between server instances. The window
// opens with the first INCR and closes when its key expires.
type RedisLimiter struct {
	client *redis.Client
	cfg    *Config
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter creates a new Redis-backed rate limiter
func NewRedisLimiter(ctx context.Context, cfg *Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return newRedisLimiter(ctx, redis.NewClient(opts), cfg)
}

func newRedisLimiter(ctx context.Context, client *redis.Client, cfg *Config) (*RedisLimiter, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(fixedWindowScript),
		now:    time.Now,
	}, nil
}

// Check counts the request against identity's shared window.
func (rl *RedisLimiter) Check(ctx context.Context, identity string) (*LimitResult, error) {
	result, err := rl.script.Run(ctx, rl.client, []string{rl.cfg.KeyPrefix + identity},
		rl.cfg.Window.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("fixed window script failed: %w", err)
	}

	count, ttl, err := parseScriptResult(result)
	if err != nil {
		return nil, err
	}

	now := rl.now()
	return newResult(identity, count, rl.cfg.Limit, rl.cfg.Window, now.Add(ttl), now), nil
}

func parseScriptResult(result interface{}) (int, time.Duration, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) < 2 {
		return 0, 0, fmt.Errorf("invalid script result format")
	}

	count, err := strconv.Atoi(fmt.Sprintf("%v", values[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse count: %w", err)
	}
	ttlMS, err := strconv.ParseInt(fmt.Sprintf("%v", values[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse ttl: %w", err)
	}
	if ttlMS < 0 {
		ttlMS = 0
	}
	return count, time.Duration(ttlMS) * time.Millisecond, nil
}

// Run has nothing to do; Redis expires windows itself.
func (rl *RedisLimiter) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}

func (rl *RedisLimiter) Name() string { return BackendRedis }

const fixedWindowScript = `
-- KEYS[1]: window key
-- ARGV[1]: window in milliseconds
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`
