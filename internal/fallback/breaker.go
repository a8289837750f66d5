package fallback

import (
	"context"
	"time"

	"mcp-resource-server/internal/circuitbreaker"
	"mcp-resource-server/internal/memory"
)

// Breaker short-circuits calls to a fallback that keeps failing, so a dead
// Redis or database costs one timeout per cooldown instead of one per call.
type Breaker struct {
	next    memory.Fallback
	breaker *circuitbreaker.CircuitBreaker
}

// WithBreaker wraps fb. The no-op fallback is returned unchanged.
func WithBreaker(fb memory.Fallback, cfg *circuitbreaker.Config) memory.Fallback {
	if _, ok := fb.(memory.NoopFallback); ok {
		return fb
	}
	return &Breaker{next: fb, breaker: circuitbreaker.New(cfg)}
}

func (b *Breaker) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.next.Put(ctx, key, value, ttl)
	})
}

func (b *Breaker) Get(ctx context.Context, key string) (value []byte, ttl time.Duration, found bool, err error) {
	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		var gerr error
		value, ttl, found, gerr = b.next.Get(ctx, key)
		return gerr
	})
	return value, ttl, found, err
}

func (b *Breaker) Delete(ctx context.Context, key string) (deleted bool, err error) {
	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		var derr error
		deleted, derr = b.next.Delete(ctx, key)
		return derr
	})
	return deleted, err
}

func (b *Breaker) Clear(ctx context.Context) (n int, err error) {
	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		n, cerr = b.next.Clear(ctx)
		return cerr
	})
	return n, err
}

func (b *Breaker) Close() error { return b.next.Close() }

func (b *Breaker) Name() string { return b.next.Name() }

// State reports the breaker state for health checks.
func (b *Breaker) State() circuitbreaker.State { return b.breaker.State() }
