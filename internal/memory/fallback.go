package memory

import (
	"context"
	"time"
)

// Fallback is a best-effort secondary cache mirroring the store. Values are
// opaque JSON documents. Implementations must honor ctx deadlines.
type Fallback interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and its remaining TTL; found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, found bool, err error)
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) (int, error)
	Close() error
	Name() string
}

// NoopFallback is used when no secondary cache is configured.
type NoopFallback struct{}

func (NoopFallback) Put(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopFallback) Get(context.Context, string) ([]byte, time.Duration, bool, error) {
	return nil, 0, false, nil
}

func (NoopFallback) Delete(context.Context, string) (bool, error) { return false, nil }
func (NoopFallback) Clear(context.Context) (int, error)           { return 0, nil }
func (NoopFallback) Close() error                                 { return nil }
func (NoopFallback) Name() string                                 { return "none" }
