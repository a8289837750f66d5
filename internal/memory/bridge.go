package memory

import (
	"context"
	"encoding/json"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
)

// FailureRecorder counts fallback failures by operation.
type FailureRecorder interface {
	ObserveFallbackFailure(op string)
}

// Bridge fronts the store with an optional Fallback. The store is
// authoritative; fallback calls are synchronous, bounded by a timeout, and
// their failures are logged and counted but never returned to callers.
// Operations on the same key, local step and mirror included, are serialized.
type Bridge struct {
	locks    *keyLocks
	store    *Store
	fallback Fallback
	timeout  time.Duration
	logger   logging.Logger
	failures FailureRecorder
}

// BridgeStats extends store stats with the fallback backend in use.
type BridgeStats struct {
	Stats
	StorageBackend  string `json:"storage_backend"`
	FallbackBackend string `json:"fallback_backend"`
}

// NewBridge wires store to fallback. A nil fallback means NoopFallback.
func NewBridge(store *Store, fallback Fallback, timeout time.Duration, logger logging.Logger, failures FailureRecorder) *Bridge {
	if fallback == nil {
		fallback = NoopFallback{}
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Bridge{
		locks:    newKeyLocks(),
		store:    store,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger.WithComponent("memory"),
		failures: failures,
	}
}

// Local returns the authoritative store.
func (b *Bridge) Local() *Store {
	return b.store
}

// Store writes to the local store, then mirrors the value.
func (b *Bridge) Store(ctx context.Context, key string, value interface{}, ttl time.Duration) (*StoreResult, error) {
	defer b.locks.Lock(key)()

	res, err := b.store.Store(key, value, ttl)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		b.fail(ctx, "put", key, err)
		return res, nil
	}
	b.call(ctx, "put", key, func(ctx context.Context) error {
		return b.fallback.Put(ctx, key, data, res.TTL)
	})
	return res, nil
}

// Retrieve reads the local store and, on a miss, the fallback. A fallback
// hit is copied back into the local store with its remaining TTL.
func (b *Bridge) Retrieve(ctx context.Context, key string) (*Entry, error) {
	defer b.locks.Lock(key)()

	entry, err := b.store.Retrieve(key)
	if err == nil || !mcperrors.IsKind(err, mcperrors.KindNotFound) {
		return entry, err
	}

	var (
		data      []byte
		remaining time.Duration
		found     bool
	)
	b.call(ctx, "get", key, func(ctx context.Context) error {
		var gerr error
		data, remaining, found, gerr = b.fallback.Get(ctx, key)
		return gerr
	})
	if !found || remaining <= 0 {
		return nil, err
	}

	var value interface{}
	if uerr := json.Unmarshal(data, &value); uerr != nil {
		b.fail(ctx, "get", key, uerr)
		return nil, err
	}

	now := b.store.Now()
	res, serr := b.store.Store(key, value, remaining)
	if serr != nil {
		// Too big for the local store: serve it without caching.
		b.logger.DebugContext(ctx, "fallback value not cached locally", "key", key, "error", serr)
		return &Entry{
			Key:          key,
			Value:        value,
			Size:         entrySize(key, value),
			CreatedAt:    now,
			ExpiresAt:    now.Add(remaining),
			TTLRemaining: remaining,
		}, nil
	}

	b.logger.DebugContext(ctx, "memory entry restored from fallback", "key", key, "ttl_remaining", remaining.String())
	return &Entry{
		Key:          key,
		Value:        value,
		Size:         res.Size,
		CreatedAt:    now,
		ExpiresAt:    res.ExpiresAt,
		TTLRemaining: res.TTL,
	}, nil
}

// Exists reports whether key can be retrieved.
func (b *Bridge) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Retrieve(ctx, key)
	if mcperrors.IsKind(err, mcperrors.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key from both sides. It fails with NotFound only when
// neither side held the key.
func (b *Bridge) Delete(ctx context.Context, key string) error {
	defer b.locks.Lock(key)()

	localErr := b.store.Delete(key)
	if localErr != nil && !mcperrors.IsKind(localErr, mcperrors.KindNotFound) {
		return localErr
	}

	remote := false
	b.call(ctx, "delete", key, func(ctx context.Context) error {
		var derr error
		remote, derr = b.fallback.Delete(ctx, key)
		return derr
	})

	if localErr != nil && !remote {
		return localErr
	}
	return nil
}

// Clear empties both sides and returns the number of live local entries
// removed.
func (b *Bridge) Clear(ctx context.Context) int {
	defer b.locks.LockAll()()

	n := b.store.Clear()
	b.call(ctx, "clear", "", func(ctx context.Context) error {
		_, err := b.fallback.Clear(ctx)
		return err
	})
	return n
}

func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Stats:           b.store.Stats(),
		StorageBackend:  "memory",
		FallbackBackend: b.fallback.Name(),
	}
}

// Close releases the fallback connection.
func (b *Bridge) Close() error {
	return b.fallback.Close()
}

// call runs fn against the fallback with the bridge timeout. The request
// context's cancellation is detached so a committed local write is still
// mirrored when the client goes away.
func (b *Bridge) call(ctx context.Context, op, key string, fn func(context.Context) error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	if err := fn(callCtx); err != nil {
		b.fail(ctx, op, key, err)
	}
}

func (b *Bridge) fail(ctx context.Context, op, key string, cause error) {
	err := mcperrors.Wrap(mcperrors.KindFallbackUnavailable, cause, "fallback "+op+" failed")
	b.logger.WarnContext(ctx, "fallback unavailable",
		"op", op,
		"key", key,
		"backend", b.fallback.Name(),
		"error", err)
	if b.failures != nil {
		b.failures.ObserveFallbackFailure(op)
	}
}
