package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "mcp-resource-server/internal/errors"
)

type fakeRecord struct {
	value []byte
	ttl   time.Duration
}

// fakeFallback is an in-memory Fallback with injectable failures.
type fakeFallback struct {
	mu      sync.Mutex
	records map[string]fakeRecord
	err     error
	delay   time.Duration
	closed  bool
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{records: make(map[string]fakeRecord)}
}

func (f *fakeFallback) wait(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeFallback) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = fakeRecord{value: value, ttl: ttl}
	return nil
}

func (f *fakeFallback) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	if err := f.wait(ctx); err != nil {
		return nil, 0, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	return r.value, r.ttl, ok, nil
}

func (f *fakeFallback) Delete(ctx context.Context, key string) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[key]
	delete(f.records, key)
	return ok, nil
}

func (f *fakeFallback) Clear(ctx context.Context) (int, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.records)
	f.records = make(map[string]fakeRecord)
	return n, nil
}

func (f *fakeFallback) Close() error {
	f.closed = true
	return nil
}

func (f *fakeFallback) Name() string { return "fake" }

func (f *fakeFallback) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[key]
	return ok
}

type failureCounter struct {
	mu  sync.Mutex
	ops map[string]int
}

func (c *failureCounter) ObserveFallbackFailure(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ops == nil {
		c.ops = make(map[string]int)
	}
	c.ops[op]++
}

func (c *failureCounter) get(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops[op]
}

func newTestBridge(fb Fallback, failures FailureRecorder) *Bridge {
	store := NewStore(Config{MaxBytes: 1024, DefaultTTL: time.Hour})
	return NewBridge(store, fb, 100*time.Millisecond, nil, failures)
}

func TestBridge_StoreMirrorsToFallback(t *testing.T) {
	fb := newFakeFallback()
	b := newTestBridge(fb, nil)
	ctx := context.Background()

	res, err := b.Store(ctx, "user", map[string]interface{}{"name": "ada"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, res.TTL)

	fb.mu.Lock()
	rec := fb.records["user"]
	fb.mu.Unlock()
	assert.JSONEq(t, `{"name":"ada"}`, string(rec.value))
	assert.Equal(t, 30*time.Second, rec.ttl)
}

func TestBridge_RetrieveReadsThrough(t *testing.T) {
	fb := newFakeFallback()
	fb.records["warm"] = fakeRecord{value: []byte(`{"n":1}`), ttl: 20 * time.Second}
	b := newTestBridge(fb, nil)
	ctx := context.Background()

	entry, err := b.Retrieve(ctx, "warm")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": float64(1)}, entry.Value)
	assert.Equal(t, 20*time.Second, entry.TTLRemaining)

	assert.True(t, b.Local().Exists("warm"), "fallback hit is cached locally")
}

func TestBridge_RetrieveMissEverywhere(t *testing.T) {
	b := newTestBridge(newFakeFallback(), nil)

	_, err := b.Retrieve(context.Background(), "nothing")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound))

	ok, err := b.Exists(context.Background(), "nothing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBridge_RetrieveUncacheableValue(t *testing.T) {
	fb := newFakeFallback()
	big := `"` + sized(2000) + `"`
	fb.records["big"] = fakeRecord{value: []byte(big), ttl: time.Minute}
	b := newTestBridge(fb, nil)

	entry, err := b.Retrieve(context.Background(), "big")
	require.NoError(t, err)
	assert.Equal(t, sized(2000), entry.Value)
	assert.False(t, b.Local().Exists("big"))
}

func TestBridge_FallbackFailuresAreSwallowed(t *testing.T) {
	fb := newFakeFallback()
	fb.err = errors.New("connection refused")
	failures := &failureCounter{}
	b := newTestBridge(fb, failures)
	ctx := context.Background()

	_, err := b.Store(ctx, "k", "v", time.Minute)
	require.NoError(t, err)

	entry, err := b.Retrieve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", entry.Value)

	_, err = b.Retrieve(ctx, "missing")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound), "fallback error must not replace the local miss")

	require.NoError(t, b.Delete(ctx, "k"))
	assert.Equal(t, 0, b.Clear(ctx))

	assert.Equal(t, 1, failures.get("put"))
	assert.Equal(t, 1, failures.get("get"))
	assert.Equal(t, 1, failures.get("delete"))
	assert.Equal(t, 1, failures.get("clear"))
}

func TestBridge_SlowFallbackIsBounded(t *testing.T) {
	fb := newFakeFallback()
	fb.delay = 5 * time.Second
	failures := &failureCounter{}
	b := newTestBridge(fb, failures)

	start := time.Now()
	_, err := b.Store(context.Background(), "k", "v", time.Minute)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, failures.get("put"))
	assert.True(t, b.Local().Exists("k"))
}

func TestBridge_CanceledRequestStillMirrors(t *testing.T) {
	fb := newFakeFallback()
	b := newTestBridge(fb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Store(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, fb.has("k"))
}

func TestBridge_Delete(t *testing.T) {
	tests := []struct {
		name    string
		local   bool
		remote  bool
		wantErr bool
	}{
		{"both sides", true, true, false},
		{"local only", true, false, false},
		{"remote only", false, true, false},
		{"neither", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeFallback()
			b := newTestBridge(fb, nil)
			ctx := context.Background()

			if tt.local {
				_, err := b.Local().Store("k", "v", time.Minute)
				require.NoError(t, err)
			}
			if tt.remote {
				fb.records["k"] = fakeRecord{value: []byte(`"v"`), ttl: time.Minute}
			}

			err := b.Delete(ctx, "k")
			if tt.wantErr {
				assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound))
			} else {
				assert.NoError(t, err)
			}
			assert.False(t, b.Local().Exists("k"))
			assert.False(t, fb.has("k"))
		})
	}
}

func TestBridge_ClearAndStats(t *testing.T) {
	fb := newFakeFallback()
	b := newTestBridge(fb, nil)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := b.Store(ctx, k, k, time.Minute)
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, 3, stats.KeyCount)
	assert.Equal(t, int64(6), stats.UsedBytes)
	assert.Equal(t, "memory", stats.StorageBackend)
	assert.Equal(t, "fake", stats.FallbackBackend)

	assert.Equal(t, 3, b.Clear(ctx))
	assert.Zero(t, b.Stats().KeyCount)
	assert.False(t, fb.has("a"))

	require.NoError(t, b.Close())
	assert.True(t, fb.closed)
}

func TestBridge_NoFallback(t *testing.T) {
	store := NewStore(Config{MaxBytes: 64, DefaultTTL: time.Minute})
	b := NewBridge(store, nil, time.Second, nil, nil)
	ctx := context.Background()

	_, err := b.Store(ctx, "k", true, 0)
	require.NoError(t, err)

	ok, err := b.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "none", b.Stats().FallbackBackend)
	assert.NoError(t, b.Close())
}

// gatedFallback holds Get open until release is closed.
type gatedFallback struct {
	*fakeFallback
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFallback) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	close(g.entered)
	<-g.release
	return g.fakeFallback.Get(ctx, key)
}

func TestBridge_DeleteWaitsForReadThrough(t *testing.T) {
	fb := &gatedFallback{
		fakeFallback: newFakeFallback(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	fb.records["k"] = fakeRecord{value: []byte(`"old"`), ttl: time.Minute}
	b := NewBridge(NewStore(Config{MaxBytes: 1024, DefaultTTL: time.Hour}), fb, 5*time.Second, nil, nil)
	ctx := context.Background()

	retrieved := make(chan error, 1)
	go func() {
		_, err := b.Retrieve(ctx, "k")
		retrieved <- err
	}()
	<-fb.entered

	deleted := make(chan error, 1)
	go func() { deleted <- b.Delete(ctx, "k") }()

	select {
	case <-deleted:
		t.Fatal("delete finished while a read-through of the same key was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(fb.release)
	require.NoError(t, <-retrieved)
	require.NoError(t, <-deleted)

	assert.False(t, b.Local().Exists("k"))
	assert.False(t, fb.has("k"))
	_, err := b.Retrieve(ctx, "k")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound), "deleted key stays deleted")
	assert.Zero(t, b.locks.held())
}

func TestBridge_ConcurrentStoresMirrorLastLocalWrite(t *testing.T) {
	fb := newFakeFallback()
	b := newTestBridge(fb, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Store(ctx, "k", i, time.Minute)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	local, err := b.Local().Retrieve("k")
	require.NoError(t, err)
	fb.mu.Lock()
	mirrored := string(fb.records["k"].value)
	fb.mu.Unlock()
	assert.JSONEq(t, mirrored, mustMarshal(t, local.Value))
}

func TestBridge_RestoredEntryUsesStoreClock(t *testing.T) {
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	fb := newFakeFallback()
	fb.records["k"] = fakeRecord{value: []byte(`"v"`), ttl: time.Minute}
	store := NewStore(Config{MaxBytes: 1024, DefaultTTL: time.Hour}, WithClock(func() time.Time { return fixed }))
	b := NewBridge(store, fb, time.Second, nil, nil)

	entry, err := b.Retrieve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, fixed, entry.CreatedAt)
	assert.Equal(t, fixed.Add(time.Minute), entry.ExpiresAt)
}

func mustMarshal(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
