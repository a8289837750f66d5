package dispatch

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
	"mcp-resource-server/internal/memory"
	"mcp-resource-server/internal/metrics"
	"mcp-resource-server/internal/ratelimit"
	"mcp-resource-server/internal/sandbox"
	"mcp-resource-server/internal/security"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	d       *Dispatcher
	root    string
	clock   *testClock
	audit   *security.AuditLogger
	metrics *metrics.Metrics
}

type fixtureOptions struct {
	limit       int
	maxFileSize int64
	memoryMax   int64
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 1000
	}
	if opts.maxFileSize == 0 {
		opts.maxFileSize = 1024
	}
	if opts.memoryMax == 0 {
		opts.memoryMax = 4096
	}

	root := t.TempDir()
	guard, err := sandbox.NewGuard(root, []string{".txt", ".json", ".bin"}, []string{"*.key"})
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := metrics.New()
	store := memory.NewStore(memory.Config{MaxBytes: opts.memoryMax, DefaultTTL: time.Hour},
		memory.WithClock(clock.Now), memory.WithObserver(m))
	logger := logging.NewNoOpLogger()
	audit := security.NewAuditLogger(logger, m, 10)

	d := New(Deps{
		Files:   sandbox.NewGateway(guard, opts.maxFileSize, logger),
		Memory:  memory.NewBridge(store, nil, time.Second, logger, m),
		Limiter: ratelimit.NewFixedWindow(&ratelimit.Config{Limit: opts.limit, Window: time.Minute}),
		Audit:   audit,
		Metrics: m,
		Logger:  logger,
	})
	return &fixture{d: d, root: guard.Root(), clock: clock, audit: audit, metrics: m}
}

func (f *fixture) call(t *testing.T, name string, args map[string]interface{}) *Response {
	t.Helper()
	return f.d.Dispatch(context.Background(), Request{Name: name, Arguments: args})
}

func (f *fixture) mustCall(t *testing.T, name string, args map[string]interface{}) interface{} {
	t.Helper()
	resp := f.call(t, name, args)
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	return resp.Result
}

func requireCode(t *testing.T, resp *Response, code mcperrors.ErrorCode) {
	t.Helper()
	require.NotNil(t, resp.Error, "expected %s", code)
	assert.Equal(t, code, resp.Error.ErrorInfo.Code)
	assert.Equal(t, StageFailed, resp.Stage)
}

func TestDispatch_WriteThenRead(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for _, content := range []string{"hi", "", "línea con acentos\n"} {
		res := f.mustCall(t, ToolWrite, map[string]interface{}{"path": "notes/x.txt", "content": content})
		written := res.(*sandbox.WriteResult)
		assert.Equal(t, int64(len(content)), written.Size)

		res = f.mustCall(t, ToolRead, map[string]interface{}{"path": "notes/x.txt"})
		read := res.(*ReadResult)
		assert.Equal(t, content, read.Content)
		assert.Equal(t, sandbox.EncodingUTF8, read.Encoding)
	}
}

func TestDispatch_Base64RoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	raw := []byte{0x00, 0xff, 0x10, 0x80}
	encoded := base64.StdEncoding.EncodeToString(raw)

	f.mustCall(t, ToolWrite, map[string]interface{}{"path": "blob.bin", "content": encoded, "encoding": "base64"})

	data, err := os.ReadFile(filepath.Join(f.root, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, raw, data)

	read := f.mustCall(t, ToolRead, map[string]interface{}{"path": "blob.bin"}).(*ReadResult)
	assert.Equal(t, sandbox.EncodingBase64, read.Encoding, "binary content comes back as base64")
	assert.Equal(t, encoded, read.Content)
}

func TestDispatch_ExtensionScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	written := f.mustCall(t, ToolWrite, map[string]interface{}{"path": "notes/x.txt", "content": "hi"}).(*sandbox.WriteResult)
	assert.True(t, written.Created)

	resp := f.call(t, ToolWrite, map[string]interface{}{"path": "notes/x.exe", "content": "hi"})
	requireCode(t, resp, mcperrors.ErrorCodeExtensionRejected)
	assert.Equal(t, StageRouted, resp.FailedAt)

	_, err := os.Stat(filepath.Join(f.root, "notes", "x.exe"))
	assert.True(t, os.IsNotExist(err))

	events := f.audit.Recent(0)
	require.Len(t, events, 1)
	assert.Equal(t, "EXTENSION_REJECTED", events[0].Kind)
	assert.Equal(t, "notes/x.exe", events[0].Resource)
}

func TestDispatch_PathEscapeScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.call(t, ToolRead, map[string]interface{}{"path": "../../etc/passwd"})
	requireCode(t, resp, mcperrors.ErrorCodePathEscape)
	assert.Equal(t, 403, resp.Error.ToHTTPStatus())

	events := f.audit.Recent(0)
	require.Len(t, events, 1)
	assert.Equal(t, security.SeverityHigh, events[0].Severity)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SecurityEvents.WithLabelValues("PATH_ESCAPE", "read")))
}

func TestDispatch_TooLargeWrite(t *testing.T) {
	f := newFixture(t, fixtureOptions{maxFileSize: 4})

	resp := f.call(t, ToolWrite, map[string]interface{}{"path": "big.txt", "content": "12345"})
	requireCode(t, resp, mcperrors.ErrorCodeTooLarge)

	details, ok := resp.Error.ErrorInfo.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(4), details["limit"])
	assert.Equal(t, int64(5), details["attempted"])

	_, err := os.Stat(filepath.Join(f.root, "big.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDispatch_MemoryScenario(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	stored := f.mustCall(t, ToolMemoryStore, map[string]interface{}{"key": "a", "value": "v", "ttl": float64(2)}).(*MemoryStoreResult)
	assert.True(t, stored.Stored)
	assert.Equal(t, int64(2), stored.TTL)

	got := f.mustCall(t, ToolMemoryRetrieve, map[string]interface{}{"key": "a"}).(*MemoryRetrieveResult)
	assert.Equal(t, "v", got.Value)
	assert.Equal(t, int64(2), got.TTLRemaining)

	f.clock.Advance(3 * time.Second)

	resp := f.call(t, ToolMemoryRetrieve, map[string]interface{}{"key": "a"})
	requireCode(t, resp, mcperrors.ErrorCodeNotFound)
}

func TestDispatch_MemoryDefaultTTL(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for _, args := range []map[string]interface{}{
		{"key": "k1", "value": 1},
		{"key": "k2", "value": 1, "ttl": 0},
	} {
		stored := f.mustCall(t, ToolMemoryStore, args).(*MemoryStoreResult)
		assert.Equal(t, int64(3600), stored.TTL)
	}
}

func TestDispatch_MemoryLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	f.mustCall(t, ToolMemoryStore, map[string]interface{}{"key": "user", "value": map[string]interface{}{"name": "ada"}})
	f.mustCall(t, ToolMemoryStore, map[string]interface{}{"key": "flag", "value": true})

	exists := f.mustCall(t, ToolMemoryExists, map[string]interface{}{"key": "user"}).(*MemoryExistsResult)
	assert.True(t, exists.Exists)

	stats := f.mustCall(t, ToolMemoryStats, nil).(*memory.BridgeStats)
	assert.Equal(t, 2, stats.KeyCount)
	assert.Equal(t, int64(4096), stats.MaxBytes)

	f.mustCall(t, ToolMemoryDelete, map[string]interface{}{"key": "user"})
	requireCode(t, f.call(t, ToolMemoryDelete, map[string]interface{}{"key": "user"}), mcperrors.ErrorCodeNotFound)

	cleared := f.mustCall(t, ToolMemoryClear, map[string]interface{}{}).(*MemoryClearResult)
	assert.Equal(t, 1, cleared.ClearedCount)

	exists = f.mustCall(t, ToolMemoryExists, map[string]interface{}{"key": "flag"}).(*MemoryExistsResult)
	assert.False(t, exists.Exists)
}

func TestDispatch_MemorySizeExceeded(t *testing.T) {
	f := newFixture(t, fixtureOptions{memoryMax: 16})

	resp := f.call(t, ToolMemoryStore, map[string]interface{}{"key": "k", "value": "this value is far too long"})
	requireCode(t, resp, mcperrors.ErrorCodeSizeExceeded)
	assert.Equal(t, 413, resp.Error.ToHTTPStatus())
}

func TestDispatch_FileLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	made := f.mustCall(t, ToolMkdir, map[string]interface{}{"path": "docs/sub"}).(*sandbox.MkdirResult)
	assert.True(t, made.Created)
	f.mustCall(t, ToolWrite, map[string]interface{}{"path": "docs/a.txt", "content": "a"})

	exists := f.mustCall(t, ToolExists, map[string]interface{}{"path": "docs"}).(*ExistsResult)
	assert.True(t, exists.Exists)
	assert.Equal(t, sandbox.KindDirectory, exists.Kind)

	listed := f.mustCall(t, ToolList, map[string]interface{}{}).(*ListResult)
	assert.Equal(t, ".", listed.Path)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, "docs", listed.Items[0].Path)

	listed = f.mustCall(t, ToolList, map[string]interface{}{"path": "docs", "recursive": true}).(*ListResult)
	assert.Equal(t, 2, listed.Count)

	f.mustCall(t, ToolDelete, map[string]interface{}{"path": "docs/a.txt"})
	requireCode(t, f.call(t, ToolDelete, map[string]interface{}{"path": "docs/a.txt"}), mcperrors.ErrorCodeNotFound)

	exists = f.mustCall(t, ToolExists, map[string]interface{}{"path": "docs/a.txt"}).(*ExistsResult)
	assert.False(t, exists.Exists)
	assert.Empty(t, exists.Kind)

	f.mustCall(t, ToolMkdir, map[string]interface{}{"path": "folder.txt"})
	requireCode(t, f.call(t, ToolRead, map[string]interface{}{"path": "folder.txt"}), mcperrors.ErrorCodeIsDirectory)
	requireCode(t, f.call(t, ToolRead, map[string]interface{}{"path": "docs"}), mcperrors.ErrorCodeExtensionRejected)
	requireCode(t, f.call(t, ToolRead, map[string]interface{}{"path": ""}), mcperrors.ErrorCodeIsDirectory)
}

func TestDispatch_SchemaValidation(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		args  map[string]interface{}
		field string
	}{
		{"missing path", ToolRead, map[string]interface{}{}, "path"},
		{"nil arguments", ToolWrite, nil, "path"},
		{"mistyped path", ToolRead, map[string]interface{}{"path": 42}, "path"},
		{"missing content", ToolWrite, map[string]interface{}{"path": "a.txt"}, "content"},
		{"unknown field", ToolRead, map[string]interface{}{"path": "a.txt", "mode": "r"}, "mode"},
		{"bad encoding", ToolRead, map[string]interface{}{"path": "a.txt", "encoding": "latin1"}, "encoding"},
		{"recursive not bool", ToolList, map[string]interface{}{"recursive": "yes"}, "recursive"},
		{"negative ttl", ToolMemoryStore, map[string]interface{}{"key": "k", "value": 1, "ttl": -1}, "ttl"},
		{"fractional ttl", ToolMemoryStore, map[string]interface{}{"key": "k", "value": 1, "ttl": 1.5}, "ttl"},
		{"string ttl", ToolMemoryStore, map[string]interface{}{"key": "k", "value": 1, "ttl": "10"}, "ttl"},
		{"huge ttl", ToolMemoryStore, map[string]interface{}{"key": "k", "value": 1, "ttl": float64(1 << 50)}, "ttl"},
		{"missing value", ToolMemoryStore, map[string]interface{}{"key": "k"}, "value"},
		{"null value", ToolMemoryStore, map[string]interface{}{"key": "k", "value": nil}, "value"},
		{"empty key", ToolMemoryRetrieve, map[string]interface{}{"key": ""}, "key"},
		{"args on clear", ToolMemoryClear, map[string]interface{}{"all": true}, "all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			resp := f.call(t, tt.tool, tt.args)
			requireCode(t, resp, mcperrors.ErrorCodeInvalidArguments)

			details, ok := resp.Error.ErrorInfo.Details.(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tt.field, details["field"])
			assert.Equal(t, -32602, resp.Error.JSONRPCCode())
		})
	}
}

func TestDispatch_RateLimiting(t *testing.T) {
	f := newFixture(t, fixtureOptions{limit: 3})
	alice := security.WithIdentity(context.Background(), security.Identity{ID: "client:alice", Method: security.AuthMethodHeader})
	bob := security.WithIdentity(context.Background(), security.Identity{ID: "client:bob", Method: security.AuthMethodHeader})
	stats := Request{Name: ToolMemoryStats}

	for i := 0; i < 3; i++ {
		resp := f.d.Dispatch(alice, stats)
		require.Nil(t, resp.Error, "call %d", i+1)
	}

	resp := f.d.Dispatch(alice, stats)
	requireCode(t, resp, mcperrors.ErrorCodeRateLimited)
	assert.Equal(t, StageSchemaValidated, resp.FailedAt)
	assert.Equal(t, 429, resp.Error.ToHTTPStatus())

	detail, ok := resp.Error.ErrorInfo.Details.(mcperrors.RateLimitDetail)
	require.True(t, ok)
	assert.Equal(t, 3, detail.Limit)
	assert.Greater(t, detail.RetrySecs, int64(0))

	assert.Nil(t, f.d.Dispatch(bob, stats).Error, "identities have separate budgets")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RateLimited.WithLabelValues("memory")))
}

func TestDispatch_InvalidCallsDoNotConsumeBudget(t *testing.T) {
	f := newFixture(t, fixtureOptions{limit: 1})

	requireCode(t, f.call(t, ToolRead, map[string]interface{}{}), mcperrors.ErrorCodeInvalidArguments)
	assert.Nil(t, f.call(t, ToolMemoryStats, nil).Error)
	requireCode(t, f.call(t, ToolMemoryStats, nil), mcperrors.ErrorCodeRateLimited)
}

func TestDispatch_UnknownTool(t *testing.T) {
	f := newFixture(t, fixtureOptions{limit: 1})

	resp := f.call(t, "format-disk", map[string]interface{}{"anything": 1})
	requireCode(t, resp, mcperrors.ErrorCodeUnknownTool)
	assert.Equal(t, StageRateChecked, resp.FailedAt)
	assert.Equal(t, "unknown tool", resp.Error.ErrorInfo.Message)

	// the unknown call was counted against the anonymous budget
	requireCode(t, f.call(t, ToolMemoryStats, nil), mcperrors.ErrorCodeRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolCallCount.WithLabelValues("unknown", "UNKNOWN_TOOL")))
}

func TestDispatch_TraceIDAndMetrics(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	ctx := logging.WithTraceID(context.Background(), "trace-123")
	resp := f.d.Dispatch(ctx, Request{Name: ToolRead, Arguments: map[string]interface{}{"path": "missing.txt"}})
	requireCode(t, resp, mcperrors.ErrorCodeNotFound)
	assert.Equal(t, "trace-123", resp.TraceID)
	assert.Equal(t, "trace-123", resp.Error.ErrorInfo.TraceID)

	ok := f.call(t, ToolMemoryStats, nil)
	assert.NotEmpty(t, ok.TraceID, "a trace id is generated when none is attached")
	assert.Equal(t, StageCompleted, ok.Stage)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolCallCount.WithLabelValues("read", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ToolCallCount.WithLabelValues("memory-stats", "OK")))
}

func TestDispatch_ConcurrentWritesSamePath(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	contents := []string{"aaaa", "bbbb", "cccc", "dddd"}
	var wg sync.WaitGroup
	for _, c := range contents {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			resp := f.call(t, ToolWrite, map[string]interface{}{"path": "race.txt", "content": c})
			assert.Nil(t, resp.Error)
		}(c)
	}
	wg.Wait()

	read := f.mustCall(t, ToolRead, map[string]interface{}{"path": "race.txt"}).(*ReadResult)
	assert.Contains(t, contents, read.Content, "last writer wins, never a mix")
}

func TestTools_Declarations(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	tools := f.d.Tools()
	require.Len(t, tools, 12)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		schema := tool.InputSchema()
		assert.Equal(t, "object", schema["type"])
		assert.Equal(t, false, schema["additionalProperties"])
	}
	assert.Equal(t, []string{
		"read", "write", "delete", "list", "mkdir", "exists",
		"memory-store", "memory-retrieve", "memory-delete", "memory-clear", "memory-exists", "memory-stats",
	}, names)

	write, ok := f.d.Tool(ToolWrite)
	require.True(t, ok)
	assert.Equal(t, []string{"path", "content"}, write.Required())

	list, _ := f.d.Tool(ToolList)
	assert.Empty(t, list.Required())
}
