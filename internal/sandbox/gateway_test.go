package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
)

const testMaxFileSize = 64

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return NewGateway(newTestGuard(t), testMaxFileSize, logging.NewNoOpLogger())
}

func TestGateway_WriteReadRoundTrip(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		content []byte
	}{
		{"text", "notes.txt", []byte("hello world")},
		{"empty", "empty.txt", []byte{}},
		{"binary", "blob.json", []byte{0x00, 0xff, 0x10, 0x80}},
		{"nested creates parents", "a/b/c/deep.md", []byte("# deep")},
		{"exactly at limit", "full.txt", bytes.Repeat([]byte("x"), testMaxFileSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := gw.Write(ctx, tt.path, tt.content)
			require.NoError(t, err)
			assert.True(t, res.Created)
			assert.Equal(t, int64(len(tt.content)), res.Size)

			got, err := gw.Read(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.content, got.Data)
			assert.Equal(t, int64(len(tt.content)), got.Size)
			assert.False(t, got.Modified.IsZero())
		})
	}
}

func TestGateway_WriteOverwriteReportsNotCreated(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	first, err := gw.Write(ctx, "doc.txt", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := gw.Write(ctx, "doc.txt", []byte("version two"))
	require.NoError(t, err)
	assert.False(t, second.Created)

	got, err := gw.Read(ctx, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "version two", string(got.Data))
}

func TestGateway_WriteTooLargeLeavesNoTrace(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, "big/new.txt", bytes.Repeat([]byte("x"), testMaxFileSize+1))
	require.Error(t, err)
	assert.Equal(t, mcperrors.KindTooLarge, mcperrors.KindOf(err))

	var e *mcperrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, int64(testMaxFileSize), e.Details["limit"])
	assert.Equal(t, int64(testMaxFileSize+1), e.Details["attempted"])

	entries, err := os.ReadDir(gw.Guard().Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "no parent directory or temp file may be created")

	// An existing file is left untouched.
	_, err = gw.Write(ctx, "keep.txt", []byte("original"))
	require.NoError(t, err)
	_, err = gw.Write(ctx, "keep.txt", bytes.Repeat([]byte("y"), testMaxFileSize+1))
	require.Error(t, err)
	got, err := gw.Read(ctx, "keep.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got.Data))
}

func TestGateway_WriteRejectedPathsCreateNothing(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, "../escape.txt", []byte("x"))
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindPathEscape))

	_, err = gw.Write(ctx, "run.exe", []byte("x"))
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindExtensionRejected))

	entries, err := os.ReadDir(gw.Guard().Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(filepath.Dir(gw.Guard().Root()), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestGateway_ReadErrors(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	root := gw.Guard().Root()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "folder.txt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "huge.txt"), bytes.Repeat([]byte("z"), testMaxFileSize*2), 0o600))

	tests := []struct {
		name string
		path string
		kind mcperrors.Kind
	}{
		{"missing", "missing.txt", mcperrors.KindNotFound},
		{"missing parent", "nope/missing.txt", mcperrors.KindNotFound},
		{"directory", "folder.txt", mcperrors.KindIsDirectory},
		{"too large", "huge.txt", mcperrors.KindTooLarge},
		{"escape", "../../etc/passwd", mcperrors.KindPathEscape},
		{"bad extension", "x.exe", mcperrors.KindExtensionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Read(ctx, tt.path)
			require.Error(t, err)
			assert.Equal(t, tt.kind, mcperrors.KindOf(err))
		})
	}
}

func TestGateway_WriteOntoDirectory(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, os.MkdirAll(filepath.Join(gw.Guard().Root(), "dir.txt"), 0o755))

	_, err := gw.Write(context.Background(), "dir.txt", []byte("x"))
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindIsDirectory))
}

func TestGateway_WriteUnderFile(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	_, err := gw.Write(ctx, "plain.txt", []byte("x"))
	require.NoError(t, err)

	_, err = gw.Write(ctx, "plain.txt/child.txt", []byte("x"))
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotDirectory))
}

func TestGateway_Delete(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, "gone.txt", []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, gw.Delete(ctx, "gone.txt"))

	_, err = gw.Read(ctx, "gone.txt")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound))

	err = gw.Delete(ctx, "gone.txt")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound), "second delete must fail")

	require.NoError(t, os.MkdirAll(filepath.Join(gw.Guard().Root(), "d.txt"), 0o755))
	err = gw.Delete(ctx, "d.txt")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindIsDirectory))
}

func TestGateway_DeleteSymlinkRemovesLink(t *testing.T) {
	requireSymlinks(t)
	gw := newTestGateway(t)
	ctx := context.Background()
	root := gw.Guard().Root()
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("keep"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("keep"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "alias.txt")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "out.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing.txt"), filepath.Join(root, "dangling.txt")))

	tests := []struct {
		link   string
		target string
	}{
		{link: "alias.txt", target: filepath.Join(root, "real.txt")},
		{link: "out.txt", target: filepath.Join(outside, "secret.txt")},
		{link: "dangling.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			require.NoError(t, gw.Delete(ctx, tt.link))

			_, err := os.Lstat(filepath.Join(root, tt.link))
			assert.True(t, os.IsNotExist(err), "link must be gone")
			if tt.target != "" {
				data, err := os.ReadFile(tt.target)
				require.NoError(t, err)
				assert.Equal(t, "keep", string(data))
			}
		})
	}
}

func TestGateway_DeleteThroughEscapingDirectory(t *testing.T) {
	requireSymlinks(t)
	gw := newTestGateway(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("keep"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(gw.Guard().Root(), "escape")))

	err := gw.Delete(context.Background(), "escape/secret.txt")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindPathEscape))
	_, err = os.Stat(filepath.Join(outside, "secret.txt"))
	assert.NoError(t, err)
}

func TestGateway_MkdirAndExists(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	res, err := gw.Mkdir(ctx, "projects/alpha")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "projects/alpha", res.Path)

	res, err = gw.Mkdir(ctx, "projects/alpha")
	require.NoError(t, err)
	assert.False(t, res.Created)

	exists, entry, err := gw.Exists(ctx, "projects/alpha")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, KindDirectory, entry.Type)

	exists, entry, err = gw.Exists(ctx, "projects/beta")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, entry)

	_, err = gw.Write(ctx, "projects/file.txt", []byte("x"))
	require.NoError(t, err)
	_, err = gw.Mkdir(ctx, "projects/file.txt")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotDirectory))

	_, _, err = gw.Exists(ctx, "../outside")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindPathEscape))
}

func TestGateway_List(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	for _, p := range []string{"b.txt", "a.txt", "zdir/inner.txt", "adir/x/deep.md"} {
		_, err := gw.Write(ctx, p, []byte(p))
		require.NoError(t, err)
	}

	entries, err := gw.List(ctx, "", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"adir", "zdir", "a.txt", "b.txt"}, paths(entries))
	assert.Equal(t, KindDirectory, entries[0].Type)
	assert.Equal(t, int64(5), entries[2].Size)
	assert.NotEmpty(t, entries[2].Permissions)

	entries, err = gw.List(ctx, "/", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"adir", "adir/x", "zdir", "a.txt", "adir/x/deep.md", "b.txt", "zdir/inner.txt"}, paths(entries))

	entries, err = gw.List(ctx, "zdir", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"zdir/inner.txt"}, paths(entries))
	assert.Equal(t, "inner.txt", entries[0].Name)

	_, err = gw.List(ctx, "missing", false)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotFound))

	_, err = gw.List(ctx, "a.txt", false)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindNotDirectory))

	_, err = gw.List(ctx, "..", false)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindPathEscape))
}

func TestGateway_ListHidesDeniedEntries(t *testing.T) {
	gw := newTestGateway(t)
	root := gw.Guard().Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "prod.env"), []byte("SECRET=1"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "private"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "private", "x.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o600))

	entries, err := gw.List(context.Background(), "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"private", "ok.txt"}, paths(entries))
}

func TestGateway_ListSymlinks(t *testing.T) {
	requireSymlinks(t)
	gw := newTestGateway(t)
	ctx := context.Background()
	root := gw.Guard().Root()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o600))

	_, err := gw.Write(ctx, "real/file.txt", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out-dir")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "out.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "in-dir")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")))

	entries, err := gw.List(ctx, "", true)
	require.NoError(t, err)

	// escaping and dangling links are omitted; in-dir is listed but not descended
	assert.Equal(t, []string{"in-dir", "real", "real/file.txt"}, paths(entries))
	assert.True(t, entries[0].Symlink)
	assert.Equal(t, KindDirectory, entries[0].Type)
}

func TestGateway_ConcurrentWritesSamePath(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	contents := make(map[string]bool, writers)
	for i := 0; i < writers; i++ {
		content := fmt.Sprintf("writer-%02d", i)
		contents[content] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Write(ctx, "shared.txt", []byte(content))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := gw.Read(ctx, "shared.txt")
	require.NoError(t, err)
	assert.True(t, contents[string(got.Data)], "final content must be one complete write, got %q", got.Data)
	assert.Equal(t, 0, gw.locks.held())

	entries, err := os.ReadDir(gw.Guard().Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestGateway_CanceledContext(t *testing.T) {
	gw := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Write(ctx, "x.txt", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = gw.Read(ctx, "x.txt")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeDecodeContent(t *testing.T) {
	text, enc, err := EncodeContent([]byte("plain"), "")
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
	assert.Equal(t, EncodingUTF8, enc)

	text, enc, err = EncodeContent([]byte{0xff, 0xfe}, "")
	require.NoError(t, err)
	assert.Equal(t, EncodingBase64, enc)
	assert.Equal(t, "//4=", text)

	_, _, err = EncodeContent([]byte{0xff}, EncodingUTF8)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindInvalidArguments))

	_, _, err = EncodeContent([]byte("x"), "latin1")
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindInvalidArguments))

	data, err := DecodeContent("//4=", EncodingBase64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xfe}, data)

	_, err = DecodeContent("not base64!", EncodingBase64)
	assert.True(t, mcperrors.IsKind(err, mcperrors.KindInvalidArguments))
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
