package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
	"mcp-resource-server/internal/logging"
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// Gateway performs file I/O on paths accepted by a Guard. Operations on the
// same canonical path are serialized.
type Gateway struct {
	guard       *Guard
	maxFileSize int64
	locks       *pathLocks
	logger      logging.Logger
}

// FileContent is the result of a read.
type FileContent struct {
	Path     string
	Data     []byte
	Size     int64
	Modified time.Time
}

// WriteResult is the result of a write.
type WriteResult struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Created bool   `json:"created"`
}

// MkdirResult is the result of a directory creation.
type MkdirResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

// NewGateway creates a gateway enforcing maxFileSize on reads and writes.
func NewGateway(guard *Guard, maxFileSize int64, logger logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Gateway{
		guard:       guard,
		maxFileSize: maxFileSize,
		locks:       newPathLocks(),
		logger:      logger.WithComponent("sandbox"),
	}
}

// Guard returns the guard the gateway resolves paths with.
func (g *Gateway) Guard() *Guard {
	return g.guard
}

// MaxFileSize returns the per-file byte limit.
func (g *Gateway) MaxFileSize() int64 {
	return g.maxFileSize
}

// Read returns the content of a file.
func (g *Gateway) Read(ctx context.Context, path string) (*FileContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := g.guard.ResolveFile(path)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(resolved.Abs)
	defer unlock()

	info, err := os.Lstat(resolved.Abs)
	if err != nil {
		return nil, statError(err, resolved.Rel)
	}
	if info.IsDir() {
		return nil, mcperrors.New(mcperrors.KindIsDirectory, "path is a directory").With("path", resolved.Rel)
	}
	if info.Size() > g.maxFileSize {
		return nil, mcperrors.TooLarge(g.maxFileSize, info.Size())
	}

	f, err := openNoFollow(resolved.Abs)
	if err != nil {
		if isSymlinkLoop(err) {
			return nil, mcperrors.New(mcperrors.KindPathEscape, "path was replaced by a symbolic link").With("path", resolved.Rel)
		}
		return nil, statError(err, resolved.Rel)
	}
	defer func() { _ = f.Close() }()

	// The file may grow between stat and read.
	data, err := io.ReadAll(io.LimitReader(f, g.maxFileSize+1))
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to read file")
	}
	if int64(len(data)) > g.maxFileSize {
		return nil, mcperrors.TooLarge(g.maxFileSize, int64(len(data)))
	}

	g.logger.DebugContext(ctx, "file read", "path", resolved.Rel, "size", len(data))

	return &FileContent{
		Path:     resolved.Rel,
		Data:     data,
		Size:     int64(len(data)),
		Modified: info.ModTime(),
	}, nil
}

// Write replaces the content of a file, creating it and its parent
// directories as needed. The new content becomes visible atomically.
func (g *Gateway) Write(ctx context.Context, path string, content []byte) (*WriteResult, error) {
	if int64(len(content)) > g.maxFileSize {
		return nil, mcperrors.TooLarge(g.maxFileSize, int64(len(content)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := g.guard.ResolveFile(path)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(resolved.Abs)
	defer unlock()

	created := false
	info, err := os.Lstat(resolved.Abs)
	switch {
	case err == nil && info.IsDir():
		return nil, mcperrors.New(mcperrors.KindIsDirectory, "path is a directory").With("path", resolved.Rel)
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		created = true
	case isNotDir(err):
		return nil, mcperrors.New(mcperrors.KindNotDirectory, "a parent of the path is a file").With("path", resolved.Rel)
	default:
		return nil, statError(err, resolved.Rel)
	}

	dir := filepath.Dir(resolved.Abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		if isNotDir(err) {
			return nil, mcperrors.New(mcperrors.KindNotDirectory, "a parent of the path is a file").With("path", resolved.Rel)
		}
		return nil, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to create parent directories")
	}

	if err := writeAtomic(dir, resolved.Abs, content); err != nil {
		return nil, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to write file")
	}

	g.logger.InfoContext(ctx, "file written", "path", resolved.Rel, "size", len(content), "created", created)

	return &WriteResult{Path: resolved.Rel, Size: int64(len(content)), Created: created}, nil
}

// writeAtomic writes to a temp file in dir, syncs it and renames it over
// target. The temp file is removed on any failure.
func writeAtomic(dir, target string, content []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("atomic rename %s: %w", target, err)
	}
	return nil
}

// Delete removes a file. Deleting a missing file is an error. A symlink is
// removed itself and its target left in place.
func (g *Gateway) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved, err := g.guard.ResolveEntry(path)
	if err != nil {
		return err
	}

	unlock := g.locks.Lock(resolved.Abs)
	defer unlock()

	info, err := os.Lstat(resolved.Abs)
	if err != nil {
		return statError(err, resolved.Rel)
	}
	if info.IsDir() {
		return mcperrors.New(mcperrors.KindIsDirectory, "path is a directory").With("path", resolved.Rel)
	}

	if err := os.Remove(resolved.Abs); err != nil {
		return statError(err, resolved.Rel)
	}

	g.logger.InfoContext(ctx, "file deleted", "path", resolved.Rel)
	return nil
}

// Mkdir creates a directory and its parents. An existing directory is not
// an error.
func (g *Gateway) Mkdir(ctx context.Context, path string) (*MkdirResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := g.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(resolved.Abs)
	defer unlock()

	info, err := os.Lstat(resolved.Abs)
	if err == nil {
		if !info.IsDir() {
			return nil, mcperrors.New(mcperrors.KindNotDirectory, "path exists and is not a directory").With("path", resolved.Rel)
		}
		return &MkdirResult{Path: resolved.Rel, Created: false}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, statError(err, resolved.Rel)
	}

	if err := os.MkdirAll(resolved.Abs, dirPerm); err != nil {
		if isNotDir(err) {
			return nil, mcperrors.New(mcperrors.KindNotDirectory, "a parent of the path is a file").With("path", resolved.Rel)
		}
		return nil, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to create directory")
	}

	g.logger.InfoContext(ctx, "directory created", "path", resolved.Rel)
	return &MkdirResult{Path: resolved.Rel, Created: true}, nil
}

// Stat describes a file or directory inside the sandbox.
func (g *Gateway) Stat(ctx context.Context, path string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := g.guard.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(resolved.Abs)
	if err != nil {
		return nil, statError(err, resolved.Rel)
	}
	entry := newEntry(resolved.Rel, info)
	return &entry, nil
}

// Exists reports whether path names an existing file or directory.
func (g *Gateway) Exists(ctx context.Context, path string) (bool, *Entry, error) {
	entry, err := g.Stat(ctx, path)
	if mcperrors.IsKind(err, mcperrors.KindNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, entry, nil
}

func statError(err error, rel string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), isNotDir(err):
		return mcperrors.NotFound("path", rel)
	case errors.Is(err, fs.ErrPermission):
		return mcperrors.Wrap(mcperrors.KindInternal, err, "permission denied")
	default:
		return mcperrors.Wrap(mcperrors.KindInternal, err, "filesystem error")
	}
}
