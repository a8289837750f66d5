package sandbox

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
)

const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Entry describes one listed file or directory.
type Entry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	Permissions string    `json:"permissions"`
	Symlink     bool      `json:"symlink,omitempty"`
}

func newEntry(rel string, info os.FileInfo) Entry {
	e := Entry{
		Name:        path.Base(rel),
		Path:        rel,
		Type:        KindFile,
		Size:        info.Size(),
		Modified:    info.ModTime(),
		Permissions: info.Mode().Perm().String(),
	}
	if info.IsDir() {
		e.Type = KindDirectory
		e.Size = 0
	}
	return e
}

// List returns the entries of a directory, directories first and then by
// path. Symlinks are reported with the kind of their target when the
// target stays inside the root; other links are omitted. Symlinked
// directories are never descended into.
func (g *Gateway) List(ctx context.Context, dir string, recursive bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resolved, err := g.guard.Resolve(dir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved.Abs)
	if err != nil {
		return nil, statError(err, resolved.Rel)
	}
	if !info.IsDir() {
		return nil, mcperrors.New(mcperrors.KindNotDirectory, "path is not a directory").With("path", resolved.Rel)
	}

	entries := make([]Entry, 0)
	if err := g.walk(ctx, resolved.Abs, resolved.Rel, recursive, &entries); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == KindDirectory, entries[j].Type == KindDirectory
		if di != dj {
			return di
		}
		return entries[i].Path < entries[j].Path
	})

	return entries, nil
}

func (g *Gateway) walk(ctx context.Context, abs, rel string, recursive bool, out *[]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		return statError(err, rel)
	}

	for _, de := range dirEntries {
		childAbs := filepath.Join(abs, de.Name())
		childRel := de.Name()
		if rel != "." {
			childRel = path.Join(rel, de.Name())
		}
		if _, denied := g.guard.denied(childRel); denied {
			continue
		}

		if de.Type()&os.ModeSymlink != 0 {
			if !g.guard.Contains(childAbs) {
				continue
			}
			target, err := os.Stat(childAbs)
			if err != nil {
				continue // dangling
			}
			entry := newEntry(childRel, target)
			entry.Symlink = true
			*out = append(*out, entry)
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue // removed while listing
		}
		*out = append(*out, newEntry(childRel, info))

		if recursive && info.IsDir() {
			if err := g.walk(ctx, childAbs, childRel, recursive, out); err != nil {
				return err
			}
		}
	}
	return nil
}
