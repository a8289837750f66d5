// Package sandbox confines file operations to a single root directory.
//
// Guard turns client-supplied paths into canonical absolute paths under the
// root, or rejects them. Gateway performs the actual reads and writes on
// paths the guard accepted.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	mcperrors "mcp-resource-server/internal/errors"
)

// maxLinkHops bounds dangling-symlink resolution, matching the kernel's
// ELOOP limit.
const maxLinkHops = 40

// Guard validates requested paths against the sandbox root.
type Guard struct {
	root      string
	allowed   map[string]struct{}
	deny      []compiledPattern
	canonical func(p string, hops int) (string, error)
}

type compiledPattern struct {
	source string
	glob   glob.Glob
}

// Resolved is a path accepted by the guard.
type Resolved struct {
	Abs string // canonical absolute path
	Rel string // slash-separated, relative to the root; "." for the root
}

// IsRoot reports whether the path is the sandbox root itself.
func (r Resolved) IsRoot() bool {
	return r.Rel == "."
}

// NewGuard creates the root if missing and canonicalizes it. An empty
// extension list allows every extension.
func NewGuard(root string, allowedExtensions, denyPatterns []string) (*Guard, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox root cannot be empty")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate sandbox root symlinks: %w", err)
	}

	g := &Guard{
		root:      canonical,
		allowed:   make(map[string]struct{}, len(allowedExtensions)),
		canonical: canonicalize,
	}
	for _, ext := range allowedExtensions {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		g.allowed[foldExt(ext)] = struct{}{}
	}
	for _, pattern := range denyPatterns {
		compiled, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		g.deny = append(g.deny, compiledPattern{source: pattern, glob: compiled})
	}

	return g, nil
}

// Root returns the canonical sandbox root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve maps requested to a canonical path inside the root. Only the
// jail and deny rules apply; directories and the root itself are accepted.
func (g *Guard) Resolve(requested string) (Resolved, error) {
	joined, err := g.join(requested)
	if err != nil {
		return Resolved{}, err
	}

	canonical, err := g.canonical(joined, 0)
	if err != nil {
		return Resolved{}, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to resolve path")
	}
	return g.accept(requested, canonical)
}

// ResolveEntry resolves the parent of requested but not its last element,
// so a symlink names the link itself rather than its target. The root is
// rejected and the extension is checked on the requested name.
func (g *Guard) ResolveEntry(requested string) (Resolved, error) {
	joined, err := g.join(requested)
	if err != nil {
		return Resolved{}, err
	}
	if joined == g.root {
		return Resolved{}, mcperrors.New(mcperrors.KindIsDirectory, "path refers to the sandbox root").
			With("path", requested)
	}

	parent, err := g.canonical(filepath.Dir(joined), 0)
	if err != nil {
		return Resolved{}, mcperrors.Wrap(mcperrors.KindInternal, err, "failed to resolve path")
	}
	resolved, err := g.accept(requested, filepath.Join(parent, filepath.Base(joined)))
	if err != nil {
		return Resolved{}, err
	}
	if !g.extensionAllowed(requested) {
		return Resolved{}, mcperrors.New(mcperrors.KindExtensionRejected, "file extension is not allowed").
			With("path", requested).
			With("extension", filepath.Ext(requested))
	}
	return resolved, nil
}

// join anchors requested at the root and rejects lexical escapes before
// the filesystem is consulted.
func (g *Guard) join(requested string) (string, error) {
	if strings.ContainsRune(requested, 0) {
		return "", mcperrors.InvalidArgument("path", "contains NUL byte")
	}

	normalized := norm.NFC.String(requested)
	// A leading separator is relative to the root, not the host filesystem.
	joined := filepath.Join(g.root, filepath.FromSlash(normalized))
	if _, ok := within(g.root, joined); !ok {
		return "", escapeError(requested)
	}
	return joined, nil
}

func (g *Guard) accept(requested, canonical string) (Resolved, error) {
	rel, ok := within(g.root, canonical)
	if !ok {
		return Resolved{}, escapeError(requested)
	}

	if pattern, denied := g.denied(rel); denied {
		return Resolved{}, mcperrors.New(mcperrors.KindPathDenied, "path matches a denied pattern").
			With("path", requested).
			With("pattern", pattern)
	}

	return Resolved{Abs: canonical, Rel: rel}, nil
}

func escapeError(requested string) error {
	return mcperrors.New(mcperrors.KindPathEscape, "path resolves outside the sandbox root").
		With("path", requested)
}

// ResolveFile is Resolve plus the rules for file content operations: the
// root is not a file, and the extension must be allowed. The extension is
// checked on both the requested name and the canonical target, so a link
// named notes.txt cannot reach a disallowed file.
func (g *Guard) ResolveFile(requested string) (Resolved, error) {
	resolved, err := g.Resolve(requested)
	if err != nil {
		return Resolved{}, err
	}
	if resolved.IsRoot() {
		return Resolved{}, mcperrors.New(mcperrors.KindIsDirectory, "path refers to the sandbox root").
			With("path", requested)
	}

	for _, name := range []string{requested, resolved.Abs} {
		if !g.extensionAllowed(name) {
			return Resolved{}, mcperrors.New(mcperrors.KindExtensionRejected, "file extension is not allowed").
				With("path", requested).
				With("extension", filepath.Ext(name))
		}
	}

	return resolved, nil
}

// Contains reports whether an absolute path lies within the root after
// symlink evaluation.
func (g *Guard) Contains(abs string) bool {
	canonical, err := g.canonical(abs, 0)
	if err != nil {
		return false
	}
	_, ok := within(g.root, canonical)
	return ok
}

func (g *Guard) extensionAllowed(name string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[foldExt(filepath.Ext(name))]
	return ok
}

func (g *Guard) denied(rel string) (string, bool) {
	if rel == "." {
		return "", false
	}
	base := filepath.Base(rel)
	for _, p := range g.deny {
		if p.glob.Match(rel) || p.glob.Match(base) {
			return p.source, true
		}
	}
	return "", false
}

// foldExt compares extensions case-insensitively. A Caser is stateful, so
// one is built per call.
func foldExt(ext string) string {
	return cases.Fold().String(ext)
}

// within reports whether target is root or below it, returning the
// slash-separated relative path.
func within(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil || filepath.IsAbs(rel) {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// canonicalize evaluates symlinks on the deepest existing ancestor of p and
// re-appends the missing remainder. Dangling links are followed by hand so
// a link to a not-yet-existing file outside the root is still caught.
func canonicalize(p string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", fmt.Errorf("too many levels of symbolic links: %s", p)
	}

	var remainder []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return joinRemainder(resolved, remainder), nil
		}

		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			resolvedTarget, terr := canonicalize(target, hops+1)
			if terr != nil {
				return "", terr
			}
			return joinRemainder(resolvedTarget, remainder), nil
		}

		if !errors.Is(err, fs.ErrNotExist) && !isNotDir(err) {
			return "", err
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		remainder = append(remainder, filepath.Base(cur))
		cur = parent
	}
}

func joinRemainder(base string, remainder []string) string {
	parts := make([]string, 0, len(remainder)+1)
	parts = append(parts, base)
	for i := len(remainder) - 1; i >= 0; i-- {
		parts = append(parts, remainder[i])
	}
	return filepath.Join(parts...)
}
