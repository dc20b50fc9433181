package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

// ResolveWithin joins an externally supplied relative path with a
// workspace path, fully resolves it (symlinks and ..), and verifies
// the result is a descendant of the workspace. Every path from tool
// input must pass through here before any I/O. Violations come back
// as PATH_ESCAPE.
func ResolveWithin(wsPath, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errdefs.Newf(errdefs.KindPathEscape, "absolute paths are not allowed: %s", rel)
	}

	joined := filepath.Join(wsPath, rel)

	// filepath.Join cleans ".." lexically; a path that climbs out of
	// the workspace is caught here before touching the filesystem.
	if !isDescendant(wsPath, joined) {
		return "", errdefs.Newf(errdefs.KindPathEscape, "path escapes workspace: %s", rel)
	}

	// The target may not exist yet. Resolve the deepest existing
	// ancestor so symlinks inside the workspace cannot point out.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindSystemError, "failed to resolve path", err)
	}

	wsResolved, err := filepath.EvalSymlinks(wsPath)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindSystemError, "failed to resolve workspace path", err)
	}

	if !isDescendant(wsResolved, resolved) {
		return "", errdefs.Newf(errdefs.KindPathEscape, "path escapes workspace: %s", rel)
	}
	return joined, nil
}

// resolveExisting resolves symlinks for the deepest existing ancestor
// of path and re-joins the non-existent remainder.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Join(current, remainder), nil
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// isDescendant reports whether child equals parent or lies beneath it.
func isDescendant(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
