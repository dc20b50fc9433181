package mcptools

import (
	"strings"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

// validateBranchName applies git ref-name lexical rules to externally
// supplied branch and tag names before they reach the adapter.
func validateBranchName(name string) error {
	if name == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(name, "-"),
		strings.HasPrefix(name, "/"),
		strings.HasSuffix(name, "/"),
		strings.HasSuffix(name, "."),
		strings.HasSuffix(name, ".lock"),
		strings.Contains(name, ".."),
		strings.Contains(name, "//"),
		strings.Contains(name, "@{"),
		strings.ContainsAny(name, " ~^:?*[\\\x00\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x7f"):
		return errdefs.Newf(errdefs.KindInvalidBranchName, "invalid ref name: %q", name).
			WithSuggestion("Use a name following git check-ref-format rules")
	}
	return nil
}

// validateRelPath rejects lexically unsafe relative paths at the tool
// boundary. The workspace manager re-checks with symlink resolution
// before any I/O.
func validateRelPath(path string) error {
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return errdefs.Newf(errdefs.KindPathEscape, "absolute paths are not allowed: %s", path)
	}
	if strings.ContainsRune(path, '\x00') {
		return errdefs.Newf(errdefs.KindInvalidTargetPath, "path contains a NUL byte")
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return errdefs.Newf(errdefs.KindPathEscape, "path escapes workspace: %s", path)
		}
	}
	return nil
}

func validateRelPaths(paths []string) error {
	for _, p := range paths {
		if err := validateRelPath(p); err != nil {
			return err
		}
	}
	return nil
}
