package mcptools

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

func TestValidateBranchName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "main", "feature/login", "release-1.2", "hotfix_x", "v1.0.0"} {
		assert.NoError(t, validateBranchName(name), name)
	}

	for _, name := range []string{
		"-leading-dash",
		"/leading-slash",
		"trailing-slash/",
		"trailing-dot.",
		"name.lock",
		"double..dot",
		"double//slash",
		"at@{sign",
		"spa ce",
		"tilde~1",
		"caret^",
		"colon:",
		"quest?",
		"star*",
		"brack[et",
		"back\\slash",
	} {
		err := validateBranchName(name)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidBranchName), name)
	}
}

func TestValidateRelPath(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"", "README.md", "src/main.go", "a/b/c", "weird name.txt"} {
		assert.NoError(t, validateRelPath(p), p)
	}

	assert.True(t, errdefs.IsKind(validateRelPath("/etc/passwd"), errdefs.KindPathEscape))
	assert.True(t, errdefs.IsKind(validateRelPath("../../etc/passwd"), errdefs.KindPathEscape))
	assert.True(t, errdefs.IsKind(validateRelPath("a/../../b"), errdefs.KindPathEscape))
	assert.True(t, errdefs.IsKind(validateRelPath("a\\..\\..\\b"), errdefs.KindPathEscape))
	assert.True(t, errdefs.IsKind(validateRelPath("nul\x00byte"), errdefs.KindInvalidTargetPath))
}

func TestValidateRelPaths(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateRelPaths([]string{"a", "b/c"}))
	assert.Error(t, validateRelPaths([]string{"a", "../b"}))
}
