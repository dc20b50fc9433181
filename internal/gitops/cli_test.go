package gitops

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=T", "GIT_AUTHOR_EMAIL=t@e",
		"GIT_COMMITTER_NAME=T", "GIT_COMMITTER_EMAIL=t@e",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// conflictRepo builds a repository where merging "other" into the
// current branch conflicts on file.txt.
func conflictRepo(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	gitCmd(t, ws, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "file.txt"), []byte("base\n"), 0o600))
	gitCmd(t, ws, "add", "file.txt")
	gitCmd(t, ws, "commit", "-m", "base")

	gitCmd(t, ws, "checkout", "-b", "other")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "file.txt"), []byte("theirs\n"), 0o600))
	gitCmd(t, ws, "commit", "-am", "theirs")

	gitCmd(t, ws, "checkout", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "file.txt"), []byte("ours\n"), 0o600))
	gitCmd(t, ws, "commit", "-am", "ours")
	return ws
}

func TestCLIMergeConflictReportedAndRolledBack(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := conflictRepo(t)
	c := NewCLI("")

	raw, err := json.Marshal(MergeParams{Branch: "other"})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Request{
		Op: models.OpMerge, WorkspacePath: ws, Params: raw,
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindMergeConflict))

	e := errdefs.AsError(err)
	var conflicts []Conflict
	require.NoError(t, json.Unmarshal([]byte(e.Context["conflicts"]), &conflicts))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "file.txt", conflicts[0].Path)
	assert.Equal(t, "both-modified", conflicts[0].Kind)

	// The merge was aborted: no MERGE_HEAD and the worktree shows
	// our side.
	_, statErr := os.Stat(filepath.Join(ws, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(statErr))
	content, err := os.ReadFile(filepath.Join(ws, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ours\n", string(content))
}

func TestCLIMergeFastForward(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := t.TempDir()
	gitCmd(t, ws, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a\n"), 0o600))
	gitCmd(t, ws, "add", "a.txt")
	gitCmd(t, ws, "commit", "-m", "base")
	gitCmd(t, ws, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "b.txt"), []byte("b\n"), 0o600))
	gitCmd(t, ws, "add", "b.txt")
	gitCmd(t, ws, "commit", "-m", "feature work")
	gitCmd(t, ws, "checkout", "main")

	c := NewCLI("")
	raw, err := json.Marshal(MergeParams{Branch: "feature"})
	require.NoError(t, err)
	res, err := c.Run(context.Background(), Request{
		Op: models.OpMerge, WorkspacePath: ws, Params: raw,
	})
	require.NoError(t, err)

	var out MergeResult
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Regexp(t, oidRe, out.OID)
}

func TestCLIRebaseConflict(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := conflictRepo(t)
	c := NewCLI("")

	raw, err := json.Marshal(RebaseParams{Upstream: "other"})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Request{
		Op: models.OpRebase, WorkspacePath: ws, Params: raw,
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindRebaseConflict))

	// Rolled back: no rebase in progress.
	_, statErr := os.Stat(filepath.Join(ws, ".git", "rebase-merge"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCLIStashLifecycle(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := t.TempDir()
	gitCmd(t, ws, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a\n"), 0o600))
	gitCmd(t, ws, "add", "a.txt")
	gitCmd(t, ws, "commit", "-m", "base")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("dirty\n"), 0o600))

	c := NewCLI("")
	ctx := context.Background()

	_, err := c.Run(ctx, Request{Op: models.OpStashPush, WorkspacePath: ws, Params: json.RawMessage(`{"message":"wip"}`)})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(content))

	res, err := c.Run(ctx, Request{Op: models.OpStashList, WorkspacePath: ws, Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	var list struct {
		Stashes []string `json:"stashes"`
	}
	require.NoError(t, json.Unmarshal(res, &list))
	assert.Len(t, list.Stashes, 1)

	_, err = c.Run(ctx, Request{Op: models.OpStashPop, WorkspacePath: ws, Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	content, err = os.ReadFile(filepath.Join(ws, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dirty\n", string(content))
}

func TestCLIStashNothingToStash(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := t.TempDir()
	gitCmd(t, ws, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a\n"), 0o600))
	gitCmd(t, ws, "add", "a.txt")
	gitCmd(t, ws, "commit", "-m", "base")

	c := NewCLI("")
	_, err := c.Run(context.Background(), Request{Op: models.OpStashPush, WorkspacePath: ws, Params: json.RawMessage(`{}`)})
	assert.True(t, errdefs.IsKind(err, errdefs.KindGitNoChanges))
}

func TestCLICherryPick(t *testing.T) {
	t.Parallel()
	requireGit(t)

	ws := t.TempDir()
	gitCmd(t, ws, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("a\n"), 0o600))
	gitCmd(t, ws, "add", "a.txt")
	gitCmd(t, ws, "commit", "-m", "base")
	gitCmd(t, ws, "checkout", "-b", "side")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "b.txt"), []byte("b\n"), 0o600))
	gitCmd(t, ws, "add", "b.txt")
	gitCmd(t, ws, "commit", "-m", "side work")

	// Capture the side commit oid.
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = ws
	oid, err := cmd.Output()
	require.NoError(t, err)
	gitCmd(t, ws, "checkout", "main")

	c := NewCLI("")
	raw, mErr := json.Marshal(CommitRefParams{Commit: string(oid[:40])})
	require.NoError(t, mErr)
	_, err = c.Run(context.Background(), Request{Op: models.OpCherryPick, WorkspacePath: ws, Params: raw})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(ws, "b.txt"))
	assert.NoError(t, statErr)
}
