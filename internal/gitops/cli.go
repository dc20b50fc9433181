package gitops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// CLI is the git-binary adapter. It serves the operations go-git does
// not implement: the merge family with conflict reporting, history
// rewriting, stash, sparse checkout, submodule updates, LFS and
// partial clone.
type CLI struct {
	gitPath string
}

// NewCLI creates the CLI backend. gitPath may be empty to use PATH
// lookup.
func NewCLI(gitPath string) *CLI {
	if gitPath == "" {
		gitPath = "git"
	}
	return &CLI{gitPath: gitPath}
}

// Run dispatches one operation.
func (c *CLI) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	switch req.Op {
	case models.OpClone:
		return c.clone(ctx, req)
	case models.OpMerge:
		return c.merge(ctx, req)
	case models.OpRebase:
		return c.rebase(ctx, req)
	case models.OpCherryPick:
		return c.commitApply(ctx, req, "cherry-pick")
	case models.OpRevert:
		return c.commitApply(ctx, req, "revert")
	case models.OpStashPush:
		return c.stashPush(ctx, req)
	case models.OpStashPop:
		return c.stashPop(ctx, req)
	case models.OpStashList:
		return c.stashList(ctx, req)
	case models.OpSparseCheckout:
		return c.sparseCheckout(ctx, req)
	case models.OpSubmoduleAdd:
		return c.submoduleAdd(ctx, req)
	case models.OpSubmoduleUpdate:
		return c.submoduleUpdate(ctx, req)
	case models.OpLFSTrack:
		return c.lfsTrack(ctx, req)
	case models.OpLFSPull:
		return c.lfsPull(ctx, req)
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "operation %s not supported by CLI backend", req.Op)
	}
}

// clone handles partial clones, the one clone shape the library
// backend cannot negotiate.
func (c *CLI) clone(ctx context.Context, req Request) (json.RawMessage, error) {
	var p CloneParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}

	args := []string{"clone", "--progress"}
	if p.Filter != "" {
		args = append(args, "--filter="+p.Filter)
	}
	if p.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(p.Depth))
	}
	if p.SingleBranch {
		args = append(args, "--single-branch")
	}
	if p.Branch != "" {
		args = append(args, "--branch", p.Branch)
	}
	if len(p.SparsePaths) > 0 {
		args = append(args, "--sparse")
	}
	args = append(args, p.URL, ".")

	if _, err := c.run(ctx, req, "", args...); err != nil {
		return nil, err
	}

	if len(p.SparsePaths) > 0 {
		scArgs := append([]string{"sparse-checkout", "set"}, p.SparsePaths...)
		if _, err := c.run(ctx, req, "", scArgs...); err != nil {
			return nil, err
		}
	}

	res := CloneResult{}
	if out, err := c.run(ctx, req, "", "rev-parse", "HEAD"); err == nil {
		res.Head = strings.TrimSpace(out)
	}
	if out, err := c.run(ctx, req, "", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		res.Branch = strings.TrimSpace(out)
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(res)
}

func (c *CLI) merge(ctx context.Context, req Request) (json.RawMessage, error) {
	var p MergeParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Branch == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "branch is required")
	}

	args := []string{"merge", "--no-edit"}
	if p.Message != "" {
		args = append(args, "-m", p.Message)
	}
	args = append(args, p.Branch)

	out, err := c.run(ctx, req, "merge", args...)
	if err != nil {
		return nil, err
	}
	if strings.Contains(out, "Already up to date") {
		return marshalResult(MergeResult{UpToDate: true})
	}

	res := MergeResult{}
	if head, err := c.run(ctx, req, "", "rev-parse", "HEAD"); err == nil {
		res.OID = strings.TrimSpace(head)
	}
	return marshalResult(res)
}

func (c *CLI) rebase(ctx context.Context, req Request) (json.RawMessage, error) {
	var p RebaseParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Upstream == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "upstream is required")
	}

	if _, err := c.run(ctx, req, "rebase", "rebase", p.Upstream); err != nil {
		return nil, err
	}

	res := MergeResult{}
	if head, err := c.run(ctx, req, "", "rev-parse", "HEAD"); err == nil {
		res.OID = strings.TrimSpace(head)
	}
	return marshalResult(res)
}

func (c *CLI) commitApply(ctx context.Context, req Request, verb string) (json.RawMessage, error) {
	var p CommitRefParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Commit == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "commit is required")
	}

	if _, err := c.run(ctx, req, verb, verb, "--no-edit", p.Commit); err != nil {
		return nil, err
	}

	res := CommitResult{}
	if head, err := c.run(ctx, req, "", "rev-parse", "HEAD"); err == nil {
		res.OID = strings.TrimSpace(head)
	}
	return marshalResult(res)
}

func (c *CLI) stashPush(ctx context.Context, req Request) (json.RawMessage, error) {
	var p StashParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	args := []string{"stash", "push"}
	if p.Message != "" {
		args = append(args, "-m", p.Message)
	}
	out, err := c.run(ctx, req, "", args...)
	if err != nil {
		return nil, err
	}
	if strings.Contains(out, "No local changes") {
		return nil, errdefs.New(errdefs.KindGitNoChanges, "no local changes to stash")
	}
	return marshalResult(map[string]bool{"stashed": true})
}

func (c *CLI) stashPop(ctx context.Context, req Request) (json.RawMessage, error) {
	if _, err := c.run(ctx, req, "", "stash", "pop"); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"popped": true})
}

func (c *CLI) stashList(ctx context.Context, req Request) (json.RawMessage, error) {
	out, err := c.run(ctx, req, "", "stash", "list")
	if err != nil {
		return nil, err
	}
	entries := []string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return marshalResult(map[string]any{"stashes": entries})
}

func (c *CLI) sparseCheckout(ctx context.Context, req Request) (json.RawMessage, error) {
	var p SparseCheckoutParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if len(p.Paths) == 0 {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "paths are required")
	}
	args := append([]string{"sparse-checkout", "set"}, p.Paths...)
	if _, err := c.run(ctx, req, "", args...); err != nil {
		return nil, err
	}
	return marshalResult(map[string]any{"paths": p.Paths})
}

func (c *CLI) submoduleAdd(ctx context.Context, req Request) (json.RawMessage, error) {
	var p SubmoduleParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" || p.Path == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "submodule url and path are required")
	}
	if err := creds.ValidateRemoteURL(p.URL); err != nil {
		return nil, err
	}
	if _, err := c.run(ctx, req, "", "submodule", "add", p.URL, p.Path); err != nil {
		return nil, err
	}
	return marshalResult(map[string]bool{"added": true})
}

func (c *CLI) submoduleUpdate(ctx context.Context, req Request) (json.RawMessage, error) {
	var p SubmoduleParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	args := []string{"submodule", "update", "--recursive"}
	if p.Init {
		args = append(args, "--init")
	}
	if p.Path != "" {
		args = append(args, "--", p.Path)
	}
	if _, err := c.run(ctx, req, "", args...); err != nil {
		return nil, err
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(map[string]bool{"updated": true})
}

func (c *CLI) lfsTrack(ctx context.Context, req Request) (json.RawMessage, error) {
	var p LFSParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if len(p.Patterns) == 0 {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "patterns are required")
	}
	if _, err := c.run(ctx, req, "", "lfs", "install", "--local"); err != nil {
		return nil, err
	}
	args := append([]string{"lfs", "track"}, p.Patterns...)
	if _, err := c.run(ctx, req, "", args...); err != nil {
		return nil, err
	}
	return marshalResult(map[string]any{"tracked": p.Patterns})
}

func (c *CLI) lfsPull(ctx context.Context, req Request) (json.RawMessage, error) {
	if _, err := c.run(ctx, req, "", "lfs", "pull"); err != nil {
		return nil, err
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(map[string]bool{"pulled": true})
}

// run executes git in the workspace. abortVerb names the in-progress
// state to roll back when the command fails or is cancelled mid-way
// ("merge", "rebase", "cherry-pick", "revert"); empty means no
// rollback applies. The rollback keeps the workspace fully applied or
// fully rolled back, never partial.
func (c *CLI) run(ctx context.Context, req Request, abortVerb string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = c.env(req.Cred)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if req.Progress != nil && args[0] == "clone" {
		// Progress rides on stderr; keep a copy for error mapping.
		cmd.Stderr = io.MultiWriter(newProgressWriter(req.Progress), &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() != nil {
		c.abort(req, abortVerb)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", errdefs.Wrap(errdefs.KindTimeout, "git "+args[0]+" timed out", ctx.Err())
		}
		return "", errdefs.Wrap(errdefs.KindTaskCancelled, "git "+args[0]+" cancelled", ctx.Err())
	}

	combined := stderr.String() + stdout.String()

	if abortVerb != "" && containsConflictMarker(combined) {
		conflicts := c.collectConflicts(req)
		c.abort(req, abortVerb)
		kind := errdefs.KindMergeConflict
		if abortVerb == "rebase" {
			kind = errdefs.KindRebaseConflict
		}
		cErr := errdefs.Newf(kind, "%s stopped on conflicts in %d file(s)", abortVerb, len(conflicts)).
			WithSuggestion("Resolve the conflicts manually, then stage and commit the resolution")
		if b, mErr := json.Marshal(conflicts); mErr == nil {
			cErr = cErr.WithContext("conflicts", string(b))
		}
		return "", cErr
	}

	return "", c.mapExitError(args[0], combined, err)
}

// abort rolls back an interrupted merge-family operation with a fresh
// context, since the task context may already be done.
func (c *CLI) abort(req Request, verb string) {
	if verb == "" {
		return
	}
	cmd := exec.Command(c.gitPath, verb, "--abort")
	cmd.Dir = req.WorkspacePath
	_ = cmd.Run()
}

// collectConflicts reads the conflicted paths from porcelain status.
func (c *CLI) collectConflicts(req Request) []Conflict {
	cmd := exec.Command(c.gitPath, "status", "--porcelain")
	cmd.Dir = req.WorkspacePath
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var conflicts []Conflict
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], strings.TrimSpace(line[3:])
		var kind string
		switch code {
		case "UU":
			kind = "both-modified"
		case "AA":
			kind = "both-added"
		case "UD":
			kind = "deleted-by-them"
		case "DU":
			kind = "deleted-by-us"
		default:
			continue
		}
		conflicts = append(conflicts, Conflict{Path: path, Kind: kind})
	}
	return conflicts
}

func containsConflictMarker(out string) bool {
	return strings.Contains(out, "CONFLICT") ||
		strings.Contains(out, "could not apply") ||
		strings.Contains(out, "Automatic merge failed")
}

// env builds the child process environment. Secrets ride in env
// variables, never on the command line where they would be visible in
// the process table.
func (c *CLI) env(cred *creds.Credential) []string {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_LFS_SKIP_SMUDGE=0")
	if cred == nil {
		return env
	}
	switch cred.Type {
	case creds.AuthToken, creds.AuthUsernamePassword:
		basic := base64.StdEncoding.EncodeToString(
			[]byte(cred.BasicUsername() + ":" + cred.BasicPassword()))
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+basic,
		)
	case creds.AuthSSHKey:
		env = append(env, fmt.Sprintf(
			"GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o BatchMode=yes", cred.SSHKeyPath))
	case creds.AuthSSHAgent:
		env = append(env, "SSH_AUTH_SOCK="+cred.SSHAgentSock)
	}
	return env
}

// mapExitError classifies a git CLI failure from its output.
func (c *CLI) mapExitError(verb, output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "authentication failed") || strings.Contains(lower, "could not read username"):
		return errdefs.Wrap(errdefs.KindAuthFailed, "authentication failed", err).
			WithSuggestion("Configure GIT_TOKEN, SSH keys or username/password credentials")
	case strings.Contains(lower, "repository not found") || strings.Contains(lower, "does not appear to be a git repository"):
		return errdefs.Wrap(errdefs.KindRepoNotFound, "repository not found", err).
			WithSuggestion("Check the repository URL")
	case strings.Contains(lower, "permission denied"):
		return errdefs.Wrap(errdefs.KindRepoAccessDenied, "access to repository denied", err)
	case strings.Contains(lower, "could not resolve host") || strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection timed out") || strings.Contains(lower, "network is unreachable"):
		return errdefs.Wrap(errdefs.KindNetworkError, "network error during "+verb, err).
			WithSuggestion("Check connectivity and retry")
	case strings.Contains(lower, "non-fast-forward") || strings.Contains(lower, "[rejected]"):
		return errdefs.Wrap(errdefs.KindPushRejected, "push rejected", err).
			WithSuggestion("Pull or rebase onto the remote branch, then push again")
	case strings.Contains(lower, "not a git repository"):
		return errdefs.Wrap(errdefs.KindGitNotARepo, "not a git repository", err)
	case strings.Contains(lower, "nothing to commit"):
		return errdefs.Wrap(errdefs.KindGitNoChanges, "nothing to commit", err)
	default:
		msg := firstLine(output)
		if msg == "" {
			msg = "git " + verb + " failed"
		}
		return errdefs.Wrap(errdefs.KindGitCommandFailed, msg, err)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
