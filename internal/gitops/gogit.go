package gitops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// aheadBehindLimit bounds the history walk when counting divergence.
const aheadBehindLimit = 1000

// GoGit is the library-backed adapter. It serves every operation
// go-git implements natively.
type GoGit struct {
	defaultCloneDepth int
}

// NewGoGit creates the go-git backend.
func NewGoGit(defaultCloneDepth int) *GoGit {
	return &GoGit{defaultCloneDepth: defaultCloneDepth}
}

// Run dispatches one operation.
func (g *GoGit) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	switch req.Op {
	case models.OpInit:
		return g.initRepo(req)
	case models.OpClone:
		return g.clone(ctx, req)
	case models.OpFetch:
		return g.fetch(ctx, req)
	case models.OpPull:
		return g.pull(ctx, req)
	case models.OpPush:
		return g.push(ctx, req)
	case models.OpStatus:
		return g.status(req)
	case models.OpAdd:
		return g.add(req)
	case models.OpCommit:
		return g.commit(req)
	case models.OpLog:
		return g.log(req)
	case models.OpDiff:
		return g.diff(req)
	case models.OpBlame:
		return g.blame(req)
	case models.OpCheckout:
		return g.checkout(req)
	case models.OpBranchList:
		return g.branchList(req)
	case models.OpBranchCreate:
		return g.branchCreate(req)
	case models.OpBranchDelete:
		return g.branchDelete(req)
	case models.OpTagList:
		return g.tagList(req)
	case models.OpTagCreate:
		return g.tagCreate(req)
	case models.OpTagDelete:
		return g.tagDelete(req)
	case models.OpRemoteList:
		return g.remoteList(req)
	case models.OpRemoteAdd:
		return g.remoteAdd(req)
	case models.OpRemoteRemove:
		return g.remoteRemove(req)
	case models.OpReset:
		return g.reset(req)
	case models.OpClean:
		return g.clean(req)
	case models.OpSubmoduleList:
		return g.submoduleList(req)
	default:
		return nil, errdefs.Newf(errdefs.KindInternal, "operation %s not supported by go-git backend", req.Op)
	}
}

func (g *GoGit) initRepo(req Request) (json.RawMessage, error) {
	var p InitParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if _, err := git.PlainInit(req.WorkspacePath, p.Bare); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"initialized": true})
}

func (g *GoGit) clone(ctx context.Context, req Request) (json.RawMessage, error) {
	var p CloneParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}

	depth := p.Depth
	if depth == 0 {
		depth = g.defaultCloneDepth
	}

	opts := &git.CloneOptions{
		URL:          p.URL,
		Depth:        depth,
		SingleBranch: p.SingleBranch,
		Auth:         authMethod(req.Cred),
		Progress:     newProgressWriter(req.Progress),
	}
	if p.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(p.Branch)
	}

	repo, err := git.PlainCloneContext(ctx, req.WorkspacePath, false, opts)
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	if len(p.SparsePaths) > 0 {
		wt, err := repo.Worktree()
		if err != nil {
			return nil, mapGitError(req.Op, err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{
			SparseCheckoutDirectories: p.SparsePaths,
		}); err != nil {
			return nil, mapGitError(req.Op, err)
		}
	}

	res := CloneResult{}
	if head, err := repo.Head(); err == nil {
		res.Head = head.Hash().String()
		if head.Name().IsBranch() {
			res.Branch = head.Name().Short()
		}
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(res)
}

func (g *GoGit) fetch(ctx context.Context, req Request) (json.RawMessage, error) {
	var p FetchParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remote,
		Prune:      p.Prune,
		Auth:       authMethod(req.Cred),
		Progress:   newProgressWriter(req.Progress),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return marshalResult(map[string]bool{"up_to_date": true})
	}
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(map[string]bool{"fetched": true})
}

func (g *GoGit) pull(ctx context.Context, req Request) (json.RawMessage, error) {
	var p PullParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	opts := &git.PullOptions{
		RemoteName: remote,
		Auth:       authMethod(req.Cred),
		Progress:   newProgressWriter(req.Progress),
	}
	if p.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(p.Branch)
	}

	err = wt.PullContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return marshalResult(MergeResult{UpToDate: true})
	}
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	res := MergeResult{}
	if head, err := repo.Head(); err == nil {
		res.OID = head.Hash().String()
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(res)
}

func (g *GoGit) push(ctx context.Context, req Request) (json.RawMessage, error) {
	var p PushParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	opts := &git.PushOptions{
		RemoteName: remote,
		Force:      p.Force,
		Auth:       authMethod(req.Cred),
		Progress:   newProgressWriter(req.Progress),
	}
	if p.Branch != "" {
		ref := plumbing.NewBranchReferenceName(p.Branch)
		opts.RefSpecs = []gitcfg.RefSpec{gitcfg.RefSpec(ref + ":" + ref)}
	}
	if p.Tags {
		opts.RefSpecs = append(opts.RefSpecs, gitcfg.RefSpec("refs/tags/*:refs/tags/*"))
	}

	err = repo.PushContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return marshalResult(map[string]bool{"up_to_date": true})
	}
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return marshalResult(map[string]bool{"pushed": true})
}

func (g *GoGit) status(req Request) (json.RawMessage, error) {
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	res := StatusResult{
		Modified:  []string{},
		Staged:    []string{},
		Untracked: []string{},
	}
	for path, fs := range st {
		switch {
		case fs.Worktree == git.Untracked:
			res.Untracked = append(res.Untracked, path)
		default:
			if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
				res.Staged = append(res.Staged, path)
			}
			if fs.Worktree != git.Unmodified && fs.Worktree != git.Untracked {
				res.Modified = append(res.Modified, path)
			}
		}
	}
	sort.Strings(res.Modified)
	sort.Strings(res.Staged)
	sort.Strings(res.Untracked)

	head, err := repo.Head()
	if err == nil && head.Name().IsBranch() {
		res.Branch = head.Name().Short()
		res.Ahead, res.Behind = aheadBehind(repo, head)
	}
	return marshalResult(res)
}

func (g *GoGit) add(req Request) (json.RawMessage, error) {
	var p AddParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.FilePattern == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "file_pattern is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	if err := wt.AddGlob(p.FilePattern); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"staged": true})
}

func (g *GoGit) commit(req Request) (json.RawMessage, error) {
	var p CommitParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, errdefs.New(errdefs.KindInvalidCommitMessage, "commit message is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	opts := &git.CommitOptions{AllowEmptyCommits: p.AllowEmpty}
	if p.Author != nil {
		opts.Author = &object.Signature{
			Name:  p.Author.Name,
			Email: p.Author.Email,
			When:  time.Now(),
		}
	}

	hash, err := wt.Commit(p.Message, opts)
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil, errdefs.New(errdefs.KindGitNoChanges, "nothing to commit").
				WithSuggestion("Stage changes with git_add first, or pass allow_empty")
		}
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(CommitResult{OID: hash.String()})
}

func (g *GoGit) log(req Request) (json.RawMessage, error) {
	var p LogParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	opts := &git.LogOptions{From: head.Hash()}
	if p.Path != "" {
		path := p.Path
		opts.PathFilter = func(s string) bool { return s == path || strings.HasPrefix(s, path+"/") }
	}
	iter, err := repo.Log(opts)
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	defer iter.Close()

	maxCount := p.MaxCount
	if maxCount <= 0 {
		maxCount = 50
	}

	entries := []LogEntry{}
	err = iter.ForEach(func(c *object.Commit) error {
		if len(entries) >= maxCount {
			return errIterDone
		}
		entries = append(entries, LogEntry{
			OID:     c.Hash.String(),
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			Date:    c.Author.When.UTC().Format(time.RFC3339),
			Message: strings.TrimRight(c.Message, "\n"),
		})
		return nil
	})
	if err != nil && !errors.Is(err, errIterDone) {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]any{"entries": entries})
}

func (g *GoGit) diff(req Request) (json.RawMessage, error) {
	var p DiffParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	to := p.To
	if to == "" {
		to = "HEAD"
	}
	from := p.From
	if from == "" {
		from = to + "~1"
	}

	fromCommit, err := g.resolveCommit(repo, from)
	if err != nil {
		return nil, err
	}
	toCommit, err := g.resolveCommit(repo, to)
	if err != nil {
		return nil, err
	}

	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]string{"patch": patch.String()})
}

func (g *GoGit) blame(req Request) (json.RawMessage, error) {
	var p BlameParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "path is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	result, err := git.Blame(commit, p.Path)
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	lines := make([]BlameLine, 0, len(result.Lines))
	for i, l := range result.Lines {
		lines = append(lines, BlameLine{
			OID:    l.Hash.String(),
			Author: l.Author,
			Line:   i + 1,
			Text:   l.Text,
		})
	}
	return marshalResult(map[string]any{"lines": lines})
}

func (g *GoGit) checkout(req Request) (json.RawMessage, error) {
	var p CheckoutParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Ref == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "ref is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	opts := &git.CheckoutOptions{Create: p.Create, Force: p.Force}
	if hash, hashErr := g.resolveHash(repo, p.Ref); hashErr == nil && !p.Create {
		// Prefer a branch ref when one matches; fall back to detached
		// checkout of the resolved commit.
		if _, refErr := repo.Reference(plumbing.NewBranchReferenceName(p.Ref), true); refErr == nil {
			opts.Branch = plumbing.NewBranchReferenceName(p.Ref)
		} else {
			opts.Hash = hash
		}
	} else {
		opts.Branch = plumbing.NewBranchReferenceName(p.Ref)
	}

	if err := wt.Checkout(opts); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]string{"ref": p.Ref})
}

func (g *GoGit) branchList(req Request) (json.RawMessage, error) {
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	defer iter.Close()

	current := ""
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		current = head.Name().Short()
	}

	branches := []map[string]any{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		branches = append(branches, map[string]any{
			"name":    name,
			"oid":     ref.Hash().String(),
			"current": name == current,
		})
		return nil
	})
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]any{"branches": branches})
}

func (g *GoGit) branchCreate(req Request) (json.RawMessage, error) {
	var p BranchParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errdefs.New(errdefs.KindInvalidBranchName, "branch name is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	start := p.StartPoint
	if start == "" {
		start = "HEAD"
	}
	hash, err := g.resolveHash(repo, start)
	if err != nil {
		return nil, err
	}

	refName := plumbing.NewBranchReferenceName(p.Name)
	if _, err := repo.Reference(refName, false); err == nil && !p.Force {
		return nil, errdefs.Newf(errdefs.KindInvalidBranchName, "branch already exists: %s", p.Name)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]string{"name": p.Name, "oid": hash.String()})
}

func (g *GoGit) branchDelete(req Request) (json.RawMessage, error) {
	var p BranchParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	refName := plumbing.NewBranchReferenceName(p.Name)
	if head, err := repo.Head(); err == nil && head.Name() == refName {
		return nil, errdefs.Newf(errdefs.KindGitCommandFailed, "cannot delete the checked-out branch %s", p.Name)
	}
	if _, err := repo.Reference(refName, false); err != nil {
		return nil, errdefs.Newf(errdefs.KindInvalidBranchName, "branch not found: %s", p.Name)
	}
	if err := repo.Storer.RemoveReference(refName); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"deleted": true})
}

func (g *GoGit) tagList(req Request) (json.RawMessage, error) {
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	defer iter.Close()

	tags := []map[string]string{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tags = append(tags, map[string]string{
			"name": ref.Name().Short(),
			"oid":  ref.Hash().String(),
		})
		return nil
	})
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]any{"tags": tags})
}

func (g *GoGit) tagCreate(req Request) (json.RawMessage, error) {
	var p TagParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "tag name is required")
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	target := p.Target
	if target == "" {
		target = "HEAD"
	}
	hash, err := g.resolveHash(repo, target)
	if err != nil {
		return nil, err
	}

	var opts *git.CreateTagOptions
	if p.Message != "" {
		opts = &git.CreateTagOptions{Message: p.Message}
	}
	if _, err := repo.CreateTag(p.Name, hash, opts); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]string{"name": p.Name, "oid": hash.String()})
}

func (g *GoGit) tagDelete(req Request) (json.RawMessage, error) {
	var p TagParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if err := repo.DeleteTag(p.Name); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"deleted": true})
}

func (g *GoGit) remoteList(req Request) (json.RawMessage, error) {
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	out := []map[string]any{}
	for _, r := range remotes {
		cfg := r.Config()
		urls := make([]string, len(cfg.URLs))
		for i, u := range cfg.URLs {
			urls[i] = creds.SanitizeURL(u)
		}
		out = append(out, map[string]any{"name": cfg.Name, "urls": urls})
	}
	return marshalResult(map[string]any{"remotes": out})
}

func (g *GoGit) remoteAdd(req Request) (json.RawMessage, error) {
	var p RemoteParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.URL == "" {
		return nil, errdefs.New(errdefs.KindMissingRequiredParam, "remote name and url are required")
	}
	if err := creds.ValidateRemoteURL(p.URL); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&gitcfg.RemoteConfig{Name: p.Name, URLs: []string{p.URL}}); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"added": true})
}

func (g *GoGit) remoteRemove(req Request) (json.RawMessage, error) {
	var p RemoteParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if err := repo.DeleteRemote(p.Name); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"removed": true})
}

func (g *GoGit) reset(req Request) (json.RawMessage, error) {
	var p ResetParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	mode := git.MixedReset
	switch strings.ToLower(p.Mode) {
	case "", "mixed":
	case "soft":
		mode = git.SoftReset
	case "hard":
		mode = git.HardReset
	default:
		return nil, errdefs.Newf(errdefs.KindParameterConflict, "unknown reset mode %q", p.Mode)
	}

	opts := &git.ResetOptions{Mode: mode}
	if p.Ref != "" {
		hash, err := g.resolveHash(repo, p.Ref)
		if err != nil {
			return nil, err
		}
		opts.Commit = hash
	}
	if err := wt.Reset(opts); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"reset": true})
}

func (g *GoGit) clean(req Request) (json.RawMessage, error) {
	var p CleanParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: p.Directories}); err != nil {
		return nil, mapGitError(req.Op, err)
	}
	return marshalResult(map[string]bool{"cleaned": true})
}

func (g *GoGit) submoduleList(req Request) (json.RawMessage, error) {
	repo, err := g.open(req.WorkspacePath)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}
	subs, err := wt.Submodules()
	if err != nil {
		return nil, mapGitError(req.Op, err)
	}

	out := []map[string]string{}
	for _, s := range subs {
		cfg := s.Config()
		out = append(out, map[string]string{
			"name": cfg.Name,
			"path": cfg.Path,
			"url":  creds.SanitizeURL(cfg.URL),
		})
	}
	return marshalResult(map[string]any{"submodules": out})
}

// --- helpers ---

func (g *GoGit) open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errdefs.New(errdefs.KindGitNotARepo, "workspace does not contain a repository").
			WithSuggestion("Clone or init a repository in this workspace first")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return repo, nil
}

func (g *GoGit) resolveHash(repo *git.Repository, rev string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, errdefs.Newf(errdefs.KindGitCommandFailed, "cannot resolve revision %q", rev)
	}
	return *hash, nil
}

func (g *GoGit) resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := g.resolveHash(repo, rev)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindGitCommandFailed, "revision %q is not a commit", rev)
	}
	return commit, nil
}

// errIterDone stops commit iteration early.
var errIterDone = errors.New("iteration done")

// aheadBehind counts divergence between a branch head and its remote
// tracking ref. The walk is bounded; histories longer than the bound
// report the bound.
func aheadBehind(repo *git.Repository, head *plumbing.Reference) (ahead, behind int) {
	remoteRef, err := repo.Reference(
		plumbing.NewRemoteReferenceName("origin", head.Name().Short()), true)
	if err != nil {
		return 0, 0
	}

	localSet := ancestorSet(repo, head.Hash())
	remoteSet := ancestorSet(repo, remoteRef.Hash())

	for h := range localSet {
		if !remoteSet[h] {
			ahead++
		}
	}
	for h := range remoteSet {
		if !localSet[h] {
			behind++
		}
	}
	return ahead, behind
}

func ancestorSet(repo *git.Repository, from plumbing.Hash) map[plumbing.Hash]bool {
	set := make(map[plumbing.Hash]bool)
	iter, err := repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return set
	}
	defer iter.Close()
	_ = iter.ForEach(func(c *object.Commit) error {
		if len(set) >= aheadBehindLimit {
			return errIterDone
		}
		set[c.Hash] = true
		return nil
	})
	return set
}

// authMethod builds the go-git auth for a credential. Lazy failure is
// fine here: a broken SSH key surfaces as AUTH_FAILED when the
// transport uses it.
func authMethod(cred *creds.Credential) transport.AuthMethod {
	if cred == nil {
		return nil
	}
	switch cred.Type {
	case creds.AuthToken, creds.AuthUsernamePassword:
		return &githttp.BasicAuth{
			Username: cred.BasicUsername(),
			Password: cred.BasicPassword(),
		}
	case creds.AuthSSHKey:
		keys, err := gitssh.NewPublicKeysFromFile("git", cred.SSHKeyPath, cred.SSHPassphrase.Value())
		if err != nil {
			return nil
		}
		return keys
	case creds.AuthSSHAgent:
		agent, err := gitssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil
		}
		return agent
	}
	return nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errdefs.Wrap(errdefs.KindMissingRequiredParam, "malformed operation parameters", err)
	}
	return nil
}

// mapGitError classifies a go-git failure into the taxonomy.
func mapGitError(op models.Operation, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return errdefs.Wrap(errdefs.KindTaskCancelled, "operation cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Wrap(errdefs.KindTimeout, "operation timed out", err)
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return errdefs.Wrap(errdefs.KindAuthFailed, "authentication required", err).
			WithSuggestion("Configure GIT_TOKEN, SSH keys or username/password credentials")
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return errdefs.Wrap(errdefs.KindRepoAccessDenied, "access to repository denied", err).
			WithSuggestion("Check that the configured credential has access to this repository")
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return errdefs.Wrap(errdefs.KindRepoNotFound, "repository not found", err).
			WithSuggestion("Check the repository URL")
	case errors.Is(err, git.ErrRepositoryNotExists):
		return errdefs.Wrap(errdefs.KindGitNotARepo, "not a git repository", err)
	case strings.Contains(err.Error(), "non-fast-forward"):
		return errdefs.Wrap(errdefs.KindPushRejected, "push rejected: non-fast-forward", err).
			WithSuggestion("Pull or rebase onto the remote branch, then push again")
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return errdefs.Wrap(errdefs.KindGitCommandFailed, "reference not found", err)
	case isNetworkError(err):
		return errdefs.Wrap(errdefs.KindNetworkError, "network error during "+string(op), err).
			WithSuggestion("Check connectivity and retry")
	default:
		return errdefs.Wrap(errdefs.KindGitCommandFailed, string(op)+" failed", err)
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
