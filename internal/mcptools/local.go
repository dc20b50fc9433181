package mcptools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// registerLocal wires the synchronous, workspace-local tools. These
// bypass the queue: handler -> task manager -> adapter.
func (h *Handlers) registerLocal(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("git_init",
		mcp.WithDescription("Initialize an empty repository in a workspace"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Target workspace")),
		mcp.WithBoolean("bare", mcp.Description("Create a bare repository")),
	), h.syncOp(models.OpInit, func(req mcp.CallToolRequest) (any, error) {
		return gitops.InitParams{Bare: req.GetBool("bare", false)}, nil
	}))

	s.AddTool(mcp.NewTool("git_status",
		mcp.WithDescription("Show working tree status"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpStatus, decodeEmpty))

	s.AddTool(mcp.NewTool("git_add",
		mcp.WithDescription("Stage files matching a pattern"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("file_pattern", mcp.Required(), mcp.Description("Glob of files to stage, e.g. README.md or src/*")),
	), h.syncOp(models.OpAdd, func(req mcp.CallToolRequest) (any, error) {
		pattern, err := req.RequireString("file_pattern")
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "file_pattern is required", err)
		}
		if err := validateRelPath(pattern); err != nil {
			return nil, err
		}
		return gitops.AddParams{FilePattern: pattern}, nil
	}))

	s.AddTool(mcp.NewTool("git_commit",
		mcp.WithDescription("Record staged changes as a commit"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Commit message")),
		mcp.WithObject("author", mcp.Description("Author as {name, email}")),
		mcp.WithBoolean("allow_empty", mcp.Description("Permit a commit with no changes")),
	), h.syncOp(models.OpCommit, func(req mcp.CallToolRequest) (any, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidCommitMessage, "message is required", err)
		}
		p := gitops.CommitParams{
			Message:    message,
			AllowEmpty: req.GetBool("allow_empty", false),
		}
		args := req.GetArguments()
		if raw, ok := args["author"]; ok {
			b, err := json.Marshal(raw)
			if err == nil {
				var a gitops.Author
				if json.Unmarshal(b, &a) == nil && (a.Name != "" || a.Email != "") {
					p.Author = &a
				}
			}
		}
		return p, nil
	}))

	s.AddTool(mcp.NewTool("git_log",
		mcp.WithDescription("Read commit history"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits to return (default 50)")),
		mcp.WithString("path", mcp.Description("Limit history to one path")),
	), h.syncOp(models.OpLog, func(req mcp.CallToolRequest) (any, error) {
		path := req.GetString("path", "")
		if err := validateRelPath(path); err != nil {
			return nil, err
		}
		return gitops.LogParams{
			MaxCount: req.GetInt("max_count", 0),
			Path:     path,
		}, nil
	}))

	s.AddTool(mcp.NewTool("git_diff",
		mcp.WithDescription("Diff two revisions"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("from", mcp.Description("Base revision (default HEAD~1)")),
		mcp.WithString("to", mcp.Description("Target revision (default HEAD)")),
	), h.syncOp(models.OpDiff, func(req mcp.CallToolRequest) (any, error) {
		return gitops.DiffParams{
			From: req.GetString("from", ""),
			To:   req.GetString("to", ""),
		}, nil
	}))

	s.AddTool(mcp.NewTool("git_blame",
		mcp.WithDescription("Annotate each line of a file with its last commit"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File to annotate")),
	), h.syncOp(models.OpBlame, func(req mcp.CallToolRequest) (any, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "path is required", err)
		}
		if err := validateRelPath(path); err != nil {
			return nil, err
		}
		return gitops.BlameParams{Path: path}, nil
	}))

	s.AddTool(mcp.NewTool("git_checkout",
		mcp.WithDescription("Switch to a branch or revision"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Branch name or revision")),
		mcp.WithBoolean("create", mcp.Description("Create the branch first")),
		mcp.WithBoolean("force", mcp.Description("Discard local changes")),
	), h.syncOp(models.OpCheckout, func(req mcp.CallToolRequest) (any, error) {
		ref, err := req.RequireString("ref")
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "ref is required", err)
		}
		if err := validateBranchName(ref); err != nil {
			return nil, err
		}
		return gitops.CheckoutParams{
			Ref:    ref,
			Create: req.GetBool("create", false),
			Force:  req.GetBool("force", false),
		}, nil
	}))

	s.AddTool(mcp.NewTool("git_branch",
		mcp.WithDescription("List local branches"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpBranchList, decodeEmpty))

	s.AddTool(mcp.NewTool("git_branch_create",
		mcp.WithDescription("Create a branch"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name")),
		mcp.WithString("start_point", mcp.Description("Revision to branch from (default HEAD)")),
	), h.syncOp(models.OpBranchCreate, decodeBranch))

	s.AddTool(mcp.NewTool("git_branch_delete",
		mcp.WithDescription("Delete a branch"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name")),
		mcp.WithBoolean("force", mcp.Description("Delete even if unmerged")),
	), h.syncOp(models.OpBranchDelete, decodeBranch))

	s.AddTool(mcp.NewTool("git_cherry_pick",
		mcp.WithDescription("Apply an existing commit onto the current branch"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("commit", mcp.Required(), mcp.Description("Commit to apply")),
	), h.syncOp(models.OpCherryPick, decodeCommitRef))

	s.AddTool(mcp.NewTool("git_revert",
		mcp.WithDescription("Revert an existing commit"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("commit", mcp.Required(), mcp.Description("Commit to revert")),
	), h.syncOp(models.OpRevert, decodeCommitRef))

	s.AddTool(mcp.NewTool("git_reset",
		mcp.WithDescription("Reset HEAD, the index and optionally the worktree"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("mode", mcp.Description("soft, mixed (default) or hard")),
		mcp.WithString("ref", mcp.Description("Revision to reset to (default HEAD)")),
	), h.syncOp(models.OpReset, func(req mcp.CallToolRequest) (any, error) {
		return gitops.ResetParams{
			Mode: req.GetString("mode", ""),
			Ref:  req.GetString("ref", ""),
		}, nil
	}))

	s.AddTool(mcp.NewTool("git_clean",
		mcp.WithDescription("Remove untracked files"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithBoolean("directories", mcp.Description("Also remove untracked directories")),
	), h.syncOp(models.OpClean, func(req mcp.CallToolRequest) (any, error) {
		return gitops.CleanParams{Directories: req.GetBool("directories", false)}, nil
	}))

	s.AddTool(mcp.NewTool("git_stash",
		mcp.WithDescription("Stash local changes"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("message", mcp.Description("Stash message")),
	), h.syncOp(models.OpStashPush, func(req mcp.CallToolRequest) (any, error) {
		return gitops.StashParams{Message: req.GetString("message", "")}, nil
	}))

	s.AddTool(mcp.NewTool("git_stash_pop",
		mcp.WithDescription("Apply and drop the latest stash"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpStashPop, decodeEmpty))

	s.AddTool(mcp.NewTool("git_stash_list",
		mcp.WithDescription("List stashes"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpStashList, decodeEmpty))

	s.AddTool(mcp.NewTool("git_tag_create",
		mcp.WithDescription("Create a tag"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Tag name")),
		mcp.WithString("message", mcp.Description("Annotation message; omit for a lightweight tag")),
		mcp.WithString("target", mcp.Description("Revision to tag (default HEAD)")),
	), h.syncOp(models.OpTagCreate, decodeTag))

	s.AddTool(mcp.NewTool("git_tag_delete",
		mcp.WithDescription("Delete a tag"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Tag name")),
	), h.syncOp(models.OpTagDelete, decodeTag))

	s.AddTool(mcp.NewTool("git_tag_list",
		mcp.WithDescription("List tags"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpTagList, decodeEmpty))

	s.AddTool(mcp.NewTool("git_remote_list",
		mcp.WithDescription("List remotes"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpRemoteList, decodeEmpty))

	s.AddTool(mcp.NewTool("git_remote_add",
		mcp.WithDescription("Add a remote"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Remote name")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Remote URL")),
	), h.syncOp(models.OpRemoteAdd, decodeRemote))

	s.AddTool(mcp.NewTool("git_remote_remove",
		mcp.WithDescription("Remove a remote"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Remote name")),
	), h.syncOp(models.OpRemoteRemove, decodeRemote))

	s.AddTool(mcp.NewTool("git_sparse_checkout",
		mcp.WithDescription("Set the sparse-checkout path set"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithArray("paths", mcp.Required(), mcp.Description("Paths to keep checked out"), mcp.Items(map[string]any{"type": "string"})),
	), h.syncOp(models.OpSparseCheckout, func(req mcp.CallToolRequest) (any, error) {
		paths := req.GetStringSlice("paths", nil)
		if len(paths) == 0 {
			return nil, errdefs.New(errdefs.KindMissingRequiredParam, "paths are required")
		}
		if err := validateRelPaths(paths); err != nil {
			return nil, err
		}
		return gitops.SparseCheckoutParams{Paths: paths}, nil
	}))

	s.AddTool(mcp.NewTool("git_submodule_list",
		mcp.WithDescription("List submodules"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.syncOp(models.OpSubmoduleList, decodeEmpty))

	s.AddTool(mcp.NewTool("git_lfs_track",
		mcp.WithDescription("Track file patterns with git-lfs"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithArray("patterns", mcp.Required(), mcp.Description("Patterns to track"), mcp.Items(map[string]any{"type": "string"})),
	), h.syncOp(models.OpLFSTrack, func(req mcp.CallToolRequest) (any, error) {
		patterns := req.GetStringSlice("patterns", nil)
		if len(patterns) == 0 {
			return nil, errdefs.New(errdefs.KindMissingRequiredParam, "patterns are required")
		}
		if err := validateRelPaths(patterns); err != nil {
			return nil, err
		}
		return gitops.LFSParams{Patterns: patterns}, nil
	}))
}

// syncOp builds a handler that validates, decodes and runs one local
// operation synchronously.
func (h *Handlers) syncOp(op models.Operation, decode func(mcp.CallToolRequest) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "workspace_id is required", err)), nil
		}
		params, err := decode(req)
		if err != nil {
			return h.errorResult(err), nil
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return h.errorResult(err), nil
		}
		result, err := h.tasks.RunSync(ctx, op, raw, workspaceID)
		if err != nil {
			return h.errorResult(err), nil
		}
		return mcp.NewToolResultText(h.redactor.Redact(string(result))), nil
	}
}

func decodeBranch(req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidBranchName, "name is required", err)
	}
	if err := validateBranchName(name); err != nil {
		return nil, err
	}
	start := req.GetString("start_point", "")
	if err := validateBranchName(start); err != nil {
		return nil, err
	}
	return gitops.BranchParams{
		Name:       name,
		StartPoint: start,
		Force:      req.GetBool("force", false),
	}, nil
}

func decodeCommitRef(req mcp.CallToolRequest) (any, error) {
	commit, err := req.RequireString("commit")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "commit is required", err)
	}
	return gitops.CommitRefParams{Commit: commit}, nil
}

func decodeTag(req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "name is required", err)
	}
	if err := validateBranchName(name); err != nil {
		return nil, err
	}
	return gitops.TagParams{
		Name:    name,
		Message: req.GetString("message", ""),
		Target:  req.GetString("target", ""),
	}, nil
}

func decodeRemote(req mcp.CallToolRequest) (any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "name is required", err)
	}
	url := req.GetString("url", "")
	return gitops.RemoteParams{Name: name, URL: url}, nil
}
