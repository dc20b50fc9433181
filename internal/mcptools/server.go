// Package mcptools exposes the Git operations as MCP tools. Handlers
// validate input shape, translate to task manager calls and apply
// redaction to everything leaving the process. They never touch the
// adapter directly.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/models"
	"github.com/gitsmith-dev/gitsmith/internal/store"
	"github.com/gitsmith-dev/gitsmith/internal/task"
	"github.com/gitsmith-dev/gitsmith/internal/workspace"
)

// Handlers bridges the tool surface to the core.
type Handlers struct {
	tasks      *task.Manager
	workspaces *workspace.Manager
	redactor   *creds.Redactor
	log        logger.Logger
}

// NewServer builds the MCP server with every tool registered.
func NewServer(tasks *task.Manager, ws *workspace.Manager, redactor *creds.Redactor, version string, log logger.Logger) *server.MCPServer {
	h := &Handlers{
		tasks:      tasks,
		workspaces: ws,
		redactor:   redactor,
		log:        log.Named("mcp"),
	}

	s := server.NewMCPServer("gitsmith", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h.register(s)
	return s
}

func (h *Handlers) register(s *server.MCPServer) {
	// Workspace lifecycle.
	s.AddTool(mcp.NewTool("git_workspace_allocate",
		mcp.WithDescription("Allocate a new isolated workspace directory"),
	), h.workspaceAllocate)

	s.AddTool(mcp.NewTool("git_workspace_list",
		mcp.WithDescription("List workspaces with their metadata"),
	), h.workspaceList)

	s.AddTool(mcp.NewTool("git_workspace_delete",
		mcp.WithDescription("Delete a workspace directory and its record"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace to delete")),
	), h.workspaceDelete)

	// Task lifecycle.
	s.AddTool(mcp.NewTool("git_get_task",
		mcp.WithDescription("Get the full record of a task by id"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id returned by an async tool")),
	), h.getTask)

	s.AddTool(mcp.NewTool("git_cancel_task",
		mcp.WithDescription("Cancel a queued or running task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to cancel")),
	), h.cancelTask)

	s.AddTool(mcp.NewTool("git_list_tasks",
		mcp.WithDescription("List task records, optionally filtered by status"),
		mcp.WithString("status", mcp.Description("Filter: QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED or TIMED_OUT")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return")),
	), h.listTasks)

	// Remote operations (async).
	s.AddTool(mcp.NewTool("git_clone",
		mcp.WithDescription("Clone a repository into a workspace (async; poll with git_get_task)"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Repository URL")),
		mcp.WithString("workspace_id", mcp.Description("Target workspace; allocated automatically when omitted")),
		mcp.WithString("branch", mcp.Description("Branch to clone")),
		mcp.WithNumber("depth", mcp.Description("Shallow clone depth (default from DEFAULT_CLONE_DEPTH)")),
		mcp.WithBoolean("single_branch", mcp.Description("Fetch only the selected branch")),
		mcp.WithString("filter", mcp.Description("Partial clone filter spec, e.g. blob:none")),
		mcp.WithArray("sparse_paths", mcp.Description("Initial sparse-checkout path set"), mcp.Items(map[string]any{"type": "string"})),
	), h.clone)

	s.AddTool(mcp.NewTool("git_fetch",
		mcp.WithDescription("Fetch from a remote (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("remote", mcp.Description("Remote name (default origin)")),
		mcp.WithBoolean("prune", mcp.Description("Prune removed remote refs")),
	), h.asyncOp(models.OpFetch, decodeFetch))

	s.AddTool(mcp.NewTool("git_pull",
		mcp.WithDescription("Pull from a remote (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("remote", mcp.Description("Remote name (default origin)")),
		mcp.WithString("branch", mcp.Description("Branch to pull")),
	), h.asyncOp(models.OpPull, decodePull))

	s.AddTool(mcp.NewTool("git_push",
		mcp.WithDescription("Push to a remote (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("remote", mcp.Description("Remote name (default origin)")),
		mcp.WithString("branch", mcp.Description("Branch to push")),
		mcp.WithBoolean("force", mcp.Description("Force push")),
		mcp.WithBoolean("tags", mcp.Description("Also push tags")),
	), h.asyncOp(models.OpPush, decodePush))

	s.AddTool(mcp.NewTool("git_merge",
		mcp.WithDescription("Merge a branch into the current branch (async; conflicts are reported, not mediated)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch to merge")),
		mcp.WithString("message", mcp.Description("Merge commit message")),
	), h.asyncOp(models.OpMerge, decodeMerge))

	s.AddTool(mcp.NewTool("git_rebase",
		mcp.WithDescription("Rebase the current branch onto an upstream (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("upstream", mcp.Required(), mcp.Description("Upstream ref to rebase onto")),
	), h.asyncOp(models.OpRebase, decodeRebase))

	s.AddTool(mcp.NewTool("git_submodule_update",
		mcp.WithDescription("Update submodules (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithBoolean("init", mcp.Description("Initialize new submodules")),
		mcp.WithString("path", mcp.Description("Limit to one submodule path")),
	), h.asyncOp(models.OpSubmoduleUpdate, decodeSubmodule))

	s.AddTool(mcp.NewTool("git_submodule_add",
		mcp.WithDescription("Add a submodule (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Submodule repository URL")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path for the submodule")),
	), h.asyncOp(models.OpSubmoduleAdd, decodeSubmodule))

	s.AddTool(mcp.NewTool("git_lfs_pull",
		mcp.WithDescription("Download LFS content (async)"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace containing the repository")),
	), h.asyncOp(models.OpLFSPull, decodeEmpty))

	// Local operations (sync).
	h.registerLocal(s)
}

// --- workspace handlers ---

func (h *Handlers) workspaceAllocate(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws, err := h.workspaces.Allocate(ctx)
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]string{"workspace_id": ws.ID, "path": ws.Path})
}

func (h *Handlers) workspaceList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := h.workspaces.List(ctx)
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]any{"workspaces": list})
}

func (h *Handlers) workspaceDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workspace_id")
	if err != nil {
		return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "workspace_id is required", err)), nil
	}
	if err := h.workspaces.Delete(ctx, id); err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]bool{"deleted": true})
}

// --- task handlers ---

func (h *Handlers) getTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "task_id is required", err)), nil
	}
	t, err := h.tasks.Status(ctx, id)
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(t)
}

func (h *Handlers) cancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("task_id")
	if err != nil {
		return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "task_id is required", err)), nil
	}
	cancelled, err := h.tasks.Cancel(ctx, id)
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]bool{"cancelled": cancelled})
}

func (h *Handlers) listTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskFilter{}
	if status := req.GetString("status", ""); status != "" {
		st := models.TaskStatus(status)
		switch st {
		case models.StatusQueued, models.StatusRunning, models.StatusCompleted,
			models.StatusFailed, models.StatusCancelled, models.StatusTimedOut:
			filter.Status = st
		default:
			return h.errorResult(errdefs.Newf(errdefs.KindMissingRequiredParam, "unknown status %q", status)), nil
		}
	}
	limit := req.GetInt("limit", 50)
	tasks, err := h.tasks.List(ctx, filter, limit)
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]any{"tasks": tasks})
}

// --- remote operation handlers ---

func (h *Handlers) clone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "url is required", err)), nil
	}
	if err := creds.ValidateRemoteURL(url); err != nil {
		return h.errorResult(err), nil
	}
	depth := req.GetInt("depth", 0)
	if depth < 0 {
		return h.errorResult(errdefs.New(errdefs.KindParameterConflict, "depth must be at least 1")), nil
	}
	sparsePaths := req.GetStringSlice("sparse_paths", nil)
	if err := validateRelPaths(sparsePaths); err != nil {
		return h.errorResult(err), nil
	}
	branch := req.GetString("branch", "")
	if err := validateBranchName(branch); err != nil {
		return h.errorResult(err), nil
	}

	workspaceID := req.GetString("workspace_id", "")
	if workspaceID == "" {
		ws, err := h.workspaces.Allocate(ctx)
		if err != nil {
			return h.errorResult(err), nil
		}
		workspaceID = ws.ID
	} else if _, err := h.workspaces.Get(ctx, workspaceID); err != nil {
		return h.errorResult(err), nil
	}

	params := gitops.CloneParams{
		URL:          url,
		Branch:       branch,
		Depth:        depth,
		SingleBranch: req.GetBool("single_branch", false),
		Filter:       req.GetString("filter", ""),
		SparsePaths:  sparsePaths,
	}
	return h.submit(ctx, models.OpClone, params, workspaceID)
}

// asyncOp builds a handler that validates, decodes and submits one
// async operation.
func (h *Handlers) asyncOp(op models.Operation, decode func(mcp.CallToolRequest) (any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workspaceID, err := req.RequireString("workspace_id")
		if err != nil {
			return h.errorResult(errdefs.Wrap(errdefs.KindMissingRequiredParam, "workspace_id is required", err)), nil
		}
		if _, err := h.workspaces.Get(ctx, workspaceID); err != nil {
			return h.errorResult(err), nil
		}
		params, err := decode(req)
		if err != nil {
			return h.errorResult(err), nil
		}
		return h.submit(ctx, op, params, workspaceID)
	}
}

func (h *Handlers) submit(ctx context.Context, op models.Operation, params any, workspaceID string) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return h.errorResult(fmt.Errorf("failed to encode parameters: %w", err)), nil
	}
	taskID, err := h.tasks.Submit(ctx, op, raw, workspaceID, task.SubmitOptions{})
	if err != nil {
		return h.errorResult(err), nil
	}
	return h.textResult(map[string]string{
		"task_id":      taskID,
		"status":       "queued",
		"workspace_id": workspaceID,
	})
}

// --- parameter decoders ---

func decodeEmpty(mcp.CallToolRequest) (any, error) {
	return struct{}{}, nil
}

func decodeFetch(req mcp.CallToolRequest) (any, error) {
	return gitops.FetchParams{
		Remote: req.GetString("remote", ""),
		Prune:  req.GetBool("prune", false),
	}, nil
}

func decodePull(req mcp.CallToolRequest) (any, error) {
	branch := req.GetString("branch", "")
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}
	return gitops.PullParams{
		Remote: req.GetString("remote", ""),
		Branch: branch,
	}, nil
}

func decodePush(req mcp.CallToolRequest) (any, error) {
	branch := req.GetString("branch", "")
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}
	return gitops.PushParams{
		Remote: req.GetString("remote", ""),
		Branch: branch,
		Force:  req.GetBool("force", false),
		Tags:   req.GetBool("tags", false),
	}, nil
}

func decodeMerge(req mcp.CallToolRequest) (any, error) {
	branch, err := req.RequireString("branch")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "branch is required", err)
	}
	if err := validateBranchName(branch); err != nil {
		return nil, err
	}
	return gitops.MergeParams{
		Branch:  branch,
		Message: req.GetString("message", ""),
	}, nil
}

func decodeRebase(req mcp.CallToolRequest) (any, error) {
	upstream, err := req.RequireString("upstream")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindMissingRequiredParam, "upstream is required", err)
	}
	if err := validateBranchName(upstream); err != nil {
		return nil, err
	}
	return gitops.RebaseParams{Upstream: upstream}, nil
}

func decodeSubmodule(req mcp.CallToolRequest) (any, error) {
	path := req.GetString("path", "")
	if err := validateRelPath(path); err != nil {
		return nil, err
	}
	url := req.GetString("url", "")
	if url != "" {
		if err := creds.ValidateRemoteURL(url); err != nil {
			return nil, err
		}
	}
	return gitops.SubmoduleParams{
		URL:  url,
		Path: path,
		Init: req.GetBool("init", false),
	}, nil
}

// --- result helpers ---

// textResult encodes a payload as JSON text, redacted.
func (h *Handlers) textResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return h.errorResult(fmt.Errorf("failed to encode result: %w", err)), nil
	}
	return mcp.NewToolResultText(h.redactor.Redact(string(b))), nil
}

// errorResult renders a classified error envelope, redacted. Handler
// errors ride in the result so the protocol layer treats them as tool
// failures rather than transport faults.
func (h *Handlers) errorResult(err error) *mcp.CallToolResult {
	var e *errdefs.Error
	if !errors.As(err, &e) {
		e = errdefs.AsError(err)
	}
	envelope := map[string]any{
		"code":    e.Code,
		"kind":    string(e.Kind),
		"message": h.redactor.Redact(e.Message),
	}
	if e.Suggestion != "" {
		envelope["suggestion"] = e.Suggestion
	}
	if len(e.Context) > 0 {
		redacted := make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			redacted[k] = h.redactor.Redact(v)
		}
		envelope["context"] = redacted
	}
	b, mErr := json.Marshal(envelope)
	if mErr != nil {
		return mcp.NewToolResultError(h.redactor.Redact(e.Message))
	}
	return mcp.NewToolResultError(string(b))
}
