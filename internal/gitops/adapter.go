// Package gitops defines the Git capability surface invoked by the
// worker pool and its backends.
//
// Workers hold only the Adapter interface; which backend serves a
// given operation is decided once at startup by the composite. The
// go-git backend covers everything the library implements natively;
// the CLI backend covers the merge family, history-rewriting
// operations, sparse checkout, submodules, LFS and partial clone.
package gitops

import (
	"context"
	"encoding/json"

	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// ProgressFunc receives monotonically non-decreasing percentages.
type ProgressFunc func(percent int)

// Request carries one operation into an adapter.
type Request struct {
	Op            models.Operation
	WorkspacePath string
	Params        json.RawMessage
	Cred          *creds.Credential
	Progress      ProgressFunc
}

// Adapter executes Git operations. Implementations must honor
// cancellation via ctx at safe boundaries, leave the workspace either
// fully applied or fully rolled back, and return classified errors.
type Adapter interface {
	Run(ctx context.Context, req Request) (json.RawMessage, error)
}

// --- operation parameters ---

// Author identifies a commit author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CloneParams configures a clone.
type CloneParams struct {
	URL          string   `json:"url"`
	Branch       string   `json:"branch,omitempty"`
	Depth        int      `json:"depth,omitempty"`
	SingleBranch bool     `json:"single_branch,omitempty"`
	Filter       string   `json:"filter,omitempty"`
	SparsePaths  []string `json:"sparse_paths,omitempty"`
}

// FetchParams configures a fetch.
type FetchParams struct {
	Remote string `json:"remote,omitempty"`
	Prune  bool   `json:"prune,omitempty"`
}

// PullParams configures a pull.
type PullParams struct {
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// PushParams configures a push.
type PushParams struct {
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty"`
	Force  bool   `json:"force,omitempty"`
	Tags   bool   `json:"tags,omitempty"`
}

// AddParams stages files matching a pattern.
type AddParams struct {
	FilePattern string `json:"file_pattern"`
}

// CommitParams records a commit.
type CommitParams struct {
	Message    string  `json:"message"`
	Author     *Author `json:"author,omitempty"`
	AllowEmpty bool    `json:"allow_empty,omitempty"`
}

// LogParams bounds a history read.
type LogParams struct {
	MaxCount int    `json:"max_count,omitempty"`
	Path     string `json:"path,omitempty"`
}

// DiffParams selects the revisions to compare.
type DiffParams struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Path string `json:"path,omitempty"`
}

// BlameParams names the file to annotate.
type BlameParams struct {
	Path string `json:"path"`
}

// CheckoutParams switches branches or revisions.
type CheckoutParams struct {
	Ref    string `json:"ref"`
	Create bool   `json:"create,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// BranchParams names a branch.
type BranchParams struct {
	Name       string `json:"name"`
	StartPoint string `json:"start_point,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// MergeParams configures a merge.
type MergeParams struct {
	Branch  string `json:"branch"`
	Message string `json:"message,omitempty"`
}

// RebaseParams configures a rebase.
type RebaseParams struct {
	Upstream string `json:"upstream"`
}

// CommitRefParams names a single commit (cherry-pick, revert).
type CommitRefParams struct {
	Commit string `json:"commit"`
}

// ResetParams configures a reset.
type ResetParams struct {
	Mode string `json:"mode,omitempty"` // soft, mixed, hard
	Ref  string `json:"ref,omitempty"`
}

// CleanParams configures a clean.
type CleanParams struct {
	Directories bool `json:"directories,omitempty"`
}

// StashParams configures stash push.
type StashParams struct {
	Message string `json:"message,omitempty"`
}

// TagParams names a tag.
type TagParams struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Target  string `json:"target,omitempty"`
}

// RemoteParams names a remote.
type RemoteParams struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// SparseCheckoutParams sets the sparse path set.
type SparseCheckoutParams struct {
	Paths []string `json:"paths"`
}

// SubmoduleParams configures submodule add/update.
type SubmoduleParams struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Init bool   `json:"init,omitempty"`
}

// LFSParams configures lfs track/pull.
type LFSParams struct {
	Patterns []string `json:"patterns,omitempty"`
}

// InitParams configures repository init.
type InitParams struct {
	Bare bool `json:"bare,omitempty"`
}

// --- operation results ---

// CloneResult reports a finished clone.
type CloneResult struct {
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
}

// StatusResult is the worktree summary.
type StatusResult struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Modified  []string `json:"modified"`
	Staged    []string `json:"staged"`
	Untracked []string `json:"untracked"`
}

// CommitResult reports a recorded commit.
type CommitResult struct {
	OID string `json:"oid"`
}

// LogEntry is one history record.
type LogEntry struct {
	OID     string `json:"oid"`
	Author  string `json:"author"`
	Email   string `json:"email"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// BlameLine annotates one file line.
type BlameLine struct {
	OID    string `json:"oid"`
	Author string `json:"author"`
	Line   int    `json:"line"`
	Text   string `json:"text"`
}

// Conflict describes one conflicted path after a merge or rebase.
type Conflict struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // both-modified, both-added, deleted-by-us, deleted-by-them
}

// MergeResult reports a merge or rebase outcome.
type MergeResult struct {
	OID       string     `json:"oid,omitempty"`
	UpToDate  bool       `json:"up_to_date,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// marshalResult encodes a result payload, which is always
// serializable because the types above are plain data.
func marshalResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
