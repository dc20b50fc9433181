// Package models defines the data records shared between the store,
// the task subsystem and the tool handlers.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses.
const (
	StatusQueued    TaskStatus = "QUEUED"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusCancelled TaskStatus = "CANCELLED"
	StatusTimedOut  TaskStatus = "TIMED_OUT"
)

// Terminal reports whether s permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Operation is the symbolic name of a Git operation.
type Operation string

// Operations. The set is closed; handlers validate against it.
const (
	OpInit            Operation = "init"
	OpClone           Operation = "clone"
	OpFetch           Operation = "fetch"
	OpPull            Operation = "pull"
	OpPush            Operation = "push"
	OpStatus          Operation = "status"
	OpAdd             Operation = "add"
	OpCommit          Operation = "commit"
	OpLog             Operation = "log"
	OpDiff            Operation = "diff"
	OpBlame           Operation = "blame"
	OpCheckout        Operation = "checkout"
	OpBranchList      Operation = "branch-list"
	OpBranchCreate    Operation = "branch-create"
	OpBranchDelete    Operation = "branch-delete"
	OpMerge           Operation = "merge"
	OpRebase          Operation = "rebase"
	OpCherryPick      Operation = "cherry-pick"
	OpRevert          Operation = "revert"
	OpReset           Operation = "reset"
	OpClean           Operation = "clean"
	OpStashPush       Operation = "stash-push"
	OpStashPop        Operation = "stash-pop"
	OpStashList       Operation = "stash-list"
	OpTagCreate       Operation = "tag-create"
	OpTagDelete       Operation = "tag-delete"
	OpTagList         Operation = "tag-list"
	OpRemoteList      Operation = "remote-list"
	OpRemoteAdd       Operation = "remote-add"
	OpRemoteRemove    Operation = "remote-remove"
	OpSparseCheckout  Operation = "sparse-checkout"
	OpSubmoduleList   Operation = "submodule-list"
	OpSubmoduleAdd    Operation = "submodule-add"
	OpSubmoduleUpdate Operation = "submodule-update"
	OpLFSTrack        Operation = "lfs-track"
	OpLFSPull         Operation = "lfs-pull"
)

// remote operations need network and a credential.
var remoteOps = map[Operation]bool{
	OpClone:           true,
	OpFetch:           true,
	OpPull:            true,
	OpPush:            true,
	OpSubmoduleAdd:    true,
	OpSubmoduleUpdate: true,
	OpLFSPull:         true,
}

// Remote reports whether op reaches the network.
func (op Operation) Remote() bool {
	return remoteOps[op]
}

// idempotentOps may safely be re-executed after a crash.
var idempotentOps = map[Operation]bool{
	OpClone:  true,
	OpFetch:  true,
	OpLog:    true,
	OpStatus: true,
	OpDiff:   true,
	OpBlame:  true,
}

// Idempotent reports whether op is declared safe to re-run.
func (op Operation) Idempotent() bool {
	return idempotentOps[op]
}

// TaskError is the error envelope persisted on failed tasks.
type TaskError struct {
	Code       int               `json:"code"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Task is the unit of scheduled work.
type Task struct {
	ID          string          `json:"id"`
	Operation   Operation       `json:"operation"`
	Params      json.RawMessage `json:"params,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Deadline    time.Time       `json:"deadline"`
}

// Workspace is one isolated filesystem directory.
type Workspace struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	SizeBytes      int64     `json:"size_bytes"`
	Dirty          bool      `json:"dirty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// LogLevel classifies operation log entries.
type LogLevel string

// Log levels.
const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogEntry is one line of the append-only operation log.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
