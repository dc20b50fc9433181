// Package store provides SQLite-backed persistence for tasks,
// workspaces and the operation log.
//
// All state lives in a single database file. Writes are serialized
// through one connection (SQLite allows one writer); short storage
// errors are retried with exponential backoff before being surfaced
// as STORAGE failures.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

// Store provides access to the gitsmith database.
type Store struct {
	db         *sql.DB
	maxRetries int
}

// New opens (creating if needed) the database at dbPath and runs
// migrations. maxRetries bounds the internal retry loop around writes.
func New(dbPath string, maxRetries int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, maxRetries: maxRetries}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		params TEXT,
		workspace_id TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		deadline DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		dirty INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_workspaces_last_accessed ON workspaces(last_accessed_at);
	CREATE INDEX IF NOT EXISTS idx_operation_logs_task_id ON operation_logs(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// retryWrite runs fn, retrying transient failures with exponential
// backoff up to the configured bound. Exhaustion is reported as a
// STORAGE error.
func (s *Store) retryWrite(ctx context.Context, fn func() error) error {
	op := func() (struct{}, error) {
		if err := fn(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.maxRetries)),
	)
	if err != nil {
		return errdefs.Wrap(errdefs.KindStorage, "storage operation failed", err)
	}
	return nil
}

// --- Task operations ---

// InsertTask persists a new task record.
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	errJSON, err := marshalTaskError(t.Error)
	if err != nil {
		return err
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, operation, params, workspace_id, status, progress, result, error, attempt, created_at, started_at, completed_at, deadline)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, string(t.Operation), nullableString(string(t.Params)), nullableString(t.WorkspaceID),
			string(t.Status), t.Progress, nullableString(string(t.Result)), errJSON,
			t.Attempt, t.CreatedAt, t.StartedAt, t.CompletedAt, t.Deadline,
		)
		return err
	})
}

// GetTask retrieves a task by id. Returns TASK_NOT_FOUND for unknown
// ids.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, operation, params, workspace_id, status, progress, result, error, attempt, created_at, started_at, completed_at, deadline
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Newf(errdefs.KindTaskNotFound, "task not found: %s", id).
			WithSuggestion("Verify the task_id is correct and the task has not expired")
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status      models.TaskStatus
	Operation   models.Operation
	WorkspaceID string
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]*models.Task, error) {
	query := `SELECT id, operation, params, workspace_id, status, progress, result, error, attempt, created_at, started_at, completed_at, deadline FROM tasks`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, string(filter.Operation))
	}
	if filter.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CASStatus transitions a task from one status to another atomically.
// It reports false when the task was not in the expected status, which
// happens when a cancel raced the transition.
func (s *Store) CASStatus(ctx context.Context, id string, from, to models.TaskStatus, startedAt *time.Time) (bool, error) {
	var changed bool
	err := s.retryWrite(ctx, func() error {
		var res sql.Result
		var err error
		if startedAt != nil {
			res, err = s.db.ExecContext(ctx,
				`UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
				string(to), *startedAt, id, string(from))
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
				string(to), id, string(from))
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// SetProgress updates a RUNNING task's progress. Regressions are
// dropped so progress stays monotonically non-decreasing.
func (s *Store) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET progress = ? WHERE id = ? AND status = ? AND progress <= ?`,
			progress, id, string(models.StatusRunning), progress)
		return err
	})
}

// CompleteTask writes the terminal COMPLETED state, result and
// completion time in one transaction. Terminal records are never
// overwritten.
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage, completedAt time.Time) (bool, error) {
	return s.finish(ctx, id, models.StatusCompleted, nullableString(string(result)), nil, completedAt, 100)
}

// FailTask writes a terminal failure state (FAILED, CANCELLED or
// TIMED_OUT) with its error envelope.
func (s *Store) FailTask(ctx context.Context, id string, status models.TaskStatus, taskErr *models.TaskError, completedAt time.Time) (bool, error) {
	if !status.Terminal() || status == models.StatusCompleted {
		return false, fmt.Errorf("FailTask requires a failure terminal status, got %s", status)
	}
	errJSON, err := marshalTaskError(taskErr)
	if err != nil {
		return false, err
	}
	return s.finish(ctx, id, status, nil, errJSON, completedAt, -1)
}

// finish applies a terminal transition guarded against tasks that are
// already terminal.
func (s *Store) finish(ctx context.Context, id string, status models.TaskStatus, result, errJSON any, completedAt time.Time, progress int) (bool, error) {
	var changed bool
	err := s.retryWrite(ctx, func() error {
		query := `UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?`
		args := []any{string(status), result, errJSON, completedAt}
		if progress >= 0 {
			query += `, progress = ?`
			args = append(args, progress)
		}
		query += ` WHERE id = ? AND status NOT IN (?, ?, ?, ?)`
		args = append(args, id,
			string(models.StatusCompleted), string(models.StatusFailed),
			string(models.StatusCancelled), string(models.StatusTimedOut))
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// RequeueTask returns a non-terminal task to QUEUED with the given
// attempt counter. The retry policy passes a bumped count; crash
// recovery passes the current one.
func (s *Store) RequeueTask(ctx context.Context, id string, attempt int) (bool, error) {
	var changed bool
	err := s.retryWrite(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, attempt = ?, progress = 0, started_at = NULL
			 WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
			string(models.StatusQueued), attempt, id,
			string(models.StatusCompleted), string(models.StatusFailed),
			string(models.StatusCancelled), string(models.StatusTimedOut))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// ListExpiredRunning returns RUNNING tasks whose deadline has passed.
func (s *Store) ListExpiredRunning(ctx context.Context, now time.Time) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, params, workspace_id, status, progress, result, error, attempt, created_at, started_at, completed_at, deadline
		 FROM tasks WHERE status = ? AND deadline < ?`,
		string(models.StatusRunning), now)
	if err != nil {
		return nil, fmt.Errorf("query expired tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTerminalOlderThan removes terminal tasks completed before the
// cutoff, with their log entries. Returns the number removed.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.retryWrite(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx,
			`DELETE FROM operation_logs WHERE task_id IN (
				SELECT id FROM tasks WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?)`,
			string(models.StatusCompleted), string(models.StatusFailed),
			string(models.StatusCancelled), string(models.StatusTimedOut), cutoff)
		if err != nil {
			return fmt.Errorf("delete task logs: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
			string(models.StatusCompleted), string(models.StatusFailed),
			string(models.StatusCancelled), string(models.StatusTimedOut), cutoff)
		if err != nil {
			return fmt.Errorf("delete tasks: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return removed, err
}

// CountTasksByStatus returns a status histogram for metrics.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// RecoverCrashedTasks handles tasks found RUNNING at startup: the
// process that owned them is gone. Depending on policy they are failed
// with TASK_INTERRUPTED or, for idempotent operations, re-enqueued.
// Returns the ids of re-enqueued tasks.
func (s *Store) RecoverCrashedTasks(ctx context.Context, requeueIdempotent bool) ([]string, error) {
	running, err := s.ListTasks(ctx, TaskFilter{Status: models.StatusRunning}, 0)
	if err != nil {
		return nil, err
	}

	var requeued []string
	now := time.Now().UTC()
	for _, t := range running {
		if requeueIdempotent && t.Operation.Idempotent() {
			if _, err := s.RequeueTask(ctx, t.ID, t.Attempt); err != nil {
				return nil, err
			}
			requeued = append(requeued, t.ID)
			continue
		}
		taskErr := &models.TaskError{
			Code:    40504,
			Kind:    string(errdefs.KindTaskInterrupted),
			Message: "task was interrupted by a process restart",
		}
		if _, err := s.FailTask(ctx, t.ID, models.StatusFailed, taskErr, now); err != nil {
			return nil, err
		}
	}
	return requeued, nil
}

// --- Workspace operations ---

// InsertWorkspace persists a new workspace record.
func (s *Store) InsertWorkspace(ctx context.Context, w *models.Workspace) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO workspaces (id, path, size_bytes, dirty, created_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			w.ID, w.Path, w.SizeBytes, boolToInt(w.Dirty), w.CreatedAt, w.LastAccessedAt)
		return err
	})
}

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, size_bytes, dirty, created_at, last_accessed_at FROM workspaces WHERE id = ?`, id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Newf(errdefs.KindWorkspaceNotFound, "workspace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query workspace: %w", err)
	}
	return w, nil
}

// WorkspaceOrder selects the ListWorkspaces sort key.
type WorkspaceOrder string

// Workspace orderings; both ascend so the eviction candidate is first.
// Ties break by id.
const (
	OrderByLastAccessed WorkspaceOrder = "last_accessed_at"
	OrderByCreated      WorkspaceOrder = "created_at"
)

// ListWorkspaces returns workspaces ordered by the given column.
func (s *Store) ListWorkspaces(ctx context.Context, orderBy WorkspaceOrder, limit int) ([]*models.Workspace, error) {
	col := "last_accessed_at"
	if orderBy == OrderByCreated {
		col = "created_at"
	}
	query := fmt.Sprintf(
		`SELECT id, path, size_bytes, dirty, created_at, last_accessed_at FROM workspaces ORDER BY %s ASC, id ASC`, col)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TouchWorkspace updates last_accessed_at.
func (s *Store) TouchWorkspace(ctx context.Context, id string, at time.Time) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE workspaces SET last_accessed_at = ? WHERE id = ?`, at, id)
		return err
	})
}

// SetWorkspaceSize records the last observed on-disk size.
func (s *Store) SetWorkspaceSize(ctx context.Context, id string, size int64) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE workspaces SET size_bytes = ? WHERE id = ?`, size, id)
		return err
	})
}

// SetWorkspaceDirty flags or clears quarantine on a workspace.
func (s *Store) SetWorkspaceDirty(ctx context.Context, id string, dirty bool) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE workspaces SET dirty = ? WHERE id = ?`, boolToInt(dirty), id)
		return err
	})
}

// DeleteWorkspace removes a workspace record.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
		return err
	})
}

// SumWorkspaceBytes returns the total recorded size of all workspaces.
func (s *Store) SumWorkspaceBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM workspaces`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum workspace bytes: %w", err)
	}
	return total.Int64, nil
}

// CountWorkspaces returns the number of workspace records.
func (s *Store) CountWorkspaces(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspaces`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workspaces: %w", err)
	}
	return n, nil
}

// --- Operation log ---

// AppendLog appends one entry to the operation log. Messages are
// expected to be pre-redacted by the caller.
func (s *Store) AppendLog(ctx context.Context, e *models.LogEntry) error {
	return s.retryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO operation_logs (task_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
			e.TaskID, string(e.Level), e.Message, e.Timestamp)
		return err
	})
}

// GetLogs returns the log entries for a task in append order.
func (s *Store) GetLogs(ctx context.Context, taskID string) ([]*models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, level, message, timestamp FROM operation_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var level string
		if err := rows.Scan(&e.TaskID, &level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Level = models.LogLevel(level)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var operation, status string
	var params, workspaceID, result, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &operation, &params, &workspaceID, &status, &t.Progress,
		&result, &errJSON, &t.Attempt, &t.CreatedAt, &startedAt, &completedAt, &t.Deadline)
	if err != nil {
		return nil, err
	}

	t.Operation = models.Operation(operation)
	t.Status = models.TaskStatus(status)
	if params.Valid {
		t.Params = json.RawMessage(params.String)
	}
	if workspaceID.Valid {
		t.WorkspaceID = workspaceID.String
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		var te models.TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &te); err != nil {
			return nil, fmt.Errorf("decode task error: %w", err)
		}
		t.Error = &te
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	var w models.Workspace
	var dirty int
	err := row.Scan(&w.ID, &w.Path, &w.SizeBytes, &dirty, &w.CreatedAt, &w.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	w.Dirty = dirty != 0
	return &w, nil
}

func marshalTaskError(te *models.TaskError) (any, error) {
	if te == nil {
		return nil, nil
	}
	b, err := json.Marshal(te)
	if err != nil {
		return nil, fmt.Errorf("encode task error: %w", err)
	}
	return string(b), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
