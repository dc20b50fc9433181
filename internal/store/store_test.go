package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(op models.Operation) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		ID:        uuid.New().String(),
		Operation: op,
		Params:    json.RawMessage(`{"url":"https://git.example/x.git"}`),
		Status:    models.StatusQueued,
		Attempt:   1,
		CreatedAt: now,
		Deadline:  now.Add(5 * time.Minute),
	}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpClone)
	require.NoError(t, s.InsertTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.OpClone, got.Operation)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, string(task.Params), string(got.Params))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "no-such-task")
	assert.True(t, errdefs.IsKind(err, errdefs.KindTaskNotFound))
}

func TestCASStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpFetch)
	require.NoError(t, s.InsertTask(ctx, task))

	now := time.Now().UTC()
	moved, err := s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
	require.NoError(t, err)
	assert.True(t, moved)

	// Second transition from QUEUED must lose.
	moved, err = s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestTerminalStatusIsImmutable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpClone)
	require.NoError(t, s.InsertTask(ctx, task))

	changed, err := s.CompleteTask(ctx, task.ID, json.RawMessage(`{"ok":true}`), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)

	// Every further terminal write must be refused.
	changed, err = s.FailTask(ctx, task.ID, models.StatusFailed, &models.TaskError{Code: 40100, Kind: "GIT_COMMAND_FAILED", Message: "x"}, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.RequeueTask(ctx, task.ID, 2)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Nil(t, got.Error)
}

func TestProgressMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpClone)
	require.NoError(t, s.InsertTask(ctx, task))
	now := time.Now().UTC()
	_, err := s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
	require.NoError(t, err)

	require.NoError(t, s.SetProgress(ctx, task.ID, 40))
	require.NoError(t, s.SetProgress(ctx, task.ID, 20)) // regression dropped
	require.NoError(t, s.SetProgress(ctx, task.ID, 70))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.Progress)
}

func TestFailTaskRecordsErrorEnvelope(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpPush)
	require.NoError(t, s.InsertTask(ctx, task))

	taskErr := &models.TaskError{
		Code:       40302,
		Kind:       "AUTH_FAILED",
		Message:    "authentication failed",
		Suggestion: "check credentials",
		Context:    map[string]string{"remote": "origin"},
	}
	changed, err := s.FailTask(ctx, task.ID, models.StatusFailed, taskErr, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, 40302, got.Error.Code)
	assert.Equal(t, "AUTH_FAILED", got.Error.Kind)
	assert.Equal(t, "origin", got.Error.Context["remote"])
	require.NotNil(t, got.CompletedAt)
}

func TestRequeueBumpsAttempt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpFetch)
	require.NoError(t, s.InsertTask(ctx, task))
	now := time.Now().UTC()
	_, err := s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
	require.NoError(t, err)
	require.NoError(t, s.SetProgress(ctx, task.ID, 50))

	moved, err := s.RequeueTask(ctx, task.ID, 2)
	require.NoError(t, err)
	assert.True(t, moved)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.StartedAt)
}

func TestListTasksFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := newTask(models.OpClone)
	b := newTask(models.OpFetch)
	require.NoError(t, s.InsertTask(ctx, a))
	require.NoError(t, s.InsertTask(ctx, b))
	_, err := s.CompleteTask(ctx, b.ID, nil, time.Now().UTC())
	require.NoError(t, err)

	queued, err := s.ListTasks(ctx, TaskFilter{Status: models.StatusQueued}, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	clones, err := s.ListTasks(ctx, TaskFilter{Operation: models.OpClone}, 0)
	require.NoError(t, err)
	require.Len(t, clones, 1)
}

func TestListExpiredRunning(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask(models.OpClone)
	task.Deadline = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.InsertTask(ctx, task))
	now := time.Now().UTC()
	_, err := s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
	require.NoError(t, err)

	expired, err := s.ListExpiredRunning(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, task.ID, expired[0].ID)
}

func TestDeleteTerminalOlderThan(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := newTask(models.OpClone)
	require.NoError(t, s.InsertTask(ctx, old))
	_, err := s.CompleteTask(ctx, old.ID, nil, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.AppendLog(ctx, &models.LogEntry{
		TaskID: old.ID, Level: models.LogInfo, Message: "done", Timestamp: time.Now().UTC(),
	}))

	fresh := newTask(models.OpFetch)
	require.NoError(t, s.InsertTask(ctx, fresh))

	removed, err := s.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = s.GetTask(ctx, old.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindTaskNotFound))
	_, err = s.GetTask(ctx, fresh.ID)
	assert.NoError(t, err)

	logs, err := s.GetLogs(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRecoverCrashedTasks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	idempotent := newTask(models.OpFetch)
	destructive := newTask(models.OpPush)
	now := time.Now().UTC()
	for _, task := range []*models.Task{idempotent, destructive} {
		require.NoError(t, s.InsertTask(ctx, task))
		_, err := s.CASStatus(ctx, task.ID, models.StatusQueued, models.StatusRunning, &now)
		require.NoError(t, err)
	}

	requeued, err := s.RecoverCrashedTasks(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{idempotent.ID}, requeued)

	got, err := s.GetTask(ctx, idempotent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	got, err = s.GetTask(ctx, destructive.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "TASK_INTERRUPTED", got.Error.Kind)
}

func TestWorkspaceRoundTripAndOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		ws := &models.Workspace{
			ID:             uuid.New().String(),
			Path:           filepath.Join(t.TempDir(), uuid.New().String()),
			SizeBytes:      int64(100 * (i + 1)),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			LastAccessedAt: base.Add(time.Duration(3-i) * time.Minute),
		}
		require.NoError(t, s.InsertWorkspace(ctx, ws))
	}

	byAccess, err := s.ListWorkspaces(ctx, OrderByLastAccessed, 0)
	require.NoError(t, err)
	require.Len(t, byAccess, 3)
	assert.True(t, byAccess[0].LastAccessedAt.Before(byAccess[2].LastAccessedAt))

	byCreated, err := s.ListWorkspaces(ctx, OrderByCreated, 0)
	require.NoError(t, err)
	assert.True(t, byCreated[0].CreatedAt.Before(byCreated[2].CreatedAt))

	total, err := s.SumWorkspaceBytes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 600, total)

	n, err := s.CountWorkspaces(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestWorkspaceDirtyFlag(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ws := &models.Workspace{
		ID:             uuid.New().String(),
		Path:           filepath.Join(t.TempDir(), "w"),
		CreatedAt:      time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertWorkspace(ctx, ws))
	require.NoError(t, s.SetWorkspaceDirty(ctx, ws.ID, true))

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, got.Dirty)
}

func TestAppendAndGetLogs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.New().String()
	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendLog(ctx, &models.LogEntry{
			TaskID: taskID, Level: models.LogInfo, Message: msg, Timestamp: time.Now().UTC(),
		}))
	}

	logs, err := s.GetLogs(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "third", logs[2].Message)
}
