package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/models"
	"github.com/gitsmith-dev/gitsmith/internal/queue"
	"github.com/gitsmith-dev/gitsmith/internal/store"
	"github.com/gitsmith-dev/gitsmith/internal/worker"
	"github.com/gitsmith-dev/gitsmith/internal/workspace"
)

// fakeAdapter scripts adapter behavior per test.
type fakeAdapter struct {
	run   func(ctx context.Context, req gitops.Request) (json.RawMessage, error)
	calls atomic.Int32
}

func (f *fakeAdapter) Run(ctx context.Context, req gitops.Request) (json.RawMessage, error) {
	f.calls.Add(1)
	return f.run(ctx, req)
}

type harness struct {
	mgr        *Manager
	store      *store.Store
	workspaces *workspace.Manager
	adapter    *fakeAdapter
}

func testConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		WorkerCount:            2,
		MaxConcurrentTasks:     4,
		QueueCapacity:          16,
		QueueFullPolicy:        config.QueueReject,
		TaskTimeout:            2 * time.Second,
		ResultRetention:        time.Hour,
		MaxRetries:             3,
		CancelGrace:            2 * time.Second,
		TimeoutCheckInterval:   25 * time.Millisecond,
		RetentionCheckInterval: time.Hour,
		RateLimitRequests:      100,
		RateLimitWindow:        time.Minute,
		CrashRecovery:          config.CrashFail,
		RetryBaseDelay:         5 * time.Millisecond,
		RetryMaxBackoff:        50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg config.ExecutionConfig, fake *fakeAdapter) *harness {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.NewNop()
	ws, err := workspace.NewManager(config.WorkspaceConfig{
		Root:             filepath.Join(t.TempDir(), "workspaces"),
		RetentionSeconds: 3600,
		TotalQuotaBytes:  1 << 30,
		CleanupStrategy:  config.CleanupLRU,
		CleanupInterval:  time.Minute,
	}, st, log)
	require.NoError(t, err)
	t.Cleanup(ws.StopSweeper)

	redactor := creds.NewRedactor()
	cm := creds.NewManager(config.CredentialConfig{}, redactor)

	q := queue.New(cfg.QueueCapacity)
	pool := worker.NewPool(worker.Deps{
		Store:      st,
		Queue:      q,
		Workspaces: ws,
		Creds:      cm,
		Adapter:    fake,
		Log:        log,
		Cfg:        cfg,
	})
	mgr := NewManager(cfg, st, q, pool, ws, cm, fake, nil, log)
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	return &harness{mgr: mgr, store: st, workspaces: ws, adapter: fake}
}

func (h *harness) allocate(t *testing.T) string {
	t.Helper()
	ws, err := h.workspaces.Allocate(context.Background())
	require.NoError(t, err)
	return ws.ID
}

func (h *harness) waitTerminal(t *testing.T, taskID string, within time.Duration) *models.Task {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		task, err := h.mgr.Status(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, within)
	return nil
}

func TestSubmitCompletes(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"fetched":true}`), nil
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	task := h.waitTerminal(t, id, 3*time.Second)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, 1, task.Attempt)
	assert.JSONEq(t, `{"fetched":true}`, string(task.Result))
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)

	// Terminal state is stable across further polls.
	for i := 0; i < 3; i++ {
		again, err := h.mgr.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, again.Status)
	}
}

func TestRetryToSuccessWithAttemptCount(t *testing.T) {
	t.Parallel()
	var failures atomic.Int32
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		if failures.Add(1) <= 2 {
			return nil, errdefs.New(errdefs.KindNetworkError, "connection reset")
		}
		return json.RawMessage(`{"fetched":true}`), nil
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	task := h.waitTerminal(t, id, 5*time.Second)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 3, task.Attempt)
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return nil, errdefs.New(errdefs.KindMergeConflict, "conflict in a.txt").
			WithContext("conflicts", `[{"path":"a.txt","kind":"both-modified"}]`)
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpMerge, json.RawMessage(`{"branch":"dev"}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	task := h.waitTerminal(t, id, 3*time.Second)
	assert.Equal(t, models.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "GIT_MERGE_CONFLICT", task.Error.Kind)
	assert.Contains(t, task.Error.Context["conflicts"], "a.txt")
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	fake := &fakeAdapter{run: func(ctx context.Context, _ gitops.Request) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpClone,
		json.RawMessage(`{"url":"https://git.example/slow.git"}`), wsID, SubmitOptions{})
	require.NoError(t, err)
	<-started

	cancelled, err := h.mgr.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	task := h.waitTerminal(t, id, 3*time.Second)
	assert.Equal(t, models.StatusCancelled, task.Status)

	// The workspace survives but is quarantined.
	ws, err := h.store.GetWorkspace(context.Background(), wsID)
	require.NoError(t, err)
	assert.True(t, ws.Dirty)

	// Cancel is idempotent: a second call reports false.
	cancelled, err = h.mgr.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WorkerCount = 0 // nothing ever dequeues
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return nil, nil
	}}
	h := newHarness(t, cfg, fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	cancelled, err := h.mgr.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	task, err := h.mgr.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.EqualValues(t, 0, fake.calls.Load())
}

func TestTimeoutSweeper(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TaskTimeout = 100 * time.Millisecond
	fake := &fakeAdapter{run: func(ctx context.Context, _ gitops.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, cfg, fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpClone,
		json.RawMessage(`{"url":"https://git.example/slow.git"}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	task := h.waitTerminal(t, id, 2*time.Second)
	assert.Equal(t, models.StatusTimedOut, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "TASK_TIMEOUT", task.Error.Kind)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WorkerCount = 0
	cfg.QueueCapacity = 2
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return nil, nil
	}}
	h := newHarness(t, cfg, fake)
	wsID := h.allocate(t)

	ctx := context.Background()
	_, err := h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)
	_, err = h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)

	_, err = h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WorkerCount = 0
	cfg.RateLimitRequests = 2
	cfg.RateLimitWindow = time.Minute
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return nil, nil
	}}
	h := newHarness(t, cfg, fake)
	wsID := h.allocate(t)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
		require.NoError(t, err)
	}

	_, err := h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	assert.True(t, errdefs.IsKind(err, errdefs.KindRateLimited))
}

func TestRunSync(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{run: func(_ context.Context, req gitops.Request) (json.RawMessage, error) {
		assert.Equal(t, models.OpStatus, req.Op)
		assert.NotEmpty(t, req.WorkspacePath)
		return json.RawMessage(`{"branch":"main"}`), nil
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	result, err := h.mgr.RunSync(context.Background(), models.OpStatus, json.RawMessage(`{}`), wsID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"branch":"main"}`, string(result))

	// The lease was released.
	assert.False(t, h.workspaces.Leased(wsID))
}

func TestWorkerPanicDoesNotKillPool(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("adapter exploded")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	ctx := context.Background()
	first, err := h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)
	task := h.waitTerminal(t, first, 3*time.Second)
	assert.Equal(t, models.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "INTERNAL", task.Error.Kind)

	// The pool keeps serving after the panic.
	second, err := h.mgr.Submit(ctx, models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)
	task = h.waitTerminal(t, second, 3*time.Second)
	assert.Equal(t, models.StatusCompleted, task.Status)
}

func TestOperationLogIsWritten(t *testing.T) {
	t.Parallel()
	fake := &fakeAdapter{run: func(_ context.Context, _ gitops.Request) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	h := newHarness(t, testConfig(), fake)
	wsID := h.allocate(t)

	id, err := h.mgr.Submit(context.Background(), models.OpFetch, json.RawMessage(`{}`), wsID, SubmitOptions{})
	require.NoError(t, err)
	h.waitTerminal(t, id, 3*time.Second)

	logs, err := h.mgr.Logs(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "started")
}
