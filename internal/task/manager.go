// Package task provides the task manager facade: submission, sync
// execution, status, cancellation and the background sweepers.
package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/models"
	"github.com/gitsmith-dev/gitsmith/internal/queue"
	"github.com/gitsmith-dev/gitsmith/internal/store"
	"github.com/gitsmith-dev/gitsmith/internal/telemetry"
	"github.com/gitsmith-dev/gitsmith/internal/worker"
	"github.com/gitsmith-dev/gitsmith/internal/workspace"
)

// Manager is the facade in front of the queue, the pool and the
// store.
type Manager struct {
	cfg        config.ExecutionConfig
	store      *store.Store
	queue      *queue.Queue
	pool       *worker.Pool
	workspaces *workspace.Manager
	creds      *creds.Manager
	adapter    gitops.Adapter
	metrics    *telemetry.Metrics
	log        logger.Logger

	limiter *rate.Limiter

	cancelBg context.CancelFunc
	bgDone   chan struct{}
}

// NewManager wires the task subsystem. Start must be called before
// Submit.
func NewManager(
	cfg config.ExecutionConfig,
	st *store.Store,
	q *queue.Queue,
	pool *worker.Pool,
	ws *workspace.Manager,
	cm *creds.Manager,
	adapter gitops.Adapter,
	metrics *telemetry.Metrics,
	log logger.Logger,
) *Manager {
	perSecond := float64(cfg.RateLimitRequests) / cfg.RateLimitWindow.Seconds()
	return &Manager{
		cfg:        cfg,
		store:      st,
		queue:      q,
		pool:       pool,
		workspaces: ws,
		creds:      cm,
		adapter:    adapter,
		metrics:    metrics,
		log:        log.Named("task"),
		limiter:    rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimitRequests),
	}
}

// Start launches the worker pool and the background sweepers.
func (m *Manager) Start(ctx context.Context) {
	m.pool.Start(ctx)

	bgCtx, cancel := context.WithCancel(ctx)
	m.cancelBg = cancel
	m.bgDone = make(chan struct{})
	go m.backgroundLoop(bgCtx)
}

// Stop shuts down the sweepers, refuses new work and drains the pool.
func (m *Manager) Stop() {
	if m.cancelBg != nil {
		m.cancelBg()
		<-m.bgDone
	}
	m.queue.Close()
	m.pool.Stop()
}

// SubmitOptions adjusts a single submission.
type SubmitOptions struct {
	// Timeout overrides the configured per-task deadline.
	Timeout time.Duration
}

// Submit creates a task record, enqueues it and returns the task id
// immediately. The client polls with Status.
func (m *Manager) Submit(ctx context.Context, op models.Operation, params json.RawMessage, workspaceID string, opts SubmitOptions) (string, error) {
	if !m.limiter.Allow() {
		return "", errdefs.New(errdefs.KindRateLimited, "submission rate limit exceeded").
			WithSuggestion("Slow down submissions or raise RATE_LIMIT_REQUESTS")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.TaskTimeout
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		Operation:   op,
		Params:      params,
		WorkspaceID: workspaceID,
		Status:      models.StatusQueued,
		Attempt:     1,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
	}
	if err := m.store.InsertTask(ctx, task); err != nil {
		return "", err
	}

	var enqErr error
	if m.cfg.QueueFullPolicy == config.QueueBlock {
		enqErr = m.queue.Enqueue(ctx, task.ID)
	} else {
		enqErr = m.queue.TryEnqueue(task.ID)
	}
	if enqErr != nil {
		taskErr := &models.TaskError{
			Code:    40505,
			Kind:    string(errdefs.KindQueueFull),
			Message: "task queue is full",
		}
		_, _ = m.store.FailTask(ctx, task.ID, models.StatusFailed, taskErr, time.Now().UTC())
		return "", enqErr
	}
	m.metrics.SetQueueDepth(m.queue.Len())

	// Quota pressure is relieved opportunistically on every submit.
	go func() {
		if _, err := m.workspaces.EvictUntilUnderQuota(context.Background()); err != nil {
			m.log.Warnw("eviction pass failed", "error", err)
		}
	}()

	m.log.Infow("task submitted", "task_id", task.ID, "operation", string(op))
	return task.ID, nil
}

// RunSync executes a local operation directly, bypassing the queue.
// The same credential and workspace contracts apply.
func (m *Manager) RunSync(ctx context.Context, op models.Operation, params json.RawMessage, workspaceID string) (json.RawMessage, error) {
	var handle *creds.Handle
	if op.Remote() {
		var err error
		handle, err = m.creds.Resolve(string(op), remoteURL(params))
		if err != nil {
			return nil, err
		}
	}
	defer m.creds.Release(handle)

	var wsPath string
	if workspaceID != "" {
		var err error
		wsPath, err = m.workspaces.Acquire(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		defer m.workspaces.Release(workspaceID)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.TaskTimeout)
	defer cancel()

	started := time.Now()
	result, err := m.adapter.Run(runCtx, gitops.Request{
		Op:            op,
		WorkspacePath: wsPath,
		Params:        params,
		Cred:          handle.Credential(),
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.metrics.GitOperation(string(op), outcome, time.Since(started))
	return result, err
}

// Status returns the current task record.
func (m *Manager) Status(ctx context.Context, taskID string) (*models.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// List returns tasks matching the filter.
func (m *Manager) List(ctx context.Context, filter store.TaskFilter, limit int) ([]*models.Task, error) {
	return m.store.ListTasks(ctx, filter, limit)
}

// Logs returns the operation log for a task.
func (m *Manager) Logs(ctx context.Context, taskID string) ([]*models.LogEntry, error) {
	return m.store.GetLogs(ctx, taskID)
}

// Cancel fires the cancel signal for a task. QUEUED tasks go straight
// to CANCELLED; RUNNING tasks are signalled and settle once the
// adapter returns; terminal tasks report false.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}

	if m.pool.Cancel(taskID, false) {
		return true, nil
	}

	// Not running: cancel it in place while still queued. The worker
	// skips terminal tasks on dequeue.
	taskErr := &models.TaskError{
		Code:    40502,
		Kind:    string(errdefs.KindTaskCancelled),
		Message: "task was cancelled before it started",
	}
	changed, err := m.store.FailTask(ctx, taskID, models.StatusCancelled, taskErr, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !changed {
		// It became RUNNING (or terminal) between the read and the
		// write; try the running path once more.
		return m.pool.Cancel(taskID, false), nil
	}
	m.metrics.TaskFinished(string(models.StatusCancelled), 0)
	return true, nil
}

// backgroundLoop drives the timeout sweeper, the retention GC and the
// metrics gauges.
func (m *Manager) backgroundLoop(ctx context.Context) {
	defer close(m.bgDone)

	timeoutTicker := time.NewTicker(m.cfg.TimeoutCheckInterval)
	defer timeoutTicker.Stop()
	retentionTicker := time.NewTicker(m.cfg.RetentionCheckInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutTicker.C:
			m.sweepTimeouts(ctx)
			m.refreshGauges(ctx)
		case <-retentionTicker.C:
			m.sweepRetention(ctx)
		}
	}
}

// sweepTimeouts times out RUNNING tasks past their deadline. Tasks
// the pool knows about get the cancel signal and settle through the
// worker; orphans (no live worker) are finished directly.
func (m *Manager) sweepTimeouts(ctx context.Context) {
	expired, err := m.store.ListExpiredRunning(ctx, time.Now().UTC())
	if err != nil {
		m.log.Errorw("timeout sweep failed", "error", err)
		return
	}
	for _, t := range expired {
		if m.pool.Cancel(t.ID, true) {
			m.log.Warnw("task deadline exceeded, cancelling", "task_id", t.ID, "operation", string(t.Operation))
			continue
		}
		taskErr := &models.TaskError{
			Code:       40503,
			Kind:       string(errdefs.KindTaskTimeout),
			Message:    "task exceeded its deadline",
			Suggestion: "Increase TASK_TIMEOUT_SECONDS or simplify the operation",
		}
		if _, err := m.store.FailTask(ctx, t.ID, models.StatusTimedOut, taskErr, time.Now().UTC()); err != nil {
			m.log.Errorw("failed to time out task", "task_id", t.ID, "error", err)
		}
	}
}

func (m *Manager) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.cfg.ResultRetention)
	removed, err := m.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		m.log.Errorw("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.log.Infow("expired task records removed", "count", removed)
	}
}

func (m *Manager) refreshGauges(ctx context.Context) {
	m.metrics.SetQueueDepth(m.queue.Len())
	count, err := m.store.CountWorkspaces(ctx)
	if err != nil {
		return
	}
	bytes, err := m.store.SumWorkspaceBytes(ctx)
	if err != nil {
		return
	}
	m.metrics.SetWorkspaceStats(count, bytes)
}

// Stats is the health snapshot served by the HTTP endpoint.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Workspaces    int64 `json:"workspaces"`
}

// Snapshot reports current scheduler state.
func (m *Manager) Snapshot(ctx context.Context) Stats {
	s := Stats{
		QueueDepth:    m.queue.Len(),
		QueueCapacity: m.queue.Cap(),
	}
	if n, err := m.store.CountWorkspaces(ctx); err == nil {
		s.Workspaces = n
	}
	return s
}

func remoteURL(params json.RawMessage) string {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.URL
}
