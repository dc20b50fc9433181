// Package worker runs the pool of workers that execute queued tasks
// against the Git adapter.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/models"
	"github.com/gitsmith-dev/gitsmith/internal/queue"
	"github.com/gitsmith-dev/gitsmith/internal/store"
	"github.com/gitsmith-dev/gitsmith/internal/telemetry"
	"github.com/gitsmith-dev/gitsmith/internal/workspace"
)

// progressInterval throttles task-record progress writes.
const progressInterval = 250 * time.Millisecond

// Cancellation causes distinguish a user cancel from a
// timeout-driven one.
var (
	errCancelRequested  = errors.New("cancel requested")
	errTimeoutRequested = errors.New("deadline exceeded")
)

// Deps wires the pool to its collaborators.
type Deps struct {
	Store      *store.Store
	Queue      *queue.Queue
	Workspaces *workspace.Manager
	Creds      *creds.Manager
	Adapter    gitops.Adapter
	Metrics    *telemetry.Metrics
	Log        logger.Logger
	Cfg        config.ExecutionConfig
}

// Pool runs worker_count identical worker loops over the task queue.
type Pool struct {
	deps Deps
	log  logger.Logger

	permits *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc

	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewPool creates a pool; Start launches it.
func NewPool(deps Deps) *Pool {
	return &Pool{
		deps:    deps,
		log:     deps.Log.Named("worker"),
		permits: semaphore.NewWeighted(int64(deps.Cfg.MaxConcurrentTasks)),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// Start launches the workers under a supervisor that restarts any
// worker whose loop exits before shutdown.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.shutdown = cancel

	for i := 0; i < p.deps.Cfg.WorkerCount; i++ {
		p.superviseWorker(runCtx, i+1)
	}
}

// superviseWorker keeps one worker slot occupied until shutdown.
func (p *Pool) superviseWorker(ctx context.Context, id int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ctx.Err() == nil && !p.deps.Queue.Closed() {
			p.workerLoop(ctx, id)
			if ctx.Err() == nil && !p.deps.Queue.Closed() {
				p.log.Warnw("worker exited unexpectedly, restarting", "worker", id)
			}
		}
	}()
}

// Stop requests shutdown and waits for in-flight tasks to settle.
func (p *Pool) Stop() {
	if p.shutdown != nil {
		p.shutdown()
	}
	p.wg.Wait()
}

// Cancel fires the cancel signal for a RUNNING task. timeout marks
// the cause as deadline-driven. Reports whether a running task was
// signalled.
func (p *Pool) Cancel(taskID string, timeout bool) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if timeout {
		cancel(errTimeoutRequested)
	} else {
		cancel(errCancelRequested)
	}
	return true
}

// workerLoop is the cooperative loop of one worker. A panic inside a
// task fails that task only; the deferred recover keeps the loop
// alive through the supervisor.
func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("worker panic escaped task scope",
				"worker", id, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	for {
		taskID, ok := p.deps.Queue.Dequeue(ctx)
		if !ok {
			return
		}
		p.deps.Metrics.SetQueueDepth(p.deps.Queue.Len())
		p.executeTask(ctx, taskID)
	}
}

// executeTask runs one task end to end, converting panics into
// INTERNAL failures.
func (p *Pool) executeTask(ctx context.Context, taskID string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("task panicked", "task_id", taskID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			taskErr := &models.TaskError{
				Code:    40406,
				Kind:    string(errdefs.KindInternal),
				Message: "internal error during task execution",
			}
			_, _ = p.deps.Store.FailTask(context.Background(), taskID, models.StatusFailed, taskErr, time.Now().UTC())
		}
	}()

	task, err := p.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		p.log.Warnw("dequeued unknown task", "task_id", taskID, "error", err)
		return
	}
	// Cancelled while queued: the record is already terminal.
	if task.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	moved, err := p.deps.Store.CASStatus(ctx, taskID, models.StatusQueued, models.StatusRunning, &now)
	if err != nil {
		p.log.Errorw("failed to start task", "task_id", taskID, "error", err)
		return
	}
	if !moved {
		return
	}

	if err := p.permits.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting; the task stays RUNNING and crash
		// recovery deals with it on restart.
		return
	}
	defer p.permits.Release(1)

	p.deps.Metrics.WorkerActive(1)
	defer p.deps.Metrics.WorkerActive(-1)

	p.appendLog(taskID, models.LogInfo, fmt.Sprintf("%s started (attempt %d)", task.Operation, task.Attempt))
	p.run(ctx, task)
}

// run performs steps 4-8: resources, adapter call, outcome.
func (p *Pool) run(ctx context.Context, task *models.Task) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, task.ID)
		p.mu.Unlock()
	}()

	// Resolve credential for remote operations.
	var handle *creds.Handle
	if task.Operation.Remote() {
		var err error
		handle, err = p.deps.Creds.Resolve(string(task.Operation), remoteURLOf(task))
		if err != nil {
			p.finishFailed(task, err)
			return
		}
	}
	defer p.deps.Creds.Release(handle)

	// Acquire the workspace lease.
	var wsPath string
	if task.WorkspaceID != "" {
		var err error
		wsPath, err = p.deps.Workspaces.Acquire(taskCtx, task.WorkspaceID)
		if err != nil {
			p.finishFailed(task, err)
			return
		}
		defer p.deps.Workspaces.Release(task.WorkspaceID)
	}

	progress := p.progressSink(task.ID)

	req := gitops.Request{
		Op:            task.Operation,
		WorkspacePath: wsPath,
		Params:        task.Params,
		Cred:          handle.Credential(),
		Progress:      progress,
	}

	started := time.Now()
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Errorw("adapter panicked", "task_id", task.ID,
					"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				done <- outcome{nil, errdefs.Newf(errdefs.KindInternal, "internal error during %s", task.Operation)}
			}
		}()
		res, err := p.deps.Adapter.Run(taskCtx, req)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-taskCtx.Done():
		// Cancelled or timed out; give the adapter the grace window to
		// unwind to a recoverable state.
		select {
		case out = <-done:
		case <-time.After(p.deps.Cfg.CancelGrace):
			p.abandon(task, context.Cause(taskCtx))
			return
		}
	}

	duration := time.Since(started)

	if out.err == nil {
		p.deps.Metrics.GitOperation(string(task.Operation), "success", duration)
		p.finishCompleted(task, out.result, duration)
		return
	}

	p.deps.Metrics.GitOperation(string(task.Operation), "failure", duration)

	// A cancel signal takes precedence over whatever error the
	// adapter surfaced while unwinding.
	if cause := context.Cause(taskCtx); cause != nil && taskCtx.Err() != nil {
		switch {
		case errors.Is(cause, errTimeoutRequested):
			p.finishTimedOut(task)
			return
		case errors.Is(cause, errCancelRequested):
			p.finishCancelled(task)
			return
		}
	}

	p.maybeRetry(task, out.err)
}

// progressSink writes throttled progress updates for a task.
func (p *Pool) progressSink(taskID string) gitops.ProgressFunc {
	var mu sync.Mutex
	var lastWrite time.Time
	var lastValue int
	return func(percent int) {
		mu.Lock()
		defer mu.Unlock()
		if percent <= lastValue {
			return
		}
		now := time.Now()
		if percent < 100 && now.Sub(lastWrite) < progressInterval {
			return
		}
		lastValue = percent
		lastWrite = now
		if err := p.deps.Store.SetProgress(context.Background(), taskID, percent); err != nil {
			p.log.Debugw("progress update failed", "task_id", taskID, "error", err)
		}
	}
}

func (p *Pool) finishCompleted(task *models.Task, result json.RawMessage, duration time.Duration) {
	if _, err := p.deps.Store.CompleteTask(context.Background(), task.ID, result, time.Now().UTC()); err != nil {
		p.log.Errorw("failed to record completion", "task_id", task.ID, "error", err)
		return
	}
	p.deps.Metrics.TaskFinished(string(models.StatusCompleted), duration)
	p.appendLog(task.ID, models.LogInfo, fmt.Sprintf("%s completed", task.Operation))
}

func (p *Pool) finishFailed(task *models.Task, err error) {
	e := errdefs.AsError(err)
	taskErr := p.taskError(e)
	if _, storeErr := p.deps.Store.FailTask(context.Background(), task.ID, models.StatusFailed, taskErr, time.Now().UTC()); storeErr != nil {
		p.log.Errorw("failed to record failure", "task_id", task.ID, "error", storeErr)
		return
	}
	p.deps.Metrics.TaskFinished(string(models.StatusFailed), 0)
	p.appendLog(task.ID, models.LogError, fmt.Sprintf("%s failed: %s", task.Operation, e.Message))
}

func (p *Pool) finishCancelled(task *models.Task) {
	taskErr := &models.TaskError{
		Code:    40502,
		Kind:    string(errdefs.KindTaskCancelled),
		Message: "task was cancelled",
	}
	if _, err := p.deps.Store.FailTask(context.Background(), task.ID, models.StatusCancelled, taskErr, time.Now().UTC()); err != nil {
		p.log.Errorw("failed to record cancellation", "task_id", task.ID, "error", err)
	}
	p.quarantine(task)
	p.deps.Metrics.TaskFinished(string(models.StatusCancelled), 0)
	p.appendLog(task.ID, models.LogWarn, fmt.Sprintf("%s cancelled", task.Operation))
}

func (p *Pool) finishTimedOut(task *models.Task) {
	taskErr := &models.TaskError{
		Code:       40503,
		Kind:       string(errdefs.KindTaskTimeout),
		Message:    "task exceeded its deadline",
		Suggestion: "Increase TASK_TIMEOUT_SECONDS or simplify the operation",
	}
	if _, err := p.deps.Store.FailTask(context.Background(), task.ID, models.StatusTimedOut, taskErr, time.Now().UTC()); err != nil {
		p.log.Errorw("failed to record timeout", "task_id", task.ID, "error", err)
	}
	p.quarantine(task)
	p.deps.Metrics.TaskFinished(string(models.StatusTimedOut), 0)
	p.appendLog(task.ID, models.LogWarn, fmt.Sprintf("%s timed out", task.Operation))
}

// abandon handles an adapter that ignored the cancel signal past the
// grace window. The workspace state is unknown, so it is quarantined.
func (p *Pool) abandon(task *models.Task, cause error) {
	status := models.StatusCancelled
	taskErr := &models.TaskError{
		Code:    40502,
		Kind:    string(errdefs.KindTaskCancelled),
		Message: "task was cancelled; the operation did not stop within the grace window",
	}
	if errors.Is(cause, errTimeoutRequested) {
		status = models.StatusTimedOut
		taskErr = &models.TaskError{
			Code:    40503,
			Kind:    string(errdefs.KindTaskTimeout),
			Message: "task exceeded its deadline; the operation did not stop within the grace window",
		}
	}
	if _, err := p.deps.Store.FailTask(context.Background(), task.ID, status, taskErr, time.Now().UTC()); err != nil {
		p.log.Errorw("failed to record abandoned task", "task_id", task.ID, "error", err)
	}
	p.quarantine(task)
	p.deps.Metrics.TaskFinished(string(status), 0)
	p.appendLog(task.ID, models.LogError,
		fmt.Sprintf("%s did not stop within %s, workspace quarantined", task.Operation, p.deps.Cfg.CancelGrace))
}

func (p *Pool) quarantine(task *models.Task) {
	if task.WorkspaceID == "" {
		return
	}
	if err := p.deps.Workspaces.Quarantine(context.Background(), task.WorkspaceID); err != nil {
		p.log.Errorw("failed to quarantine workspace",
			"workspace_id", task.WorkspaceID, "error", err)
	}
}

// maybeRetry re-enqueues a retryable failure with backoff, or records
// the terminal failure.
func (p *Pool) maybeRetry(task *models.Task, opErr error) {
	if !errdefs.Retryable(opErr) || task.Attempt >= p.deps.Cfg.MaxRetries {
		p.finishFailed(task, opErr)
		return
	}

	nextAttempt := task.Attempt + 1
	delay := retryDelay(p.deps.Cfg.RetryBaseDelay, task.Attempt, p.deps.Cfg.RetryMaxBackoff)

	p.appendLog(task.ID, models.LogWarn, fmt.Sprintf(
		"%s failed with %s, retrying in %s (attempt %d of %d)",
		task.Operation, errdefs.KindOf(opErr), delay.Round(time.Millisecond), nextAttempt, p.deps.Cfg.MaxRetries))

	// The worker moves on; the requeue fires after the backoff.
	time.AfterFunc(delay, func() {
		moved, err := p.deps.Store.RequeueTask(context.Background(), task.ID, nextAttempt)
		if err != nil || !moved {
			return
		}
		if err := p.deps.Queue.TryEnqueue(task.ID); err != nil {
			taskErr := &models.TaskError{
				Code:    40505,
				Kind:    string(errdefs.KindQueueFull),
				Message: "retry dropped: task queue is full",
			}
			_, _ = p.deps.Store.FailTask(context.Background(), task.ID, models.StatusFailed, taskErr, time.Now().UTC())
		}
	})
}

// retryDelay computes base * 2^(attempt-1) with +-25% jitter, capped.
func retryDelay(base time.Duration, attempt int, maxBackoff time.Duration) time.Duration {
	delay := base << uint(attempt-1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := 0.75 + rand.Float64()*0.5
	delay = time.Duration(float64(delay) * jitter)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (p *Pool) taskError(e *errdefs.Error) *models.TaskError {
	redactor := p.deps.Creds.Redactor()
	te := &models.TaskError{
		Code:       e.Code,
		Kind:       string(e.Kind),
		Message:    redactor.Redact(e.Message),
		Suggestion: e.Suggestion,
	}
	if len(e.Context) > 0 {
		te.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			te.Context[k] = redactor.Redact(v)
		}
	}
	return te
}

func (p *Pool) appendLog(taskID string, level models.LogLevel, message string) {
	entry := &models.LogEntry{
		TaskID:    taskID,
		Level:     level,
		Message:   p.deps.Creds.Redactor().Redact(message),
		Timestamp: time.Now().UTC(),
	}
	if err := p.deps.Store.AppendLog(context.Background(), entry); err != nil {
		p.log.Debugw("operation log append failed", "task_id", taskID, "error", err)
	}
}

// remoteURLOf pulls the remote URL out of the params for credential
// selection; operations without one resolve against the empty URL.
func remoteURLOf(task *models.Task) string {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(task.Params, &p); err != nil {
		return ""
	}
	return p.URL
}
