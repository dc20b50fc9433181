package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3600, cfg.Workspace.RetentionSeconds)
	assert.EqualValues(t, int64(10)<<30, cfg.Workspace.TotalQuotaBytes)
	assert.Equal(t, CleanupLRU, cfg.Workspace.CleanupStrategy)
	assert.Equal(t, 4, cfg.Execution.WorkerCount)
	assert.Equal(t, 10, cfg.Execution.MaxConcurrentTasks)
	assert.Equal(t, 100, cfg.Execution.QueueCapacity)
	assert.Equal(t, QueueReject, cfg.Execution.QueueFullPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Execution.TaskTimeout)
	assert.Equal(t, time.Hour, cfg.Execution.ResultRetention)
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Execution.CancelGrace)
	assert.Equal(t, 5*time.Second, cfg.Execution.TimeoutCheckInterval)
	assert.Equal(t, 100, cfg.Execution.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.Execution.RateLimitWindow)
	assert.Equal(t, CrashFail, cfg.Execution.CrashRecovery)
	assert.Equal(t, 1, cfg.DefaultCloneDepth)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("WORKSPACE_ROOT", root)
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("QUEUE_CAPACITY", "2")
	t.Setenv("TASK_TIMEOUT_SECONDS", "1")
	t.Setenv("WORKSPACE_CLEANUP_STRATEGY", "fifo")
	t.Setenv("CRASH_RECOVERY_POLICY", "requeue-idempotent")
	t.Setenv("GITHUB_TOKEN", "ghp_fromenv")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Workspace.Root)
	assert.Equal(t, 8, cfg.Execution.WorkerCount)
	assert.Equal(t, 2, cfg.Execution.QueueCapacity)
	assert.Equal(t, time.Second, cfg.Execution.TaskTimeout)
	assert.Equal(t, CleanupFIFO, cfg.Workspace.CleanupStrategy)
	assert.Equal(t, CrashRequeueIdempotent, cfg.Execution.CrashRecovery)
	assert.Equal(t, "ghp_fromenv", cfg.Credentials.Token)
}

func TestGitTokenTakesPriorityOverGithubToken(t *testing.T) {
	t.Setenv("GIT_TOKEN", "primary")
	t.Setenv("GITHUB_TOKEN", "fallback")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.Credentials.Token)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Workspace.CleanupStrategy = "RANDOM"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Execution.MaxConcurrentTasks = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Execution.QueueFullPolicy = "drop"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workspace.Root = "relative/path"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.DefaultCloneDepth = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonDirectoryRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "afile")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	t.Setenv("WORKSPACE_ROOT", file)

	_, err := Load()
	assert.Error(t, err)
}
