// Package config provides configuration loading and validation for the
// gitsmith server. All settings come from environment variables with
// overrideable defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CleanupStrategy selects how workspaces are chosen for eviction.
type CleanupStrategy string

// Cleanup strategies.
const (
	CleanupLRU  CleanupStrategy = "LRU"
	CleanupFIFO CleanupStrategy = "FIFO"
)

// CrashRecoveryPolicy decides what happens to tasks found RUNNING at
// startup.
type CrashRecoveryPolicy string

// Crash recovery policies.
const (
	// CrashFail marks interrupted tasks FAILED.
	CrashFail CrashRecoveryPolicy = "fail"
	// CrashRequeueIdempotent re-enqueues interrupted tasks whose
	// operation is declared idempotent; the rest are failed.
	CrashRequeueIdempotent CrashRecoveryPolicy = "requeue-idempotent"
)

// QueueFullPolicy decides how enqueue behaves at capacity.
type QueueFullPolicy string

// Queue full policies.
const (
	// QueueReject fails fast with QUEUE_FULL.
	QueueReject QueueFullPolicy = "reject"
	// QueueBlock blocks the submitter until a slot frees.
	QueueBlock QueueFullPolicy = "block"
)

// Config is the root configuration for the server.
type Config struct {
	Workspace   WorkspaceConfig
	Database    DatabaseConfig
	Execution   ExecutionConfig
	Credentials CredentialConfig

	DefaultCloneDepth int
	LogLevel          string
	MetricsAddress    string
}

// WorkspaceConfig bounds the workspace manager.
type WorkspaceConfig struct {
	Root             string
	RetentionSeconds int
	TotalQuotaBytes  int64
	CleanupStrategy  CleanupStrategy
	CleanupInterval  time.Duration
}

// DatabaseConfig locates the persistent store.
type DatabaseConfig struct {
	Path              string
	MaxStorageRetries int
}

// ExecutionConfig bounds the task subsystem.
type ExecutionConfig struct {
	WorkerCount            int
	MaxConcurrentTasks     int
	QueueCapacity          int
	QueueFullPolicy        QueueFullPolicy
	TaskTimeout            time.Duration
	ResultRetention        time.Duration
	MaxRetries             int
	CancelGrace            time.Duration
	TimeoutCheckInterval   time.Duration
	RetentionCheckInterval time.Duration
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	CrashRecovery          CrashRecoveryPolicy
	RetryBaseDelay         time.Duration
	RetryMaxBackoff        time.Duration
}

// CredentialConfig carries the credential sources. Values here are the
// only place raw secrets touch configuration; they never reach the
// store or the logs.
type CredentialConfig struct {
	Token         string
	Username      string
	Password      string
	SSHKeyPath    string
	SSHPassphrase string
	SSHAgentSock  string
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("WORKSPACE_ROOT", filepath.Join(os.TempDir(), "gitsmith", "workspaces"))
	v.SetDefault("WORKSPACE_RETENTION_SECONDS", 3600)
	v.SetDefault("WORKSPACE_TOTAL_QUOTA_BYTES", int64(10)<<30)
	v.SetDefault("WORKSPACE_CLEANUP_STRATEGY", string(CleanupLRU))
	v.SetDefault("CLEANUP_INTERVAL_SECONDS", 60)
	v.SetDefault("DATABASE_PATH", filepath.Join(os.TempDir(), "gitsmith", "gitsmith.db"))
	v.SetDefault("MAX_STORAGE_RETRIES", 3)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("MAX_CONCURRENT_TASKS", 10)
	v.SetDefault("QUEUE_CAPACITY", 100)
	v.SetDefault("QUEUE_FULL_POLICY", string(QueueReject))
	v.SetDefault("TASK_TIMEOUT_SECONDS", 300)
	v.SetDefault("RESULT_RETENTION_SECONDS", 3600)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("CANCEL_GRACE_SECONDS", 10)
	v.SetDefault("TIMEOUT_CHECK_INTERVAL_SECONDS", 5)
	v.SetDefault("RETENTION_CHECK_INTERVAL_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("CRASH_RECOVERY_POLICY", string(CrashFail))
	v.SetDefault("RETRY_BASE_DELAY_MS", 500)
	v.SetDefault("RETRY_MAX_BACKOFF_SECONDS", 30)
	v.SetDefault("DEFAULT_CLONE_DEPTH", 1)
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("METRICS_ADDRESS", ":9090")

	cfg := &Config{
		Workspace: WorkspaceConfig{
			Root:             v.GetString("WORKSPACE_ROOT"),
			RetentionSeconds: v.GetInt("WORKSPACE_RETENTION_SECONDS"),
			TotalQuotaBytes:  v.GetInt64("WORKSPACE_TOTAL_QUOTA_BYTES"),
			CleanupStrategy:  CleanupStrategy(strings.ToUpper(v.GetString("WORKSPACE_CLEANUP_STRATEGY"))),
			CleanupInterval:  time.Duration(v.GetInt("CLEANUP_INTERVAL_SECONDS")) * time.Second,
		},
		Database: DatabaseConfig{
			Path:              v.GetString("DATABASE_PATH"),
			MaxStorageRetries: v.GetInt("MAX_STORAGE_RETRIES"),
		},
		Execution: ExecutionConfig{
			WorkerCount:            v.GetInt("WORKER_COUNT"),
			MaxConcurrentTasks:     v.GetInt("MAX_CONCURRENT_TASKS"),
			QueueCapacity:          v.GetInt("QUEUE_CAPACITY"),
			QueueFullPolicy:        QueueFullPolicy(strings.ToLower(v.GetString("QUEUE_FULL_POLICY"))),
			TaskTimeout:            time.Duration(v.GetInt("TASK_TIMEOUT_SECONDS")) * time.Second,
			ResultRetention:        time.Duration(v.GetInt("RESULT_RETENTION_SECONDS")) * time.Second,
			MaxRetries:             v.GetInt("MAX_RETRIES"),
			CancelGrace:            time.Duration(v.GetInt("CANCEL_GRACE_SECONDS")) * time.Second,
			TimeoutCheckInterval:   time.Duration(v.GetInt("TIMEOUT_CHECK_INTERVAL_SECONDS")) * time.Second,
			RetentionCheckInterval: time.Duration(v.GetInt("RETENTION_CHECK_INTERVAL_SECONDS")) * time.Second,
			RateLimitRequests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			RateLimitWindow:        time.Duration(v.GetInt("RATE_LIMIT_WINDOW_SECONDS")) * time.Second,
			CrashRecovery:          CrashRecoveryPolicy(strings.ToLower(v.GetString("CRASH_RECOVERY_POLICY"))),
			RetryBaseDelay:         time.Duration(v.GetInt("RETRY_BASE_DELAY_MS")) * time.Millisecond,
			RetryMaxBackoff:        time.Duration(v.GetInt("RETRY_MAX_BACKOFF_SECONDS")) * time.Second,
		},
		Credentials: CredentialConfig{
			Token:         firstNonEmpty(v.GetString("GIT_TOKEN"), v.GetString("GITHUB_TOKEN")),
			Username:      v.GetString("GIT_USERNAME"),
			Password:      v.GetString("GIT_PASSWORD"),
			SSHKeyPath:    v.GetString("GIT_SSH_KEY_PATH"),
			SSHPassphrase: v.GetString("SSH_KEY_PASSPHRASE"),
			SSHAgentSock:  v.GetString("SSH_AUTH_SOCK"),
		},
		DefaultCloneDepth: v.GetInt("DEFAULT_CLONE_DEPTH"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		MetricsAddress:    v.GetString("METRICS_ADDRESS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints and path safety.
func (c *Config) Validate() error {
	if err := validateRootPath(c.Workspace.Root); err != nil {
		return fmt.Errorf("WORKSPACE_ROOT: %w", err)
	}
	if c.Workspace.TotalQuotaBytes <= 0 {
		return fmt.Errorf("WORKSPACE_TOTAL_QUOTA_BYTES must be positive")
	}
	if c.Workspace.RetentionSeconds <= 0 {
		return fmt.Errorf("WORKSPACE_RETENTION_SECONDS must be positive")
	}
	switch c.Workspace.CleanupStrategy {
	case CleanupLRU, CleanupFIFO:
	default:
		return fmt.Errorf("WORKSPACE_CLEANUP_STRATEGY must be LRU or FIFO, got %q", c.Workspace.CleanupStrategy)
	}
	if c.Execution.WorkerCount < 0 {
		return fmt.Errorf("WORKER_COUNT must be non-negative")
	}
	if c.Execution.MaxConcurrentTasks < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1")
	}
	if c.Execution.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}
	switch c.Execution.QueueFullPolicy {
	case QueueReject, QueueBlock:
	default:
		return fmt.Errorf("QUEUE_FULL_POLICY must be reject or block, got %q", c.Execution.QueueFullPolicy)
	}
	switch c.Execution.CrashRecovery {
	case CrashFail, CrashRequeueIdempotent:
	default:
		return fmt.Errorf("CRASH_RECOVERY_POLICY must be fail or requeue-idempotent, got %q", c.Execution.CrashRecovery)
	}
	if c.Execution.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT_SECONDS must be positive")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be non-negative")
	}
	if c.DefaultCloneDepth < 1 {
		return fmt.Errorf("DEFAULT_CLONE_DEPTH must be at least 1")
	}
	return nil
}

// validateRootPath rejects roots that resolve outside themselves via
// symlinks or that exist as non-directories. The directory is created
// later by the workspace manager; only an existing path is checked.
func validateRootPath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat path: %w", err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		// Resolve symlinks to prevent symlink attacks.
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		info, err = os.Stat(real)
		if err != nil {
			return fmt.Errorf("failed to stat resolved path: %w", err)
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory: %s", path)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
