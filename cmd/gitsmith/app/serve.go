package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/creds"
	"github.com/gitsmith-dev/gitsmith/internal/gitops"
	"github.com/gitsmith-dev/gitsmith/internal/httpapi"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/mcptools"
	"github.com/gitsmith-dev/gitsmith/internal/queue"
	"github.com/gitsmith-dev/gitsmith/internal/store"
	"github.com/gitsmith-dev/gitsmith/internal/task"
	"github.com/gitsmith-dev/gitsmith/internal/telemetry"
	"github.com/gitsmith-dev/gitsmith/internal/versions"
	"github.com/gitsmith-dev/gitsmith/internal/worker"
	"github.com/gitsmith-dev/gitsmith/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: `Start the gitsmith server. The tool protocol runs over stdio;
health and Prometheus metrics are served over HTTP on METRICS_ADDRESS.

All settings come from environment variables; see the README for the
full table.`,
	RunE: runServe,
}

const (
	httpReadTimeout     = 10 * time.Second
	httpWriteTimeout    = 15 * time.Second
	httpIdleTimeout     = 60 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	// The redactor learns every configured secret before the first
	// component logs anything.
	redactor := creds.NewRedactor()
	logger.SetRedactor(redactor.Redact)
	credManager := creds.NewManager(cfg.Credentials, redactor)

	log.Infow("starting gitsmith", "version", versions.GetVersionInfo().Version)

	st, err := store.New(cfg.Database.Path, cfg.Database.MaxStorageRetries)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	// Tasks left RUNNING by a previous process are settled before any
	// new work starts.
	requeued, err := st.RecoverCrashedTasks(ctx, cfg.Execution.CrashRecovery == config.CrashRequeueIdempotent)
	if err != nil {
		return fmt.Errorf("failed to recover crashed tasks: %w", err)
	}

	wsManager, err := workspace.NewManager(cfg.Workspace, st, log)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace manager: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.New(promRegistry)

	adapter := gitops.NewComposite(
		gitops.NewGoGit(cfg.DefaultCloneDepth),
		gitops.NewCLI(""),
	)

	taskQueue := queue.New(cfg.Execution.QueueCapacity)
	pool := worker.NewPool(worker.Deps{
		Store:      st,
		Queue:      taskQueue,
		Workspaces: wsManager,
		Creds:      credManager,
		Adapter:    adapter,
		Metrics:    metrics,
		Log:        log,
		Cfg:        cfg.Execution,
	})
	taskManager := task.NewManager(cfg.Execution, st, taskQueue, pool, wsManager, credManager, adapter, metrics, log)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	taskManager.Start(runCtx)
	wsManager.StartSweeper(runCtx)

	// Crash-recovered idempotent tasks re-enter the queue ahead of new
	// submissions.
	for _, id := range requeued {
		if err := taskQueue.TryEnqueue(id); err != nil {
			log.Warnw("failed to re-enqueue recovered task", "task_id", id, "error", err)
		}
	}
	if len(requeued) > 0 {
		log.Infow("re-enqueued interrupted idempotent tasks", "count", len(requeued))
	}

	// Health and metrics over HTTP, if enabled.
	var httpServer *http.Server
	if cfg.MetricsAddress != "" {
		httpServer = &http.Server{
			Addr:         cfg.MetricsAddress,
			Handler:      httpapi.NewRouter(st, taskManager, promRegistry, log),
			ReadTimeout:  httpReadTimeout,
			WriteTimeout: httpWriteTimeout,
			IdleTimeout:  httpIdleTimeout,
		}
		go func() {
			log.Infow("metrics listening", "address", cfg.MetricsAddress)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	mcpSrv := mcptools.NewServer(taskManager, wsManager, redactor, versions.GetVersionInfo().Version, log)

	// The stdio transport runs until stdin closes or a signal arrives.
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- mcpserver.ServeStdio(mcpSrv)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Errorw("stdio transport failed", "error", err)
		}
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	}

	// Orderly shutdown: stop intake, drain workers, stop sweepers.
	taskManager.Stop()
	wsManager.StopSweeper()
	cancelRun()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("metrics server forced shutdown", "error", err)
		}
	}

	log.Infow("shutdown complete")
	return nil
}
