// Command scalyclaw-worker runs a stateless execution process: it pulls
// execute_code, execute_command, and execute_skill jobs off the shared
// tools queue and runs them in a throwaway per-job workspace, fronted by
// a small HTTP surface for log tailing and file fetch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:     "scalyclaw-worker",
		Short:   "Run a ScalyClaw execution worker",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(newServeCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("scalyclaw-worker: fatal", "error", err)
		os.Exit(1)
	}
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var (
		redisAddr     string
		dataDir       string
		workspaceRoot string
		logPath       string
		authToken     string
		port          int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start consuming tool jobs and serve the worker's HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, serveOpts{
				redisAddr:     redisAddr,
				dataDir:       dataDir,
				workspaceRoot: workspaceRoot,
				logPath:       logPath,
				authToken:     authToken,
				port:          port,
			})
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", envOr("SCALYCLAW_REDIS_ADDR", "localhost:6379"), "Redis/KV address")
	cmd.Flags().StringVar(&dataDir, "data-dir", envOr("SCALYCLAW_DATA_DIR", "./database"), "Installation-root data directory (skills, agents)")
	cmd.Flags().StringVar(&workspaceRoot, "workspace-root", envOr("SCALYCLAW_WORKSPACE_ROOT", "./workspace"), "Per-job scratch directory root")
	cmd.Flags().StringVar(&logPath, "log-path", envOr("SCALYCLAW_WORKER_LOG", ""), "Path this worker's own log lines are also written to, for /api/logs")
	cmd.Flags().StringVar(&authToken, "auth-token", os.Getenv("SCALYCLAW_WORKER_TOKEN"), "Bearer/query token required on the management API")
	cmd.Flags().IntVar(&port, "port", 8090, "Management HTTP bind port")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type serveOpts struct {
	redisAddr     string
	dataDir       string
	workspaceRoot string
	logPath       string
	authToken     string
	port          int
}

func runServe(ctx context.Context, logger *slog.Logger, opts serveOpts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvStore, err := kv.New(opts.redisAddr)
	if err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}

	skillDir := filepath.Join(opts.dataDir, "skills")
	agentDir := filepath.Join(opts.dataDir, "agents")
	reg := registry.New(kvStore, skillDir, agentDir)

	q := queue.New(kvStore, logger)

	executor := worker.New(reg, opts.workspaceRoot, logger)
	executor.Register(q)

	shutdownCh := make(chan struct{}, 1)
	shutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	srv := worker.NewServer(worker.ServerDeps{
		AuthToken:     opts.authToken,
		LogPath:       opts.logPath,
		WorkspaceRoot: opts.workspaceRoot,
		SkillRoot:     skillDir,
		Logger:        logger,
		Shutdown:      shutdown,
	})

	go func() {
		if err := q.Run(ctx); err != nil {
			logger.Error("worker: queue run stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", opts.port), Handler: srv.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker: http server stopped", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-shutdownCh:
	}

	logger.Info("worker: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}
