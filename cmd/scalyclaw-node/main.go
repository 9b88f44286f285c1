// Command scalyclaw-node runs the ScalyClaw node process: the relational
// store, channel adapters, the management HTTP API, and the orchestrator,
// scheduler, and proactive-engine consumers. Execution-heavy tool calls
// are handed off to one or more scalyclaw-worker processes over the same
// KV-backed queue fabric.
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

	"github.com/scalyclaw/scalyclaw/internal/agentrunner"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/gateway"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/memory/embeddings"
	embopenai "github.com/scalyclaw/scalyclaw/internal/memory/embeddings/openai"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/proactive"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/session"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/internal/systemprompt"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:     "scalyclaw-node",
		Short:   "Run the ScalyClaw node process",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.AddCommand(newServeCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("scalyclaw-node: fatal", "error", err)
		os.Exit(1)
	}
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var (
		redisAddr  string
		postgresDSN string
		dataDir    string
		vaultPath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node's channel adapters, HTTP API, and consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, serveOpts{
				redisAddr:   redisAddr,
				postgresDSN: postgresDSN,
				dataDir:     dataDir,
				vaultPath:   vaultPath,
			})
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", envOr("SCALYCLAW_REDIS_ADDR", "localhost:6379"), "Redis/KV address")
	cmd.Flags().StringVar(&postgresDSN, "postgres-dsn", envOr("SCALYCLAW_POSTGRES_DSN", "postgres://localhost:5432/scalyclaw"), "Postgres connection string")
	cmd.Flags().StringVar(&dataDir, "data-dir", envOr("SCALYCLAW_DATA_DIR", "./database"), "Installation-root data directory (skills, agents, personas)")
	cmd.Flags().StringVar(&vaultPath, "vault-path", envOr("SCALYCLAW_VAULT_PATH", defaultVaultPath()), "Vault password file path")
	return cmd
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "scalyclaw.ps"
	}
	return filepath.Join(home, "scalyclaw.ps")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type serveOpts struct {
	redisAddr   string
	postgresDSN string
	dataDir     string
	vaultPath   string
}

func runServe(ctx context.Context, logger *slog.Logger, opts serveOpts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kvStore, err := kv.New(opts.redisAddr)
	if err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}

	store, err := storage.Open(ctx, opts.postgresDSN, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	cfgStore := config.NewStore(kvStore)
	if err := cfgStore.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.GetConfigRef()

	vlt, err := vault.Open(kvStore, opts.vaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	skillDir := filepath.Join(opts.dataDir, "skills")
	agentDir := filepath.Join(opts.dataDir, "agents")
	personaDir := filepath.Join(opts.dataDir, "persona")
	reg := registry.New(kvStore, skillDir, agentDir)
	if err := reg.DiscoverSkills(ctx); err != nil {
		logger.Warn("node: initial skill discovery failed", "error", err)
	}
	if err := reg.WatchSkills(ctx); err != nil {
		logger.Warn("node: skill hot-reload watcher not started", "error", err)
	}
	defer reg.CloseWatch()

	modelRegistry := buildModelRegistry(cfg.Models, logger)
	embedder := buildEmbedder(cfg.Models, logger)

	memCfg := memory.Config{ScoreThreshold: cfg.Memory.ScoreThreshold}
	memMgr := memory.New(store.Pool(), embedder, memCfg)

	q := queue.New(kvStore, logger)
	fabric := progress.New(kvStore, logger)
	sessions := session.New(kvStore)
	mcpMgr := mcp.NewManager()
	chanMgr := channels.NewManager(kvStore, logger)

	promptBuilder := systemprompt.New(personaDir, reg, mcpMgr)

	deliverer := gateway.NewDeliverer(chanMgr, q)
	sched := scheduler.New(kvStore, q, deliverer, logger)

	dispatcher := tools.New(memMgr, vlt, sched, reg, q, cfgStore, mcpMgr, sessions)

	guardPipeline := guard.New(modelRegistry, cfgStore, store)

	budgetCheck := func(ctx context.Context) (budget.Status, error) {
		liveCfg := cfgStore.GetConfigRef()
		if liveCfg.Budget == nil {
			return budget.Status{Allowed: true}, nil
		}
		return budget.Check(ctx, store, liveCfg.Budget, buildPricing(liveCfg.Models), time.Now())
	}

	proactiveEngine := proactive.New(kvStore, store, modelRegistry, cfgStore, fabric, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Storage:     store,
		Config:      cfgStore,
		Registry:    modelRegistry,
		Memory:      memMgr,
		Prompt:      promptBuilder,
		Tools:       dispatcher,
		Logger:      logger,
		Activity:    proactiveEngine,
		BudgetCheck: budgetCheck,
	})

	agentRunner := agentrunner.New(orch, reg, mcpMgr, budgetCheck)

	shutdownCh := make(chan struct{}, 1)
	shutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	srv := gateway.New(gateway.Deps{
		Config:       cfgStore,
		Storage:      store,
		Queue:        q,
		Scheduler:    sched,
		Registry:     reg,
		Memory:       memMgr,
		Vault:        vlt,
		Models:       modelRegistry,
		MCP:          mcpMgr,
		Channels:     chanMgr,
		Sessions:     sessions,
		Progress:     fabric,
		Dispatcher:   dispatcher,
		Orchestrator: orch,
		Agents:       agentRunner,
		Guard:        guardPipeline,
		Pricing:      func() map[string]storage.ModelPricing { return buildPricing(cfgStore.GetConfigRef().Models) },
		Logger:       logger,
		Shutdown:     shutdown,
		SlackWebhookURL: cfg.Gateway.SlackWebhookURL,
	})
	srv.RegisterConsumers()
	sched.RegisterConsumer()
	proactiveEngine.RegisterConsumer(q)
	if err := proactiveEngine.RegisterSweep(ctx, q); err != nil {
		logger.Warn("node: register proactive sweep failed", "error", err)
	}

	chanMgr.OnMessage(srv.HandleInbound)
	registerChannelAdapters(ctx, chanMgr, cfg, logger)

	var wg errgroup
	wg.Go(func() error { return q.Run(ctx) })
	wg.Go(func() error { return fabric.Run(ctx) })

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Gateway.Port), Handler: srv.Router()}
	wg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	select {
	case <-ctx.Done():
	case <-shutdownCh:
	}

	logger.Info("node: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = chanMgr.StopAll(shutdownCtx)
	return nil
}

// errgroup is a minimal stand-in for golang.org/x/sync/errgroup (not in
// the dependency set): it runs each function in its own goroutine and
// buffers the returned errors in errs. Nothing reads errs, so a goroutine
// that fails does not stop the node.
type errgroup struct {
	errs chan error
	n    int
}

func (g *errgroup) Go(fn func() error) {
	if g.errs == nil {
		g.errs = make(chan error, 8)
	}
	g.n++
	go func() { g.errs <- fn() }()
}

func buildModelRegistry(cfg config.ModelsConfig, logger *slog.Logger) *models.Registry {
	reg := models.NewRegistry()
	for _, m := range cfg.Models {
		if !m.Enabled {
			continue
		}
		provider, err := bindProvider(m)
		if err != nil {
			logger.Warn("node: failed to bind model provider", "model", m.ID, "error", err)
			continue
		}
		reg.Bind(m.ID, provider)
	}
	return reg
}

func bindProvider(m config.ModelEntry) (models.Provider, error) {
	switch m.Provider {
	case "anthropic":
		return models.NewAnthropicProvider(models.AnthropicConfig{APIKey: m.APIKey, DefaultModel: m.ID})
	case "openai":
		return models.NewOpenAIProvider(models.OpenAIConfig{APIKey: m.APIKey, DefaultModel: m.ID})
	case "bedrock":
		return models.NewBedrockProvider(context.Background(), models.BedrockConfig{DefaultModel: m.ID})
	default:
		return nil, fmt.Errorf("unknown provider %q", m.Provider)
	}
}

func buildEmbedder(cfg config.ModelsConfig, logger *slog.Logger) embeddings.Provider {
	for _, m := range cfg.EmbeddingModels {
		if !m.Enabled {
			continue
		}
		provider, err := embopenai.New(embopenai.Config{APIKey: m.APIKey, Model: m.ID})
		if err != nil {
			logger.Warn("node: failed to bind embedding provider", "model", m.ID, "error", err)
			continue
		}
		return provider
	}
	return nil
}

func buildPricing(cfg config.ModelsConfig) map[string]storage.ModelPricing {
	out := make(map[string]storage.ModelPricing, len(cfg.Models))
	for _, m := range cfg.Models {
		out[m.ID] = storage.ModelPricing{}
	}
	return out
}

func registerChannelAdapters(ctx context.Context, chanMgr *channels.Manager, cfg config.Doc, logger *slog.Logger) {
	for id, raw := range cfg.Channels {
		settings, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := settings["type"].(string)
		token, _ := settings["token"].(string)
		if token == "" {
			continue
		}
		var adapter channels.Adapter
		switch kind {
		case "telegram":
			adapter = channels.NewTelegramAdapter(channels.TelegramConfig{ID: id, Token: token, Logger: logger}, nil)
		case "discord":
			adapter = channels.NewDiscordAdapter(channels.DiscordConfig{ID: id, Token: token, Logger: logger}, nil)
		default:
			logger.Warn("node: unknown channel adapter type", "channel", id, "type", kind)
			continue
		}
		if err := chanMgr.Register(ctx, adapter); err != nil {
			logger.Warn("node: failed to register channel adapter", "channel", id, "error", err)
		}
	}
}
