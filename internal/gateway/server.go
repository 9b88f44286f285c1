// Package gateway implements the node management HTTP surface: system,
// config, models, agents, skills, memory, vault, jobs, scheduler, and chat
// route families behind a bearer/query-token auth middleware, plus a
// Prometheus /metrics endpoint and the queue consumers that drive chat
// through the orchestrator and agent runner.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/agentrunner"
	"github.com/scalyclaw/scalyclaw/internal/channels"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/mcp"
	"github.com/scalyclaw/scalyclaw/internal/memory"
	"github.com/scalyclaw/scalyclaw/internal/models"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/progress"
	"github.com/scalyclaw/scalyclaw/internal/queue"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/session"
	"github.com/scalyclaw/scalyclaw/internal/storage"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// Pricing supplies the budget component and usage dashboards with a
// model-id-to-dollar-rate table. It is read from the live config document
// on every call rather than cached, since operators edit it at runtime.
type Pricing func() map[string]storage.ModelPricing

// Server wires every subsystem the node management HTTP surface fronts.
type Server struct {
	cfg      *config.Store
	store    *storage.Store
	q        *queue.Fabric
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	mem      *memory.Manager
	vlt      *vault.Vault
	models   *models.Registry
	mcpMgr   *mcp.Manager
	chanMgr  *channels.Manager
	sessions *session.Control
	fabric   *progress.Fabric
	dispatch *tools.Dispatcher
	orch     *orchestrator.Orchestrator
	agents   *agentrunner.Runner
	guard    *guard.Pipeline
	pricing  Pricing
	logger   *slog.Logger
	metrics  *Metrics
	shutdown context.CancelFunc
	notifier *healthNotifier
}

// Deps collects every Server constructor argument.
type Deps struct {
	Config       *config.Store
	Storage      *storage.Store
	Queue        *queue.Fabric
	Scheduler    *scheduler.Scheduler
	Registry     *registry.Registry
	Memory       *memory.Manager
	Vault        *vault.Vault
	Models       *models.Registry
	MCP          *mcp.Manager
	Channels     *channels.Manager
	Sessions     *session.Control
	Progress     *progress.Fabric
	Dispatcher   *tools.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Agents       *agentrunner.Runner
	Guard        *guard.Pipeline
	Pricing      Pricing
	Logger       *slog.Logger
	Shutdown     context.CancelFunc
	SlackWebhookURL string
}

// New returns a Server wired from deps.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      deps.Config,
		store:    deps.Storage,
		q:        deps.Queue,
		sched:    deps.Scheduler,
		reg:      deps.Registry,
		mem:      deps.Memory,
		vlt:      deps.Vault,
		models:   deps.Models,
		mcpMgr:   deps.MCP,
		chanMgr:  deps.Channels,
		sessions: deps.Sessions,
		fabric:   deps.Progress,
		dispatch: deps.Dispatcher,
		orch:     deps.Orchestrator,
		agents:   deps.Agents,
		guard:    deps.Guard,
		pricing:  deps.Pricing,
		logger:   logger,
		metrics:  NewMetrics(),
		shutdown: deps.Shutdown,
		notifier: newHealthNotifier(deps.SlackWebhookURL),
	}
}

// Router builds the gin engine with every route family mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	api.Use(s.authMiddleware())

	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.POST("/shutdown", s.handleShutdown)

	s.registerConfigRoutes(api)
	s.registerModelsRoutes(api)
	s.registerAgentsRoutes(api)
	s.registerSkillsRoutes(api)
	s.registerMemoryRoutes(api)
	s.registerVaultRoutes(api)
	s.registerJobsRoutes(api)
	s.registerSchedulerRoutes(api)
	s.registerChatRoutes(api)
	s.registerWSRoutes(api)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("gateway: request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}
