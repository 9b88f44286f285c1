package worker

import (
	"bufio"
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Server is the worker process's small management HTTP surface: health,
// status, log tailing, and file fetch, fronted by the same bearer-token
// convention as the node gateway.
type Server struct {
	authToken     string
	logPath       string
	workspaceRoot string
	skillRoot     string
	logger        *slog.Logger
	shutdown      context.CancelFunc
}

type ServerDeps struct {
	AuthToken     string
	LogPath       string
	WorkspaceRoot string
	SkillRoot     string
	Logger        *slog.Logger
	Shutdown      context.CancelFunc
}

func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authToken:     deps.AuthToken,
		logPath:       deps.LogPath,
		workspaceRoot: deps.WorkspaceRoot,
		skillRoot:     deps.SkillRoot,
		logger:        logger,
		shutdown:      deps.Shutdown,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	api := r.Group("/")
	api.Use(s.authMiddleware())
	api.GET("/status", s.handleStatus)
	api.GET("/api/logs", s.handleLogs)
	api.GET("/api/files", s.handleFiles)
	api.POST("/api/shutdown", s.handleShutdown)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" {
			c.Next()
			return
		}
		token := c.Query("token")
		if token == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "role": "worker"})
}

// handleLogs tails the last N lines (default 200) of the worker's own log
// file. Intended for operator debugging, not structured log shipping.
func (s *Server) handleLogs(c *gin.Context) {
	if s.logPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log file configured"})
		return
	}
	lines, _ := strconv.Atoi(c.Query("lines"))
	if lines <= 0 {
		lines = 200
	}

	f, err := os.Open(s.logPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	var ring []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if len(ring) > lines {
			ring = ring[1:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": ring})
}

// handleFiles serves a single file from under the workspace or skills
// root, resolving and rejecting any path that escapes either root.
func (s *Server) handleFiles(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}

	for _, root := range []string{s.workspaceRoot, s.skillRoot} {
		if root == "" {
			continue
		}
		full := filepath.Join(root, rel)
		cleanRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		cleanFull, err := filepath.Abs(full)
		if err != nil || !strings.HasPrefix(cleanFull, cleanRoot+string(filepath.Separator)) {
			continue
		}
		if _, err := os.Stat(cleanFull); err == nil {
			c.File(cleanFull)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
}

func (s *Server) handleShutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}
