package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func (s *Server) registerMemoryRoutes(api *gin.RouterGroup) {
	api.GET("/memory", s.handleListMemory)
	api.GET("/memory/search", s.handleSearchMemory)
	api.POST("/memory", s.handleCreateMemory)
	api.DELETE("/memory/:id", s.handleDeleteMemory)
}

func (s *Server) handleListMemory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	memories, err := s.mem.ListMemory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": memories})
}

func (s *Server) handleSearchMemory(c *gin.Context) {
	query := c.Query("q")
	topK, _ := strconv.Atoi(c.Query("topK"))
	opts := types.MemorySearchOptions{TopK: topK, Type: types.MemoryType(c.Query("type"))}
	results, err := s.mem.SearchMemory(c.Request.Context(), query, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type createMemoryRequest struct {
	Type       string   `json:"type"`
	Subject    string   `json:"subject" binding:"required"`
	Content    string   `json:"content" binding:"required"`
	Tags       []string `json:"tags"`
	Source     string   `json:"source"`
	Confidence int      `json:"confidence"`
}

func (s *Server) handleCreateMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mem := types.Memory{
		Type:       types.MemoryType(req.Type),
		Subject:    req.Subject,
		Content:    req.Content,
		Tags:       req.Tags,
		Source:     req.Source,
		Confidence: types.Confidence(req.Confidence),
	}
	stored, err := s.mem.StoreMemory(c.Request.Context(), mem)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"memory": stored})
}

func (s *Server) handleDeleteMemory(c *gin.Context) {
	if err := s.mem.DeleteMemory(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
