package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/models"
)

func (s *Server) registerModelsRoutes(api *gin.RouterGroup) {
	api.GET("/models", s.handleListModels)
	api.PATCH("/models/:id", s.handlePatchModel)
	api.POST("/models/test", s.handleTestModel)
}

func (s *Server) handleListModels(c *gin.Context) {
	cfg := config.Redact(s.cfg.GetConfigRef())
	c.JSON(http.StatusOK, gin.H{
		"models":          cfg.Models.Models,
		"embeddingModels": cfg.Models.EmbeddingModels,
	})
}

type patchModelRequest struct {
	Enabled       *bool `json:"enabled"`
	Priority      *int  `json:"priority"`
	Weight        *int  `json:"weight"`
	ContextWindow *int  `json:"contextWindow"`
}

func (s *Server) handlePatchModel(c *gin.Context) {
	id := c.Param("id")
	var req patchModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	found := false
	err := s.cfg.UpdateConfig(c.Request.Context(), func(d *config.Doc) error {
		for i, m := range d.Models.Models {
			if m.ID != id {
				continue
			}
			found = true
			if req.Enabled != nil {
				d.Models.Models[i].Enabled = *req.Enabled
			}
			if req.Priority != nil {
				d.Models.Models[i].Priority = *req.Priority
			}
			if req.Weight != nil {
				d.Models.Models[i].Weight = *req.Weight
			}
			if req.ContextWindow != nil {
				d.Models.Models[i].ContextWindow = *req.ContextWindow
			}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such model " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type testModelRequest struct {
	ModelID string `json:"modelId" binding:"required"`
}

func (s *Server) handleTestModel(c *gin.Context) {
	var req testModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	provider, ok := s.models.Lookup(req.ModelID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not bound: " + req.ModelID})
		return
	}
	resp, err := provider.Chat(c.Request.Context(), models.Request{
		System:    "Reply with the single word \"pong\" and nothing else.",
		Messages:  nil,
		MaxTokens: 8,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "content": resp.Content})
}
