package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func (s *Server) registerAgentsRoutes(api *gin.RouterGroup) {
	api.GET("/agents", s.handleListAgents)
	api.POST("/agents", s.handleCreateAgent)
	api.GET("/agents/eligible-tools", s.handleEligibleTools)
	api.GET("/agents/:id", s.handleGetAgent)
	api.PUT("/agents/:id", s.handlePutAgent)
	api.PATCH("/agents/:id", s.handlePatchAgent)
	api.DELETE("/agents/:id", s.handleDeleteAgent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.reg.ListAgents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleEligibleTools(c *gin.Context) {
	names := []string{}
	if s.dispatch != nil {
		names = s.dispatch.Names()
	}
	c.JSON(http.StatusOK, gin.H{"tools": names})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.reg.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such agent"})
		return
	}
	prompt, _ := s.reg.GetAgentSystemPrompt(agent.ID)
	c.JSON(http.StatusOK, gin.H{"agent": agent, "systemPrompt": prompt})
}

type agentRequest struct {
	ID            string   `json:"id" binding:"required"`
	Enabled       bool     `json:"enabled"`
	MaxIterations int      `json:"maxIterations"`
	Models        []string `json:"models"`
	Skills        []string `json:"skills"`
	Tools         []string `json:"tools"`
	MCPServers    []string `json:"mcpServers"`
	SystemPrompt  string   `json:"systemPrompt"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	s.upsertAgent(c, true)
}

func (s *Server) handlePutAgent(c *gin.Context) {
	s.upsertAgent(c, false)
}

func (s *Server) upsertAgent(c *gin.Context, fromCreate bool) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !fromCreate {
		req.ID = c.Param("id")
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = 12
	}

	reg := types.AgentRegistration{
		ID: req.ID, Enabled: req.Enabled, MaxIterations: req.MaxIterations,
		Models: req.Models, Skills: req.Skills, Tools: req.Tools, MCPServers: req.MCPServers,
	}
	if err := s.reg.RegisterAgent(c.Request.Context(), reg, req.SystemPrompt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if fromCreate {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"agent": reg})
}

type patchAgentRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePatchAgent(c *gin.Context) {
	var req patchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := s.reg.SetAgentEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.reg.DeregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
