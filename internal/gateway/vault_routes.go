package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerVaultRoutes(api *gin.RouterGroup) {
	api.GET("/vault", s.handleListVault)
	api.GET("/vault/:name", s.handleGetVault)
	api.POST("/vault", s.handleSetVault)
	api.DELETE("/vault/:name", s.handleDeleteVault)
}

func (s *Server) handleListVault(c *gin.Context) {
	names, err := s.vlt.ListSecretNames(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"secrets": names})
}

// handleGetVault never returns the decrypted value over HTTP; it confirms
// presence only, mirroring the tool-call surface's vault_get contract
// (the value flows to the model, never to an HTTP client directly).
func (s *Server) handleGetVault(c *gin.Context) {
	_, err := s.vlt.GetSecret(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such secret"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "present": true})
}

type setVaultRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (s *Server) handleSetVault(c *gin.Context) {
	var req setVaultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.vlt.StoreSecret(c.Request.Context(), req.Name, []byte(req.Value)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "stored"})
}

func (s *Server) handleDeleteVault(c *gin.Context) {
	if err := s.vlt.DeleteSecret(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
