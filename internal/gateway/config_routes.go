package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/config"
)

// knownConfigKeys mirrors config.Doc's JSON tags. PUT /api/config rejects
// any top-level key outside this set.
var knownConfigKeys = map[string]bool{
	"orchestrator": true, "gateway": true, "logs": true, "memory": true,
	"queue": true, "models": true, "guards": true, "budget": true,
	"proactive": true, "channels": true,
}

func (s *Server) registerConfigRoutes(api *gin.RouterGroup) {
	api.GET("/config", s.handleGetConfig)
	api.PUT("/config", s.handlePutConfig)
	api.POST("/config/reload", s.handleReloadConfig)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, config.Redact(s.cfg.GetConfigRef()))
}

func (s *Server) handlePutConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed config document"})
		return
	}
	for key := range top {
		if !knownConfigKeys[key] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown config key: " + key})
			return
		}
	}
	if _, hasAuthType := top["gateway"]; hasAuthType {
		var gw map[string]json.RawMessage
		_ = json.Unmarshal(top["gateway"], &gw)
		if _, ok := gw["authType"]; ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "gateway.authType cannot be changed through this endpoint"})
			return
		}
		if _, ok := gw["authValue"]; ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "gateway.authValue cannot be changed through this endpoint"})
			return
		}
	}

	var incoming config.Doc
	if err := json.Unmarshal(body, &incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	current, err := s.cfg.GetConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	preserveRedacted(&incoming, current)

	channelsChanged := !mapsEqualJSON(incoming.Channels, current.Channels)

	if err := s.cfg.UpdateConfig(c.Request.Context(), func(d *config.Doc) error {
		*d = incoming
		return nil
	}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	_ = s.cfg.PublishConfigReload(c.Request.Context(), config.ReloadEvent{ChannelsChanged: channelsChanged})

	c.JSON(http.StatusOK, config.Redact(s.cfg.GetConfigRef()))
}

// preserveRedacted restores the current secret value wherever the
// incoming document carries the "***" placeholder, so a client that
// round-trips a GET response without supplying real keys doesn't wipe them.
func preserveRedacted(incoming *config.Doc, current config.Doc) {
	const redacted = "***"
	if incoming.Gateway.AuthValue == redacted {
		incoming.Gateway.AuthValue = current.Gateway.AuthValue
	}
	incoming.Gateway.AuthType = current.Gateway.AuthType
	incoming.Gateway.AuthValue = current.Gateway.AuthValue

	byID := make(map[string]string, len(current.Models.Models))
	for _, m := range current.Models.Models {
		byID[m.ID] = m.APIKey
	}
	for i, m := range incoming.Models.Models {
		if m.APIKey == redacted {
			incoming.Models.Models[i].APIKey = byID[m.ID]
		}
	}
	embByID := make(map[string]string, len(current.Models.EmbeddingModels))
	for _, m := range current.Models.EmbeddingModels {
		embByID[m.ID] = m.APIKey
	}
	for i, m := range incoming.Models.EmbeddingModels {
		if m.APIKey == redacted {
			incoming.Models.EmbeddingModels[i].APIKey = embByID[m.ID]
		}
	}
}

func mapsEqualJSON(a, b map[string]any) bool {
	ra, _ := json.Marshal(a)
	rb, _ := json.Marshal(b)
	return string(ra) == string(rb)
}

func (s *Server) handleReloadConfig(c *gin.Context) {
	if err := s.cfg.Load(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
