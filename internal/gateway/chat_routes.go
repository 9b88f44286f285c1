package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/queue"
)

const chatTimeout = 120 * time.Second

func (s *Server) registerChatRoutes(api *gin.RouterGroup) {
	api.POST("/chat", s.handleChat)
	api.GET("/messages", s.handleGetMessages)
	api.DELETE("/messages", s.handleClearMessages)
	api.GET("/buffered-responses", s.handleBufferedResponses)
}

type chatRequest struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message" binding:"required"`
}

// handleChat enqueues a chat turn onto the messages queue and blocks for up
// to 120s for the orchestrator's reply, returning it inline. Callers that
// don't want to hold the connection open can poll /api/jobs instead.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChannelID == "" {
		req.ChannelID = "admin:chat"
	}

	id, err := s.q.Enqueue(c.Request.Context(), queue.QueueMessages, "chat", chatPayload{
		ChannelID: req.ChannelID,
		UserText:  req.Message,
	}, queue.EnqueueOptions{Attempts: 1})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ChatRequests.WithLabelValues("enqueue_error").Inc()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job, err := s.q.WaitUntilFinished(c.Request.Context(), queue.QueueMessages, id, chatTimeout)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ChatRequests.WithLabelValues("timeout").Inc()
		}
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error(), "jobId": id})
		return
	}
	if job.Status == queue.StatusFailed {
		if s.metrics != nil {
			s.metrics.ChatRequests.WithLabelValues("error").Inc()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": job.Error, "jobId": id})
		return
	}

	reply, _ := s.q.Result(c.Request.Context(), id)
	if s.metrics != nil {
		s.metrics.ChatRequests.WithLabelValues("ok").Inc()
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "reply": reply})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	channelID := c.Query("channelId")
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 50
	}
	if channelID == "" {
		msgs, err := s.store.GetAllRecentMessages(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}
	msgs, err := s.store.GetChannelMessages(c.Request.Context(), channelID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleClearMessages(c *gin.Context) {
	channelID := c.Query("channelId")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channelId is required"})
		return
	}
	if err := s.store.ClearChannelMessages(c.Request.Context(), channelID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleBufferedResponses(c *gin.Context) {
	channelID := c.Query("channelId")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channelId is required"})
		return
	}
	events, err := s.fabric.DrainBuffer(c.Request.Context(), channelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
