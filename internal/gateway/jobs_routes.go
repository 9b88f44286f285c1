package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/queue"
)

var adminQueues = []string{queue.QueueMessages, queue.QueueAgents, queue.QueueInternal, queue.QueueTools}

func (s *Server) registerJobsRoutes(api *gin.RouterGroup) {
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/counts", s.handleJobCounts)
	api.POST("/jobs/:queue/:id/retry", s.handleRetryJob)
	api.POST("/jobs/:queue/:id/fail", s.handleFailJob)
	api.POST("/jobs/:queue/:id/complete", s.handleCompleteJob)
	api.DELETE("/jobs/:queue/:id", s.handleDeleteJob)
}

func (s *Server) handleListJobs(c *gin.Context) {
	queues := adminQueues
	if qn := c.Query("queue"); qn != "" {
		queues = []string{qn}
	}
	out := make(map[string][]*queue.Job)
	for _, qn := range queues {
		jobs, err := s.q.ListJobs(c.Request.Context(), qn)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out[qn] = jobs
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) handleJobCounts(c *gin.Context) {
	queues := adminQueues
	if qn := c.Query("queue"); qn != "" {
		queues = []string{qn}
	}
	out := make(map[string]map[queue.Status]int)
	for _, qn := range queues {
		counts, err := s.q.Counts(c.Request.Context(), qn)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out[qn] = counts
	}
	c.JSON(http.StatusOK, gin.H{"counts": out})
}

func (s *Server) handleRetryJob(c *gin.Context) {
	if err := s.q.RetryJob(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retried"})
}

type failJobRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFailJob(c *gin.Context) {
	var req failJobRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "failed by operator"
	}
	if err := s.q.FailJob(c.Request.Context(), c.Param("queue"), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

func (s *Server) handleCompleteJob(c *gin.Context) {
	if err := s.q.CompleteJob(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.q.DeleteJob(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
