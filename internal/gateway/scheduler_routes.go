package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/queue"
)

func (s *Server) registerSchedulerRoutes(api *gin.RouterGroup) {
	api.GET("/scheduler", s.handleListScheduled)
	api.POST("/scheduler/reminder", s.handleCreateReminder)
	api.POST("/scheduler/recurrent-reminder", s.handleCreateRecurrentReminder)
	api.POST("/scheduler/task", s.handleCreateTask)
	api.POST("/scheduler/recurrent-task", s.handleCreateRecurrentTask)
	api.POST("/scheduler/:id/complete", s.handleCompleteScheduled)
	api.DELETE("/scheduler/:id", s.handleCancelScheduled)
	api.DELETE("/scheduler/:id/purge", s.handlePurgeScheduled)
}

func (s *Server) handleListScheduled(c *gin.Context) {
	jobs, err := s.sched.ListAllScheduledJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": jobs})
}

type createReminderRequest struct {
	ChannelID string `json:"channelId" binding:"required"`
	Message   string `json:"message" binding:"required"`
	DelayMs   int64  `json:"delayMs" binding:"required"`
}

func (s *Server) handleCreateReminder(c *gin.Context) {
	var req createReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.sched.CreateReminder(c.Request.Context(), req.ChannelID, req.Message, time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scheduled": job})
}

type createRecurrentRequest struct {
	ChannelID string `json:"channelId" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Cron      string `json:"cron"`
	EveryMs   int64  `json:"everyMs"`
	TZ        string `json:"tz"`
}

func (r *createRecurrentRequest) toRepeat() *queue.Repeat {
	return &queue.Repeat{Pattern: r.Cron, Every: r.EveryMs, TZ: r.TZ}
}

func (s *Server) handleCreateRecurrentReminder(c *gin.Context) {
	var req createRecurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.sched.CreateRecurrentReminder(c.Request.Context(), req.ChannelID, req.Text, req.toRepeat())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scheduled": job})
}

type createTaskRequest struct {
	ChannelID   string `json:"channelId" binding:"required"`
	Description string `json:"description" binding:"required"`
	DelayMs     int64  `json:"delayMs" binding:"required"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.sched.CreateTask(c.Request.Context(), req.ChannelID, req.Description, time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scheduled": job})
}

func (s *Server) handleCreateRecurrentTask(c *gin.Context) {
	var req createRecurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.sched.CreateRecurrentTask(c.Request.Context(), req.ChannelID, req.Text, req.toRepeat())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"scheduled": job})
}

func (s *Server) handleCompleteScheduled(c *gin.Context) {
	if err := s.sched.CompleteScheduledJobAdmin(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// handleCancelScheduled stops future firings but leaves the record
// queryable; handlePurgeScheduled below removes it outright.
func (s *Server) handleCancelScheduled(c *gin.Context) {
	if err := s.sched.CancelScheduledJobAdmin(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handlePurgeScheduled(c *gin.Context) {
	if err := s.sched.DeleteScheduledJob(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "purged"})
}
