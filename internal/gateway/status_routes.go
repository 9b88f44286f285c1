package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/queue"
)

// statusResponse is GET /status's structured body: per-adapter health plus
// queue depths, richer than a bare healthy/unhealthy boolean per the
// channel manager's own health model.
type statusResponse struct {
	Status   string                      `json:"status"`
	Channels map[string]channelHealthDTO `json:"channels,omitempty"`
	Queues   map[string]int              `json:"queues,omitempty"`
}

type channelHealthDTO struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{Status: "ok", Channels: make(map[string]channelHealthDTO), Queues: make(map[string]int)}

	if s.chanMgr != nil {
		for id, h := range s.chanMgr.HealthSnapshot() {
			resp.Channels[id] = channelHealthDTO{Connected: h.Connected, Error: h.Error}
		}
	}

	if s.q != nil {
		for _, qn := range []string{queue.QueueMessages, queue.QueueAgents, queue.QueueInternal, queue.QueueTools} {
			jobs, err := s.q.ListJobs(c.Request.Context(), qn)
			if err != nil {
				continue
			}
			waiting := 0
			for _, j := range jobs {
				if j.Status == queue.StatusWaiting || j.Status == queue.StatusDelayed {
					waiting++
				}
			}
			resp.Queues[qn] = waiting
			if s.metrics != nil {
				s.metrics.QueueDepth.WithLabelValues(qn).Set(float64(waiting))
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}
