package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

func (s *Server) registerWSRoutes(api *gin.RouterGroup) {
	api.GET("/ws/buffered-responses", s.handleWSBufferedResponses)
}

// handleWSBufferedResponses upgrades to a websocket connection and replays
// every event buffered for channelId while the web channel's own
// connection was down, in order, then closes. The web channel adapter
// reconnects, drains this endpoint, and only then resumes live delivery.
func (s *Server) handleWSBufferedResponses(c *gin.Context) {
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

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("gateway: websocket upgrade failed", "channel", channelID, "error", err)
		return
	}
	defer conn.Close()

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			s.logger.Warn("gateway: websocket write failed", "channel", channelID, "error", err)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "drained"))
}
