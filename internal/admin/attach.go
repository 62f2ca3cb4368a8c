package admin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dev.helix.mq/internal/coordinator"
)

const (
	attachWriteWait    = 10 * time.Second
	attachPongWait     = 60 * time.Second
	attachPingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops surface is not exposed to browsers; origin policy stays
	// with the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// attachAgent upgrades to a WebSocket and drains the agent's mailbox
// to the socket as JSON frames. The stream ends at the first terminal
// frame, when the agent is evicted, or when the client disconnects.
// Client pongs count as heartbeats, so an attached-but-idle agent
// stays alive.
func (s *Server) attachAgent(c *gin.Context) {
	agentID := c.Param("id")
	sub, ok := s.coord.Subscription(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("agent %s is not registered", agentID),
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warn("agent attach upgrade failed",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	s.log.Info("agent attached",
		zap.String("agent_id", agentID),
		zap.String("remote", conn.RemoteAddr().String()))

	gone := make(chan struct{})
	go readPump(conn, sub, gone)

	ticker := time.NewTicker(attachPingInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-sub.Responses():
			if !ok {
				closeSocket(conn, websocket.CloseGoingAway, "agent evicted")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
			if err := conn.WriteJSON(r); err != nil {
				s.log.Debug("agent attach write failed",
					zap.String("agent_id", agentID),
					zap.Error(err))
				return
			}
			if r.Type.Terminal() {
				closeSocket(conn, websocket.CloseNormalClosure, "terminal frame")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// readPump discards client frames, feeding pongs into the agent's
// heartbeat. Closing gone unblocks the write loop on disconnect.
func readPump(conn *websocket.Conn, sub *coordinator.Subscription, gone chan struct{}) {
	defer close(gone)
	conn.SetReadDeadline(time.Now().Add(attachPongWait))
	conn.SetPongHandler(func(string) error {
		sub.Beat()
		return conn.SetReadDeadline(time.Now().Add(attachPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(attachWriteWait))
}
