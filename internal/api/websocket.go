package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams every bus event to the client as JSON envelopes.
func (s *Server) websocket(c *gin.Context) {
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_NOT_READY", "event bus not configured")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ websocket upgrade failed")
		return
	}
	defer conn.Close()

	stream, unsub := s.Bus.SubscribeAll(100)
	defer unsub()

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.WithField("client_ip", c.ClientIP()).Info("🔌 event stream client connected")
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}
