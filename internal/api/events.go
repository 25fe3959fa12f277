package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingPeriod   = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The management API already gates access with its key; the socket
	// carries no secrets, only flow progress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFlowEvents upgrades the connection and forwards authorization
// progress events until the client disconnects.
func (h *Handler) streamFlowEvents(c *gin.Context) {
	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	events, cancel := h.oauth.Subscribe()
	defer cancel()

	// Drain client frames so pong/close handling works; the stream is
	// one-way otherwise.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, errRead := conn.ReadMessage(); errRead != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-events:
			if errDeadline := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); errDeadline != nil {
				return
			}
			if errWrite := conn.WriteJSON(ev); errWrite != nil {
				log.Debugf("event stream closed: %v", errWrite)
				return
			}
		case <-ticker.C:
			if errDeadline := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); errDeadline != nil {
				return
			}
			if errPing := conn.WriteMessage(websocket.PingMessage, nil); errPing != nil {
				return
			}
		}
	}
}
