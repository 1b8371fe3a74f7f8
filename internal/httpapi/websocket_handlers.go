package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pilothq/controlplane/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Bearer-token auth already ran in RequireAuth/RequireOwnUser
		// before the upgrade; origin checking adds nothing here.
		return true
	},
}

// serveExtensionWS upgrades the connection and registers it with the
// Extension Bridge, reading inbound frames until the socket closes.
func (s *Server) serveExtensionWS(c *gin.Context) {
	userID := c.Param("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Bridge().Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	s.Bridge.Connect(userID, conn)
	defer s.Bridge.Disconnect(userID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.Bridge.OnFrame(userID, raw)
	}
}

// serveActivityWS upgrades the connection and streams a user's live
// activity feed until they disconnect or the subscription lags.
func (s *Server) serveActivityWS(c *gin.Context) {
	userID := c.Param("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Activity().Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.Activity.Subscribe(userID)
	defer sub.Unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-sub.Lagging:
			return
		case <-closed:
			return
		}
	}
}

// serveAgentWS upgrades the connection and streams a user's run events
// (activity events plus stopping, completed, cancelled and failed
// notices) until they disconnect.
func (s *Server) serveAgentWS(c *gin.Context) {
	userID := c.Param("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.RunController().Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.RunSink.Subscribe(userID)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
