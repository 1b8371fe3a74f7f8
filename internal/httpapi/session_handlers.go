package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/errors"
)

func (s *Server) createSession(c *gin.Context) {
	userID := c.Param("user_id")
	sess, err := s.Sessions.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) getSessionStatus(c *gin.Context) {
	userID := c.Param("user_id")
	sessions, err := s.Sessions.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) terminateSession(c *gin.Context) {
	userID := c.Param("user_id")
	sessionID := c.Param("session_id")
	if err := s.Sessions.Terminate(c.Request.Context(), userID, sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func respondError(c *gin.Context, err error) {
	ae := errors.As(err)
	c.JSON(ae.StatusCode, ae.ToResponse())
}
