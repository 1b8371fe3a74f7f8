package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/models"
)

func (s *Server) putCredentials(c *gin.Context) {
	userID := c.Param("user_id")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondError(c, errors.BadRequest("failed to read request body"))
		return
	}
	if len(payload) == 0 {
		respondError(c, errors.ValidationFailed("credentials payload must not be empty"))
		return
	}

	creds := &models.BrowserCredentials{UserID: userID, Payload: payload, UpdatedAt: time.Now().UTC()}
	if err := s.Credentials.Put(c.Request.Context(), creds); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
