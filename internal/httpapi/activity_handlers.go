package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultActivityHistoryLimit = 50

func (s *Server) getActivityFeed(c *gin.Context) {
	userID := c.Param("user_id")

	limit := defaultActivityHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := s.Activity.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
