package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/errors"
)

type startRunRequest struct {
	WorkflowName string                 `json:"workflow_name" binding:"required"`
	Input        map[string]interface{} `json:"input"`
}

func (s *Server) startRun(c *gin.Context) {
	userID := c.Param("user_id")

	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}

	record, err := s.Runs.Start(c.Request.Context(), userID, req.WorkflowName, req.Input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, record)
}

func (s *Server) cancelRun(c *gin.Context) {
	userID := c.Param("user_id")

	record, wasActive := s.Runs.Status(userID)
	if err := s.Runs.Cancel(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"stopped": wasActive}
	if wasActive {
		resp["thread_id"] = record.ThreadID
		resp["run_id"] = record.RunID
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) getRunStatus(c *gin.Context) {
	userID := c.Param("user_id")
	runID := c.Param("run_id")

	if record, ok := s.Runs.Status(userID); ok {
		c.JSON(http.StatusOK, gin.H{"is_running": true, "thread_id": record.ThreadID, "run_id": record.RunID})
		return
	}
	if outcome, ok := s.Runs.HistoryFor(runID); ok {
		c.JSON(http.StatusOK, gin.H{"is_running": false, "thread_id": outcome.RunRecord.ThreadID, "run_id": runID, "outcome": outcome.Outcome})
		return
	}
	respondError(c, errors.NotFound("run"))
}
