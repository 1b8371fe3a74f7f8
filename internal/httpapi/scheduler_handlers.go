package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/models"
)

type createPostRequest struct {
	Content     string    `json:"content" binding:"required"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

func (s *Server) createPost(c *gin.Context) {
	userID := c.Param("user_id")

	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}

	post := &models.ScheduledPost{UserID: userID, Content: req.Content, ScheduledAt: req.ScheduledAt}
	if err := s.Scheduler.AddPost(c.Request.Context(), post); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (s *Server) updatePost(c *gin.Context) {
	userID := c.Param("user_id")
	postID, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil {
		respondError(c, errors.BadRequest("invalid post_id"))
		return
	}

	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}

	if err := s.Scheduler.UpdatePost(c.Request.Context(), userID, postID, req.Content, req.ScheduledAt); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelPost(c *gin.Context) {
	userID := c.Param("user_id")
	postID, err := strconv.ParseInt(c.Param("post_id"), 10, 64)
	if err != nil {
		respondError(c, errors.BadRequest("invalid post_id"))
		return
	}
	if err := s.Scheduler.CancelPost(c.Request.Context(), userID, postID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createCronJobRequest struct {
	Name           string `json:"name" binding:"required"`
	WorkflowName   string `json:"workflow_name" binding:"required"`
	CronExpression string `json:"cron_expression" binding:"required"`
}

func (s *Server) createCronJob(c *gin.Context) {
	userID := c.Param("user_id")

	var req createCronJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest("invalid request body"))
		return
	}

	job := &models.CronJob{
		JobID:        uuid.New().String(),
		UserID:       userID,
		Name:         req.Name,
		WorkflowName: req.WorkflowName,
		CronExpr:     req.CronExpression,
	}
	if err := s.Scheduler.AddJob(c.Request.Context(), job); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) pauseCronJob(c *gin.Context) {
	if err := s.Scheduler.PauseJob(c.Request.Context(), c.Param("user_id"), c.Param("job_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeCronJob(c *gin.Context) {
	if err := s.Scheduler.ResumeJob(c.Request.Context(), c.Param("user_id"), c.Param("job_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteCronJob(c *gin.Context) {
	if err := s.Scheduler.DeleteJob(c.Request.Context(), c.Param("user_id"), c.Param("job_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
