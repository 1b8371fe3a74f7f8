// Package httpapi wires the control plane's HTTP and WebSocket
// surfaces onto gin, delegating to the component packages for all
// actual behavior.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/activity"
	"github.com/pilothq/controlplane/internal/bridge"
	"github.com/pilothq/controlplane/internal/credentials"
	"github.com/pilothq/controlplane/internal/identity"
	"github.com/pilothq/controlplane/internal/middleware"
	"github.com/pilothq/controlplane/internal/runcontroller"
	"github.com/pilothq/controlplane/internal/scheduler"
	"github.com/pilothq/controlplane/internal/session"
)

// Server bundles every component the HTTP layer dispatches to.
type Server struct {
	Gate        *identity.Gate
	Credentials *credentials.Store
	Sessions    *session.Manager
	Bridge      *bridge.Hub
	Runs        *runcontroller.Controller
	RunSink     *runcontroller.WebSocketSink
	Scheduler   *scheduler.Engine
	Activity    *activity.Bus

	ExtensionDefaultTimeout time.Duration
}

// NewRouter builds the gin engine with every middleware and route the
// control plane exposes.
func (s *Server) NewRouter(rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.StructuredLogger())
	r.Use(rateLimiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) { c.Status(200) })

	v1 := r.Group("/api/v1/users/:user_id")
	v1.Use(middleware.RequireAuth(s.Gate))
	v1.Use(middleware.RequireOwnUser())
	v1.Use(middleware.Timeout(30 * time.Second))
	{
		v1.POST("/credentials", s.putCredentials)

		v1.POST("/session", s.createSession)
		v1.GET("/session", s.getSessionStatus)
		v1.DELETE("/session/:session_id", s.terminateSession)

		v1.POST("/runs", s.startRun)
		v1.POST("/runs/:run_id/cancel", s.cancelRun)
		v1.GET("/runs/:run_id", s.getRunStatus)

		v1.POST("/posts", s.createPost)
		v1.PATCH("/posts/:post_id", s.updatePost)
		v1.DELETE("/posts/:post_id", s.cancelPost)

		v1.POST("/cron-jobs", s.createCronJob)
		v1.POST("/cron-jobs/:job_id/pause", s.pauseCronJob)
		v1.POST("/cron-jobs/:job_id/resume", s.resumeCronJob)
		v1.DELETE("/cron-jobs/:job_id", s.deleteCronJob)

		v1.GET("/activity", s.getActivityFeed)
	}

	ws := r.Group("/ws")
	ws.Use(middleware.RequireAuth(s.Gate))
	ws.Use(middleware.RequireOwnUser())
	{
		ws.GET("/extension/:user_id", s.serveExtensionWS)
		ws.GET("/activity/:user_id", s.serveActivityWS)
		ws.GET("/agent/:user_id", s.serveAgentWS)
	}

	return r
}
