package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/logger"
)

// StructuredLogger logs one structured line per request via zerolog,
// tagging it with the request's correlation ID and authenticated user
// (when set by the identity middleware).
func StructuredLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log := logger.HTTP().With().
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Logger()

		if userID, ok := c.Get(AuthenticatedUserIDKey); ok {
			log = log.With().Interface("user_id", userID).Logger()
		}

		switch {
		case c.Writer.Status() >= 500:
			log.Error().Msg("request completed")
		case c.Writer.Status() >= 400:
			log.Warn().Msg("request completed")
		default:
			log.Info().Msg("request completed")
		}
	}
}
