package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/identity"
)

// AuthenticatedUserIDKey is the gin context key holding the verified
// caller's user ID, set by RequireAuth.
const AuthenticatedUserIDKey = "authenticated_user_id"

// RequireAuth authenticates the bearer token on every request and
// stores the resulting user ID in the gin context. It does not itself
// check the request's :user_id path parameter — routes with a path
// user must additionally chain RequireOwnUser.
func RequireAuth(gate *identity.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := gate.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			renderAppError(c, err)
			c.Abort()
			return
		}
		c.Set(AuthenticatedUserIDKey, claims.UserID)
		c.Next()
	}
}

// RequireOwnUser enforces that the path's :user_id matches the
// authenticated caller. It is a pure equality test, with no admin
// override; ownership of resources addressed by their own id is checked
// separately by the components that own them.
func RequireOwnUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		authenticated, _ := c.Get(AuthenticatedUserIDKey)
		pathUserID := c.Param("user_id")
		if err := identity.Authorize(authenticated.(string), pathUserID); err != nil {
			renderAppError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func renderAppError(c *gin.Context, err error) {
	ae := errors.As(err)
	c.JSON(ae.StatusCode, ae.ToResponse())
}
