package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-nvr/backend/internal/auth"
	"github.com/aura-nvr/backend/pkg/response"
)

const (
	// ContextSubject is the key for the token subject in gin context.
	ContextSubject = "subject"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates JWT and sets claims in context.
// A nil service disables authentication.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextSubject, claims.Subject)
		c.Set(ContextUserRole, claims.Role)
			c.Next()
	}
}
