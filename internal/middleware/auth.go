// Package middleware provides Gin HTTP middleware for session authentication,
// request ids, metrics and security headers.
//
// Middleware ordering is set in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → SecurityHeaders → Auth → Handler
//
// Security headers run before auth so they appear on 401 responses too.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/connect-console/internal/auth"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey     = "user_id"
	UserEmailKey  = "user_email"
	AuthMethodKey = "auth_method"
)

// SessionValidator verifies a bearer session token.
type SessionValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AuthMiddleware requires a valid session JWT and stores the user id in the context.
func AuthMiddleware(sessions SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c.GetHeader("Authorization"))
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Set(UserIDKey, claims.Principal())
		c.Set(UserEmailKey, claims.Email)
		c.Set(AuthMethodKey, "jwt")
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. A non-empty
// message describes why the header was refused.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

// GetUserID returns the authenticated user id set by AuthMiddleware.
func GetUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
