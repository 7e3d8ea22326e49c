package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	accountIDContextKey = "auth_account_id"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated account in
// the request context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		accountID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(accountIDContextKey, accountID)
		c.Set(authTokenContextKey, token)
		c.Next()
	}
}

// AccountIDFromContext retrieves the authenticated account id from the gin context.
func AccountIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(accountIDContextKey)
	if !ok {
		return "", false
	}
	accountID, ok := val.(string)
	return accountID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
