package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/auth"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "user_id"

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// PresenceToucher records that a user is active.
type PresenceToucher interface {
	Touch(ctx context.Context, userID int64) error
}

// AuthMiddleware requires a valid bearer token and stores the caller's id
// under UserIDKey. Each authenticated request refreshes the caller's presence.
func AuthMiddleware(tokens TokenValidator, presence PresenceToucher) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		claims, err := tokens.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set(UserIDKey, claims.UserID)

		if presence != nil {
			if err := presence.Touch(c.Request.Context(), claims.UserID); err != nil {
				log.Debug("presence touch failed", "user_id", claims.UserID, "err", err)
			}
		}

		c.Next()
	}
}

// CurrentUser returns the id stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (int64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok && id > 0
}
