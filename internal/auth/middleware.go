package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/stepup/internal/logging"
)

const (
	// ContextKeyUserID holds the authenticated user id in the gin context.
	ContextKeyUserID = "authUserID"
	// InternalSecretHeader carries the shared secret on internal routes.
	InternalSecretHeader = "X-Internal-Secret"
)

// Middleware resolves the session bearer token, if any, into a user id.
// Invalid tokens are ignored here; RequireSession rejects them.
// Browsers cannot set headers on a websocket handshake, so upgrade
// requests may carry the token in the access_token query parameter.
func Middleware(s *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" && websocket.IsWebSocketUpgrade(c.Request) {
			token = c.Query("access_token")
		}
		if token != "" {
			if userID, err := s.Validate(token); err == nil {
				c.Set(ContextKeyUserID, userID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
			}
		}
		c.Next()
	}
}

// RequireSession rejects requests without a valid session.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required. Include 'Authorization: Bearer <session token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireInternalSecret guards routes called by the checkout backend.
// A missing header is 401; a wrong one is 403. An empty secret disables
// the route entirely.
func RequireInternalSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(InternalSecretHeader)
		switch {
		case secret == "":
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Internal API is not configured.",
			})
		case got == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Internal secret required.",
			})
		case subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid internal secret.",
			})
		default:
			c.Next()
		}
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
