// Package auth carries caller identity from the upstream gateway into
// handlers. The gateway authenticates players; this service trusts the
// X-User-ID header it forwards and only checks the admin secret itself.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/logging"
)

const (
	// HeaderUserID is set by the identity provider in front of this service.
	HeaderUserID = "X-User-ID"
	// HeaderAdminSecret authorizes admin console calls.
	HeaderAdminSecret = "X-Admin-Secret"
	// HeaderAdminID names the operator acting through the admin console.
	HeaderAdminID = "X-Admin-ID"

	// ContextKeyUserID is the gin context key for the caller's user id.
	ContextKeyUserID = "authUserID"
	// ContextKeyAdminID is the gin context key for the acting operator.
	ContextKeyAdminID = "authAdminID"

	maxUserIDLength = 128
)

// Identity copies the forwarded user id into the gin context and the
// request logger.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderUserID)); id != "" && len(id) <= maxUserIDLength {
			c.Set(ContextKeyUserID, id)
			ctx := c.Request.Context()
			logger := logging.FromContext(ctx).With("user", id)
			c.Request = c.Request.WithContext(logging.WithLogger(ctx, logger))
		}
		c.Next()
	}
}

// RequireUser rejects requests without a forwarded identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against secret in constant time. An
// empty secret disables admin routes entirely unless allowOpen is set, which
// the server only does in development.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !allowOpen {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
		} else {
			got := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Invalid admin credentials",
				})
				return
			}
		}

		admin := c.GetHeader(HeaderAdminID)
		if admin == "" {
			admin = "admin"
		}
		c.Set(ContextKeyAdminID, admin)
		c.Next()
	}
}

// UserID returns the caller's user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AdminID returns the operator name set by RequireAdmin.
func AdminID(c *gin.Context) string {
	return c.GetString(ContextKeyAdminID)
}
